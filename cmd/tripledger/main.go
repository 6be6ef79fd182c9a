// Package main is the CLI entry point for tripledger, a trip-emissions audit
// ledger with field-level tamper detection.
//
// tripledger computes per-trip emissions from GPS telemetry, certifies each
// record with per-field hashes and a root hash, re-verifies on every read,
// and appends every detected mismatch to a hash-chained tamper ledger.
//
//	telemetry.json --> process --> record store (live values + baseline)
//	                                 |
//	          trip-report / sweep -->+-- verify --> tamper ledger (JSONL + sqlite index)
//
// CLI commands (cobra):
//
//	tripledger serve          - Run the HTTP API
//	tripledger stop           - Stop a running server
//	tripledger status         - Show server status
//	tripledger process        - Build records from the telemetry source
//	tripledger verify         - Verify one record or all of them
//	tripledger trips          - List current records
//	tripledger ledger         - Tail, query, verify and export the tamper ledger
//	tripledger suppliers      - Show the supplier registry
//	tripledger config         - Show or initialize configuration
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/greenroute/tripledger/internal/api"
	"github.com/greenroute/tripledger/internal/config"
	"github.com/greenroute/tripledger/internal/emissions"
	"github.com/greenroute/tripledger/internal/engine"
	"github.com/greenroute/tripledger/internal/ledger"
	"github.com/greenroute/tripledger/internal/record"
	"github.com/greenroute/tripledger/internal/store"
	"github.com/greenroute/tripledger/internal/supplier"
	"github.com/greenroute/tripledger/internal/telemetry"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-10-01"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns ~/.tripledger, where config.yaml, factors.yaml,
// suppliers.yaml, the record database, the snapshot key and the ledger live.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tripledger"
	}
	return filepath.Join(home, ".tripledger")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var configDir string

var rootCmd = &cobra.Command{
	Use:   "tripledger",
	Short: "tripledger - tamper-evident trip emissions ledger",
	Long: `tripledger computes per-trip carbon emissions from GPS telemetry,
certifies each record with cryptographic field hashes, and re-verifies
stored records on every read. Any mismatch is written to an append-only,
hash-chained tamper ledger.

Run 'tripledger config init' once, then 'tripledger serve'.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(),
		"Directory for tripledger config and state")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(tripsCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(suppliersCmd)
	rootCmd.AddCommand(configCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(filepath.Join(configDir, config.FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// runtimeDeps is everything an engine needs, opened from config.
type runtimeDeps struct {
	store    *store.Store
	ledger   *ledger.Ledger
	factors  *emissions.FactorTable
	registry *supplier.Registry
	engine   *engine.Engine
}

func (d *runtimeDeps) Close() {
	if d.ledger != nil {
		d.ledger.Close()
	}
	if d.store != nil {
		d.store.Close()
	}
}

// openRuntime opens the record store, the tamper ledger, the factor table
// and the supplier registry, and builds an engine over them.
func openRuntime(cfg *config.Config, logger *slog.Logger) (*runtimeDeps, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory %s: %w", cfg.Dir, err)
	}

	var sealer store.Sealer = store.PlainSealer{}
	if cfg.Snapshots.Encrypt {
		s, err := store.LoadOrCreateKey(cfg.Snapshots.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshot key: %w", err)
		}
		sealer = s
	}

	d := &runtimeDeps{}
	var err error
	if d.store, err = store.Open(cfg.Storage.Driver, cfg.Storage.DSN, sealer); err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	if d.ledger, err = ledger.Open(cfg.Ledger.Dir); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to open tamper ledger: %w", err)
	}
	if d.factors, err = emissions.NewFactorTable(cfg.Factors.Path); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to load emission factors: %w", err)
	}
	if d.registry, err = supplier.NewRegistry(cfg.SuppliersPath()); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to load supplier registry: %w", err)
	}

	d.engine, err = engine.New(engine.Options{
		Store:    d.store,
		Ledger:   d.ledger,
		Factors:  d.factors,
		Registry: d.registry,
		Scorer: emissions.Scorer{
			GapThreshold:       time.Duration(cfg.Scoring.GapThresholdSeconds * float64(time.Second)),
			TargetSamplesPerKm: cfg.Scoring.TargetSamplesPerKm,
		},
		Logger: logger,
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// loadSource reads the telemetry document. A missing file is NotFound so
// the API answers 404 rather than 500.
func loadSource(path string) func() (*telemetry.Source, error) {
	return func() (*telemetry.Source, error) {
		src, err := telemetry.Load(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: telemetry source %s", record.ErrNotFound, path)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", record.ErrInvalidArgument, err)
		}
		return src, nil
	}
}

func serverURL(cfg *config.Config) string {
	return "http://" + cfg.Addr()
}

// serverRunning reports whether a server answers /health at the configured
// address.
func serverRunning(cfg *config.Config) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(serverURL(cfg) + "/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ============================================================================
// tripledger serve
// ============================================================================

var (
	logFormat string
	logLevel  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the tripledger HTTP API in the foreground.

On startup the server opens the record store and the tamper ledger, loads
the emission factor table and the supplier registry, and watches
factors.yaml and suppliers.yaml for edits. If enabled, a background sweep
re-verifies matching records on an interval, and /ws/integrity-events
streams every new tamper event.

Stops on SIGINT, SIGTERM or 'tripledger stop'.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

// newLogger builds the process logger from the --log-* flags.
func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q (use text or json)", format)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(logFormat, logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serverRunning(cfg) {
		return fmt.Errorf("a server is already listening on %s", cfg.Addr())
	}

	deps, err := openRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	refs, err := deps.engine.Trips(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read record store: %w", err)
	}
	events, err := deps.ledger.Count()
	if err != nil {
		return fmt.Errorf("failed to read tamper ledger: %w", err)
	}
	set := deps.factors.Current()
	fmt.Printf("[tripledger] %d records, %d tamper events, factors %s %s (%d vehicle types)\n",
		len(refs), events, set.Source, set.Version, len(set.Factors))

	shutdownCh := make(chan struct{}, 1)
	srv := api.New(api.Options{
		Engine:         deps.engine,
		LoadSource:     loadSource(cfg.Source.Path),
		Simulation:     cfg.Simulation.Enabled,
		LiveFeed:       cfg.LiveFeed.Enabled,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutMs) * time.Millisecond,
		MaxInFlight:    cfg.Server.MaxInFlight,
		OnShutdown: func() {
			select {
			case shutdownCh <- struct{}{}:
			default:
			}
		},
		Version: version,
		Logger:  logger,
	})

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	pidFile := cfg.PIDPath()
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	watcher, err := config.NewWatcher(cfg.Dir, config.WatchTargets{
		OnFactorsChange: func() {
			if err := deps.factors.Reload(); err != nil {
				logger.Warn("failed to reload emission factors", "error", err)
				return
			}
			fmt.Println("[tripledger] Emission factors reloaded")
		},
		OnSuppliersChange: func() {
			if err := deps.registry.Reload(); err != nil {
				logger.Warn("failed to reload supplier registry", "error", err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background work stops with bgCtx, before the store and ledger close.
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()

	if cfg.Sweep.Enabled {
		sweeper, err := engine.NewSweeper(deps.engine,
			time.Duration(cfg.Sweep.IntervalSeconds)*time.Second,
			cfg.Sweep.Suppliers, cfg.Sweep.Vehicles, logger)
		if err != nil {
			return fmt.Errorf("invalid sweep config: %w", err)
		}
		go sweeper.Run(bgCtx)
	}
	if cfg.LiveFeed.Enabled {
		go func() {
			if err := srv.RunLiveFeed(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("live feed stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[tripledger] API listening on http://%s\n", cfg.Addr())
		if cfg.Simulation.Enabled {
			fmt.Println("[tripledger] Corruption endpoints enabled under /simulation")
		}
		fmt.Println("[tripledger] Press Ctrl+C to stop")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[tripledger] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[tripledger] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	cancelBg()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[tripledger] Shutdown error: %v\n", err)
	}
	if err := deps.registry.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "[tripledger] Warning: failed to save supplier registry: %v\n", err)
	}

	fmt.Println("[tripledger] Stopped")
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	os.Remove(path)
}

// ============================================================================
// tripledger stop
// ============================================================================

// stopCmd tries POST /shutdown first, then falls back to the PID file and
// SIGTERM on Unix.
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running server",
	RunE:  runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := serverURL(cfg)
	pidFile := cfg.PIDPath()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(addr+"/shutdown", "application/json", nil)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("[tripledger] Stop signal sent to server")
			os.Remove(pidFile)
			return nil
		}
	}

	if runtime.GOOS == "windows" {
		return fmt.Errorf("server is not responding at %s", addr)
	}

	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("server is not running (no PID file and HTTP unreachable)")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidFile)
		return fmt.Errorf("failed to stop server (PID %d): %w", pid, err)
	}

	os.Remove(pidFile)
	fmt.Printf("[tripledger] Sent stop signal to server (PID %d)\n", pid)
	return nil
}

// ============================================================================
// tripledger status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	RunE:  runStatus,
}

type healthJSON struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Trips        int    `json:"trips"`
	TamperEvents int    `json:"tamper_events"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := serverURL(cfg)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Println("[tripledger] Status: NOT RUNNING")
		fmt.Printf("[tripledger] Expected at: %s\n", addr)
		return nil
	}
	defer resp.Body.Close()

	var h healthJSON
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		fmt.Println("[tripledger] Status: RUNNING (could not parse health response)")
		return nil
	}
	fmt.Println("[tripledger] Status: RUNNING")
	fmt.Printf("[tripledger] Listening on:  %s\n", addr)
	fmt.Printf("[tripledger] Version:       %s\n", h.Version)
	fmt.Printf("[tripledger] Trips:         %d\n", h.Trips)
	fmt.Printf("[tripledger] Tamper events: %d\n", h.TamperEvents)
	return nil
}

// ============================================================================
// tripledger process
// ============================================================================

var (
	processSupplier string
	processSource   string
)

// processCmd builds records from the telemetry source. When a server is
// running the work is sent to it, so one process owns the record locks.
var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Build and certify records from the telemetry source",
	Long: `Compute emissions and confidence for every trip in the telemetry source
and certify a fresh record per trip. Reprocessing a trip verifies its
current record first, then supersedes it.

Examples:
  tripledger process
  tripledger process --supplier 'SUP-0*'
  tripledger process --source ./fleet.json`,
	RunE: runProcess,
}

func init() {
	processCmd.Flags().StringVar(&processSupplier, "supplier", "", "Only process suppliers matching this glob")
	processCmd.Flags().StringVar(&processSource, "source", "", "Telemetry file (defaults to source.path from config)")
}

func runProcess(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if serverRunning(cfg) {
		if processSource != "" {
			return fmt.Errorf("--source cannot be used while a server is running; edit source.path instead")
		}
		return processRemote(cfg)
	}

	deps, err := openRuntime(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer deps.Close()

	path := cfg.Source.Path
	if processSource != "" {
		path = processSource
	}
	src, err := loadSource(path)()
	if err != nil {
		return err
	}
	res, err := deps.engine.Process(cmd.Context(), src, processSupplier)
	if err != nil {
		return fmt.Errorf("processing failed: %w", err)
	}
	printProcessResult(res)
	return nil
}

func processRemote(cfg *config.Config) error {
	target := serverURL(cfg) + "/automation/process-all-data"
	if processSupplier != "" {
		target += "?supplier=" + url.QueryEscape(processSupplier)
	}
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Post(target, "application/json", nil)
	if err != nil {
		return fmt.Errorf("contacting server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("server answered %d: %s", resp.StatusCode, body.Detail)
	}
	var res engine.ProcessResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("decoding server response: %w", err)
	}
	printProcessResult(res)
	return nil
}

func printProcessResult(res engine.ProcessResult) {
	fmt.Printf("[tripledger] %s\n", res.Message)
	fmt.Printf("[tripledger] Suppliers processed: %d, trips audited: %d\n", res.SuppliersProcessed, res.TripsAudited)
	if len(res.Superseded) > 0 {
		fmt.Printf("[tripledger] Superseded %d previous records\n", len(res.Superseded))
	}
}

// ============================================================================
// tripledger verify
// ============================================================================

var verifyAll bool

var verifyCmd = &cobra.Command{
	Use:   "verify [trip-id|audit-id]",
	Short: "Verify records against their baselines",
	Long: `Recompute every field hash of a record and compare against the baseline
certified at creation. Mismatches are appended to the tamper ledger with
source "cli". Exits non-zero if any record is compromised or unverifiable.

Refuses to run while a server is running; use GET /audit/trip-report/{id}.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyAll, "all", false, "Verify every current record")
}

func runVerify(cmd *cobra.Command, args []string) error {
	if verifyAll == (len(args) == 1) {
		return fmt.Errorf("give either a trip/audit id or --all")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serverRunning(cfg) {
		return fmt.Errorf("a server is running on %s; verify through GET /audit/trip-report/{id}", cfg.Addr())
	}

	deps, err := openRuntime(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer deps.Close()

	ctx := cmd.Context()
	ids := args
	if verifyAll {
		refs, err := deps.engine.Trips(ctx)
		if err != nil {
			return err
		}
		ids = ids[:0]
		for _, ref := range refs {
			ids = append(ids, ref.AuditID)
		}
	}

	var bad int
	for _, id := range ids {
		rep, err := deps.engine.Report(ctx, id, engine.SourceCLI)
		switch {
		case errors.Is(err, record.ErrInvariantViolation):
			fmt.Printf("%-14s %-40s UNVERIFIABLE  %v\n", "-", id, err)
			bad++
			continue
		case err != nil:
			return err
		}
		printVerifyResult(rep)
		if rep.Result.Status == record.StatusCompromised {
			bad++
		}
	}

	fmt.Printf("\n[tripledger] %d records verified, %d not intact\n", len(ids), bad)
	if bad > 0 {
		return fmt.Errorf("%d records failed verification", bad)
	}
	return nil
}

func printVerifyResult(rep *engine.Report) {
	res := rep.Result
	fmt.Printf("%-14s %-40s %-12s root=%s\n", res.TripID, res.AuditID, res.Status, shortHash(res.RootHash))
	for _, c := range res.Mismatches() {
		fmt.Printf("    %-30s %-6s stored=%s recalculated=%s\n",
			c.Field, c.Field.Severity(), shortHash(c.StoredHash), shortHash(c.RecalculatedHash))
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// ============================================================================
// tripledger trips
// ============================================================================

var tripsCmd = &cobra.Command{
	Use:   "trips",
	Short: "List current records",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		deps, err := openRuntime(cfg, slog.Default())
		if err != nil {
			return err
		}
		defer deps.Close()

		refs, err := deps.engine.Trips(cmd.Context())
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			fmt.Println("No records yet. Run 'tripledger process'.")
			return nil
		}
		fmt.Printf("  %-14s %-12s %-42s %s\n", "TRIP", "SUPPLIER", "AUDIT ID", "NOTE")
		for _, ref := range refs {
			note := ""
			if ref.Unverifiable {
				note = "unverifiable"
			}
			fmt.Printf("  %-14s %-12s %-42s %s\n", ref.TripID, ref.SupplierID, ref.AuditID, note)
		}
		return nil
	},
}

// ============================================================================
// tripledger ledger
// ============================================================================

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Tail, query, verify and export the tamper ledger",
	Long: `The tamper ledger records every detected mismatch between a record's
baseline hash and its live value. Entries are deduplicated by
(audit_id, field, recalculated_hash) and hash-chained: each entry's hash
covers its predecessor, so editing the ledger files is detectable.`,
}

func init() {
	ledgerCmd.AddCommand(ledgerTailCmd)
	ledgerCmd.AddCommand(ledgerQueryCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerExportCmd)
}

func openLedger() (*ledger.Ledger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	l, err := ledger.Open(cfg.Ledger.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open tamper ledger: %w", err)
	}
	return l, nil
}

var (
	ledgerFollow    bool
	ledgerTailLimit int
)

var ledgerTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent tamper events",
	Long:  `Show the most recent tamper events. Use -f to follow new events, including ones recorded by a running server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger()
		if err != nil {
			return err
		}
		defer l.Close()

		events, err := l.Query(ledger.QueryParams{Limit: ledgerTailLimit})
		if err != nil {
			return err
		}
		for _, e := range events {
			printEvent(e)
		}

		if ledgerFollow {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err := l.Follow(ctx, printEvent)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		return nil
	},
}

func init() {
	ledgerTailCmd.Flags().BoolVarP(&ledgerFollow, "follow", "f", false, "Follow new events")
	ledgerTailCmd.Flags().IntVarP(&ledgerTailLimit, "limit", "n", 20, "Number of recent events to show")
}

var ledgerQuery ledger.QueryParams

var ledgerQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query tamper events with filters",
	Long: `Query the tamper ledger. All filters combine.

Examples:
  tripledger ledger query --trip TRIP-001 --severity high
  tripledger ledger query --field 'total_*' --since 24h
  tripledger ledger query --since 2024-06-01T00:00:00Z --limit 100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger()
		if err != nil {
			return err
		}
		defer l.Close()

		events, err := l.Query(ledgerQuery)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No matching tamper events found.")
			return nil
		}
		for _, e := range events {
			printEvent(e)
		}
		fmt.Printf("\n%d events found.\n", len(events))
		return nil
	},
}

func init() {
	f := ledgerQueryCmd.Flags()
	f.StringVar(&ledgerQuery.AuditID, "audit", "", "Filter by audit id")
	f.StringVar(&ledgerQuery.TripID, "trip", "", "Filter by trip id")
	f.StringVar((*string)(&ledgerQuery.Severity), "severity", "", "Filter by severity (low, medium, high)")
	f.StringVar(&ledgerQuery.Field, "field", "", "Filter by field name glob")
	f.StringVar(&ledgerQuery.Since, "since", "", "Only events since a duration (1h, 24h) or RFC 3339 time")
	f.IntVar(&ledgerQuery.Limit, "limit", 50, "Maximum number of events (newest kept)")
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the ledger hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger()
		if err != nil {
			return err
		}
		defer l.Close()

		result, err := l.VerifyChain()
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		if !result.Valid {
			fmt.Printf("[tripledger] Ledger chain BROKEN at entry #%d\n", result.BrokenAt)
			fmt.Printf("  Expected hash: %s\n", result.ExpectedHash)
			fmt.Printf("  Actual hash:   %s\n", result.ActualHash)
			return fmt.Errorf("tamper ledger integrity violation detected")
		}
		fmt.Printf("[tripledger] Ledger chain VALID (%d entries verified)\n", result.EntriesChecked)
		return nil
	},
}

var ledgerExportFormat string

var ledgerExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the tamper ledger",
	Long: `Write every tamper event to stdout. Formats: jsonl, json, csv.

Example:
  tripledger ledger export --format csv > tamper_events.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger()
		if err != nil {
			return err
		}
		defer l.Close()
		return l.Export(os.Stdout, ledgerExportFormat)
	},
}

func init() {
	ledgerExportCmd.Flags().StringVar(&ledgerExportFormat, "format", "jsonl", "Export format: jsonl, json, csv")
}

func printEvent(e ledger.Event) {
	fmt.Printf("[%s] #%-5d %-6s trip=%-12s field=%-30s source=%s\n",
		e.DetectedAt, e.Seq, e.Severity, e.TripID, e.Field, e.Source)
}

// ============================================================================
// tripledger suppliers
// ============================================================================

var suppliersCmd = &cobra.Command{
	Use:   "suppliers [supplier-id]",
	Short: "List suppliers or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := supplier.NewRegistry(cfg.SuppliersPath())
		if err != nil {
			return fmt.Errorf("failed to load supplier registry: %w", err)
		}

		if len(args) == 1 {
			s, err := reg.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Supplier:        %s\n", s.ID)
			fmt.Printf("Name:            %s\n", s.Name)
			fmt.Printf("First seen:      %s\n", s.FirstSeen.Format(time.RFC3339))
			fmt.Printf("Last processed:  %s\n", s.LastProcessed.Format(time.RFC3339))
			fmt.Printf("Runs:            %d\n", s.Stats.Runs)
			fmt.Printf("Vehicles:        %d\n", s.Stats.Vehicles)
			fmt.Printf("Trips audited:   %d\n", s.Stats.TripsAudited)
			return nil
		}

		list := reg.List()
		if len(list) == 0 {
			fmt.Println("No suppliers registered yet.")
			return nil
		}
		fmt.Printf("  %-12s %-30s %-9s %-8s %s\n", "SUPPLIER", "NAME", "VEHICLES", "TRIPS", "LAST PROCESSED")
		for _, s := range list {
			fmt.Printf("  %-12s %-30s %-9d %-8d %s\n",
				s.ID, s.Name, s.Stats.Vehicles, s.Stats.TripsAudited, s.LastProcessed.Format(time.RFC3339))
		}
		return nil
	},
}

// ============================================================================
// tripledger config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialize configuration",
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, config.FileName)
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s (defaults apply)\n", configPath)
				fmt.Println("Run 'tripledger config init' to write one.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write default config.yaml and factors.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
		}

		configPath := filepath.Join(configDir, config.FileName)
		factorsPath := filepath.Join(configDir, config.FactorsFileName)
		for _, p := range []string{configPath, factorsPath} {
			if _, err := os.Stat(p); err == nil && !configInitForce {
				return fmt.Errorf("%s already exists (use --force to overwrite)", p)
			}
		}

		if err := config.WriteDefault(configPath); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("[tripledger] Wrote %s\n", configPath)
		if err := emissions.WriteDefaultFactors(factorsPath); err != nil {
			return fmt.Errorf("failed to write factors: %w", err)
		}
		fmt.Printf("[tripledger] Wrote %s\n", factorsPath)
		fmt.Printf("[tripledger] Place telemetry at %s, then run 'tripledger serve'\n",
			filepath.Join(configDir, "telemetry.json"))
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite existing files")
}
