// Package config handles loading, validating, and writing the tripledger
// configuration from <config-dir>/config.yaml.
//
// The config defines:
//   - Server bind address, request timeout and concurrency cap
//   - Record storage driver and DSN
//   - Ledger, telemetry source, factor table and snapshot key locations
//   - Confidence scoring parameters
//   - The optional re-verification sweep
//   - Whether the corruption endpoints and the live feed are served
//
// Empty paths default to files inside the config directory; relative paths
// are resolved against it.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// Config is the top-level tripledger configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Source     SourceConfig     `yaml:"source"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Factors    FactorsConfig    `yaml:"factors"`
	Snapshots  SnapshotsConfig  `yaml:"snapshots"`
	Sweep      SweepConfig      `yaml:"sweep"`
	Simulation SimulationConfig `yaml:"simulation"`
	LiveFeed   LiveFeedConfig   `yaml:"live_feed"`

	// Dir is the config directory the file was loaded from.
	Dir string `yaml:"-"`
}

// ServerConfig defines where the HTTP surface listens.
// Default: 127.0.0.1:8001.
type ServerConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	RequestTimeoutMs int      `yaml:"request_timeout_ms"`
	MaxInFlight      int      `yaml:"max_in_flight"`
	CORSOrigins      []string `yaml:"cors_origins"`
}

// StorageConfig selects the record store.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

type LedgerConfig struct {
	Dir string `yaml:"dir"`
}

type SourceConfig struct {
	Path string `yaml:"path"`
}

// ScoringConfig parameterizes the confidence scorer.
type ScoringConfig struct {
	GapThresholdSeconds float64 `yaml:"gap_threshold_seconds"`
	TargetSamplesPerKm  float64 `yaml:"target_samples_per_km"`
}

type FactorsConfig struct {
	Path string `yaml:"path"`
}

// SnapshotsConfig controls how cold-storage snapshots are kept at rest.
type SnapshotsConfig struct {
	Encrypt bool   `yaml:"encrypt"`
	KeyFile string `yaml:"key_file"`
}

// SweepConfig controls the periodic re-verification sweep.
type SweepConfig struct {
	Enabled         bool     `yaml:"enabled"`
	IntervalSeconds int      `yaml:"interval_seconds"`
	Suppliers       []string `yaml:"suppliers"`
	Vehicles        []string `yaml:"vehicles"`
}

// SimulationConfig gates the corruption endpoints.
type SimulationConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LiveFeedConfig gates the /ws/integrity-events websocket.
type LiveFeedConfig struct {
	Enabled bool `yaml:"enabled"`
}

// File names inside the config directory.
const (
	FileName          = "config.yaml"
	FactorsFileName   = "factors.yaml"
	SuppliersFileName = "suppliers.yaml"
	PIDFileName       = "tripledger.pid"
)

// Load reads and parses config.yaml from path. A missing file yields
// defaults. Paths are resolved against the file's directory.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()
	cfg.Dir = filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.resolvePaths()
	return cfg, nil
}

// WriteDefault writes a default config.yaml with a comment header.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(applyDefaults())
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# tripledger configuration
#
# server:       bind address, per-request timeout and concurrency cap
# storage:      driver is sqlite or postgres; dsn defaults to records.db here
# ledger:       tamper ledger directory, default ./ledger
# source:       telemetry document, default ./telemetry.json
# scoring:      confidence scorer gap threshold and target sampling density
# factors:      emission factor table, default ./factors.yaml (built-in DEFRA 2024.1 if absent)
# snapshots:    encrypt cold-storage snapshots with an age key, default ./snapshot.key
# sweep:        periodic re-verification of records matching the supplier/vehicle globs
# simulation:   serve /simulation/tamper-data and /simulation/reset-data
# live_feed:    serve /ws/integrity-events
#
# Empty paths use the defaults above; relative paths are resolved against this directory.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             8001,
			RequestTimeoutMs: 5000,
			MaxInFlight:      64,
			CORSOrigins:      []string{"http://localhost:3000"},
		},
		Storage: StorageConfig{Driver: "sqlite"},
		Scoring: ScoringConfig{
			GapThresholdSeconds: 120,
			TargetSamplesPerKm:  0.1,
		},
		Snapshots: SnapshotsConfig{Encrypt: true},
		Sweep: SweepConfig{
			IntervalSeconds: 300,
			Suppliers:       []string{"*"},
			Vehicles:        []string{"*"},
		},
		Simulation: SimulationConfig{Enabled: true},
		LiveFeed:   LiveFeedConfig{Enabled: true},
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeoutMs <= 0 {
		return fmt.Errorf("server.request_timeout_ms must be positive")
	}
	if cfg.Server.MaxInFlight <= 0 {
		return fmt.Errorf("server.max_in_flight must be positive")
	}

	switch cfg.Storage.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("storage.driver %q must be sqlite or postgres", cfg.Storage.Driver)
	}

	if cfg.Scoring.GapThresholdSeconds <= 0 {
		return fmt.Errorf("scoring.gap_threshold_seconds must be positive")
	}
	if cfg.Scoring.TargetSamplesPerKm <= 0 {
		return fmt.Errorf("scoring.target_samples_per_km must be positive")
	}

	if cfg.Sweep.Enabled && cfg.Sweep.IntervalSeconds <= 0 {
		return fmt.Errorf("sweep.interval_seconds must be positive")
	}
	for _, p := range append(append([]string{}, cfg.Sweep.Suppliers...), cfg.Sweep.Vehicles...) {
		if _, err := glob.Compile(p); err != nil {
			return fmt.Errorf("sweep pattern %q: %w", p, err)
		}
	}
	return nil
}

func (c *Config) resolvePaths() {
	def := func(p *string, name string) {
		switch {
		case *p == "":
			*p = filepath.Join(c.Dir, name)
		case !filepath.IsAbs(*p):
			*p = filepath.Join(c.Dir, *p)
		}
	}
	if c.Storage.Driver == "sqlite" {
		def(&c.Storage.DSN, "records.db")
	}
	def(&c.Ledger.Dir, "ledger")
	def(&c.Source.Path, "telemetry.json")
	def(&c.Factors.Path, FactorsFileName)
	def(&c.Snapshots.KeyFile, "snapshot.key")
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SuppliersPath is the supplier registry file.
func (c *Config) SuppliersPath() string { return filepath.Join(c.Dir, SuppliersFileName) }

// PIDPath is the server's PID file.
func (c *Config) PIDPath() string { return filepath.Join(c.Dir, PIDFileName) }
