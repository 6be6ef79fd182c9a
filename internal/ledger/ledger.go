package ledger

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/greenroute/tripledger/internal/record"
)

// TimeFormat is the fixed-width UTC layout of DetectedAt. Fixed width keeps
// lexical and chronological order identical for the index's range queries.
const TimeFormat = "2006-01-02T15:04:05.000000000Z"

// Event is one detected mismatch between a baseline field hash and the hash
// of the field's live value.
type Event struct {
	Seq              uint64          `json:"seq"`
	DetectedAt       string          `json:"detected_at"`
	AuditID          string          `json:"audit_id"`
	TripID           string          `json:"trip_id,omitempty"`
	Field            string          `json:"field"`
	StoredHash       string          `json:"stored_hash"`
	RecalculatedHash string          `json:"recalculated_hash"`
	Severity         record.Severity `json:"severity"`
	Message          string          `json:"message,omitempty"`
	Source           string          `json:"source,omitempty"` // "request", "sweep", "cli", "reprocess"
	PrevHash         string          `json:"prev_hash"`
	Hash             string          `json:"hash"`
}

// key is the dedup key.
func (e *Event) key() string {
	return e.AuditID + "\x00" + e.Field + "\x00" + e.StoredHash + "\x00" + e.RecalculatedHash
}

// QueryParams filters a query. Zero values mean no filter.
type QueryParams struct {
	AuditID  string
	TripID   string
	Severity record.Severity
	Field    string // glob, e.g. "total_*"
	Since    string // RFC 3339 timestamp or a duration such as "24h"
	AfterSeq uint64
	Limit    int // keep only the most recent N
}

// VerifyResult is the outcome of re-walking the hash chain.
type VerifyResult struct {
	Valid          bool   `json:"valid"`
	EntriesChecked int    `json:"entries_checked"`
	BrokenAt       int    `json:"broken_at,omitempty"`
	ExpectedHash   string `json:"expected_hash,omitempty"`
	ActualHash     string `json:"actual_hash,omitempty"`
}

// Ledger is the hash-chained tamper-event log.
//
// Storage layout:
//
//	<dir>/
//	├── genesis.json        # seq 0, anchors the chain
//	├── 2024-06-01.jsonl    # one event per line, append-only
//	└── index.db            # sqlite projection for queries
//
// Record is safe for concurrent use; the dedup check and the append form a
// single critical section.
type Ledger struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	seq         uint64
	lastHash    string
	genesisHash string
	seen        map[string]struct{}
	index       *sqliteIndex
	file        *os.File
	fileDate    string
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock overrides the detection clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Open opens or creates the ledger in dir, recovering the chain head and
// the dedup set from the JSONL files.
func Open(dir string, opts ...Option) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory %s: %w", dir, err)
	}

	l := &Ledger{
		dir:      dir,
		now:      time.Now,
		lastHash: genesisPrevHash,
		seen:     make(map[string]struct{}),
	}
	for _, o := range opts {
		o(l)
	}

	idx, err := openIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("opening ledger index: %w", err)
	}
	l.index = idx

	if err := l.loadGenesis(); err != nil {
		idx.close()
		return nil, err
	}
	if err := l.recoverState(); err != nil {
		idx.close()
		return nil, err
	}

	slog.Info("tamper ledger initialized", "dir", dir, "seq", l.seq)
	return l, nil
}

// Close closes the open JSONL file and the index.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.file != nil {
		errs = append(errs, l.file.Close())
		l.file = nil
	}
	if l.index != nil {
		errs = append(errs, l.index.close())
		l.index = nil
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("closing ledger: %w", err)
	}
	return nil
}

// Record appends e unless an event with the same dedup key already exists,
// and reports whether it appended. Seq, DetectedAt, PrevHash and Hash are
// assigned here; caller-provided values are ignored.
//
// A cancelled context before the append leaves the ledger untouched. Once
// the line is written the append completes regardless of ctx.
func (l *Ledger) Record(ctx context.Context, e Event) (bool, error) {
	if err := validate(&e); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.index == nil {
		return false, fmt.Errorf("ledger is closed")
	}
	k := e.key()
	if _, dup := l.seen[k]; dup {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	e.Seq = l.seq + 1
	e.DetectedAt = l.now().UTC().Format(TimeFormat)
	e.PrevHash = l.lastHash
	e.Hash = computeHash(&e)

	if err := l.writeToFile(&e); err != nil {
		return false, fmt.Errorf("appending tamper event for %s/%s: %w", e.AuditID, e.Field, err)
	}
	l.index.insert(&e)

	l.seq = e.Seq
	l.lastHash = e.Hash
	l.seen[k] = struct{}{}
	return true, nil
}

func validate(e *Event) error {
	switch {
	case e.AuditID == "":
		return fmt.Errorf("%w: tamper event without audit_id", record.ErrInvalidArgument)
	case e.Field == "":
		return fmt.Errorf("%w: tamper event without field", record.ErrInvalidArgument)
	case e.StoredHash == "" || e.RecalculatedHash == "":
		return fmt.Errorf("%w: tamper event without hashes", record.ErrInvalidArgument)
	case e.StoredHash == e.RecalculatedHash:
		return fmt.Errorf("%w: stored and recalculated hashes are equal", record.ErrInvalidArgument)
	}
	if e.Severity == "" {
		e.Severity = record.SeverityLow
	}
	return nil
}

// List returns every event for auditID (all events if empty) by detection
// order.
func (l *Ledger) List(auditID string) ([]Event, error) {
	return l.Query(QueryParams{AuditID: auditID})
}

// Query returns events matching params in ascending detection order.
func (l *Ledger) Query(params QueryParams) ([]Event, error) {
	if params.Since != "" && !strings.Contains(params.Since, "T") {
		d, err := time.ParseDuration(params.Since)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid since duration %q", record.ErrInvalidArgument, params.Since)
		}
		params.Since = l.now().UTC().Add(-d).Format(TimeFormat)
	} else if params.Since != "" {
		t, err := time.Parse(time.RFC3339Nano, params.Since)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid since timestamp %q", record.ErrInvalidArgument, params.Since)
		}
		params.Since = t.UTC().Format(TimeFormat)
	}
	params.Severity = record.Severity(strings.ToUpper(string(params.Severity)))

	var fieldGlob glob.Glob
	if params.Field != "" {
		g, err := glob.Compile(params.Field)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid field pattern %q", record.ErrInvalidArgument, params.Field)
		}
		fieldGlob = g
	}

	idx, err := l.idx()
	if err != nil {
		return nil, err
	}
	events, err := idx.query(params)
	if err != nil {
		return nil, err
	}

	if fieldGlob != nil {
		kept := events[:0]
		for _, e := range events {
			if fieldGlob.Match(e.Field) {
				kept = append(kept, e)
			}
		}
		events = kept
	}
	if params.Limit > 0 && len(events) > params.Limit {
		events = events[len(events)-params.Limit:]
	}
	return events, nil
}

// Count returns the number of recorded events.
func (l *Ledger) Count() (int, error) {
	idx, err := l.idx()
	if err != nil {
		return 0, err
	}
	return idx.count()
}

func (l *Ledger) idx() (*sqliteIndex, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.index == nil {
		return nil, fmt.Errorf("ledger is closed")
	}
	return l.index, nil
}

// Follow calls fn for every event appended after the call, by this process
// or another one sharing the directory. Blocks until ctx is done.
func (l *Ledger) Follow(ctx context.Context, fn func(Event)) error {
	idx, err := l.idx()
	if err != nil {
		return err
	}
	last := idx.lastSeq()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			events, err := l.Query(QueryParams{AfterSeq: last})
			if err != nil {
				slog.Error("follow: reading events", "error", err)
				continue
			}
			for _, e := range events {
				fn(e)
				last = e.Seq
			}
		}
	}
}

// VerifyChain re-reads every JSONL file and checks each event's hash and
// its link to the predecessor, starting at the genesis block.
func (l *Ledger) VerifyChain() (VerifyResult, error) {
	events, err := l.readAllEvents()
	if err != nil {
		return VerifyResult{}, fmt.Errorf("reading events for verification: %w", err)
	}

	prev := l.genesisHash
	for i := range events {
		e := &events[i]
		if !verifyEvent(e) {
			return VerifyResult{
				EntriesChecked: i + 1,
				BrokenAt:       i,
				ExpectedHash:   computeHash(e),
				ActualHash:     e.Hash,
			}, nil
		}
		if e.PrevHash != prev {
			return VerifyResult{
				EntriesChecked: i + 1,
				BrokenAt:       i,
				ExpectedHash:   prev,
				ActualHash:     e.PrevHash,
			}, nil
		}
		prev = e.Hash
	}
	return VerifyResult{Valid: true, EntriesChecked: len(events)}, nil
}

// Export writes every event to w as "jsonl" (default), "json" or "csv".
func (l *Ledger) Export(w io.Writer, format string) error {
	events, err := l.readAllEvents()
	if err != nil {
		return fmt.Errorf("reading events for export: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if events == nil {
			events = []Event{}
		}
		return enc.Encode(events)

	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"seq", "detected_at", "audit_id", "trip_id", "field", "stored_hash", "recalculated_hash", "severity", "source", "hash"}); err != nil {
			return err
		}
		for _, e := range events {
			if err := cw.Write([]string{
				strconv.FormatUint(e.Seq, 10),
				e.DetectedAt,
				e.AuditID,
				e.TripID,
				e.Field,
				e.StoredHash,
				e.RecalculatedHash,
				string(e.Severity),
				e.Source,
				e.Hash,
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("%w: unsupported export format %q (use json, jsonl, or csv)", record.ErrInvalidArgument, format)
	}
}

// writeToFile appends e as one JSON line to the file for its detection date
// and syncs it.
func (l *Ledger) writeToFile(e *Event) error {
	day := e.DetectedAt[:len("2006-01-02")]

	if l.file == nil || l.fileDate != day {
		if l.file != nil {
			l.file.Close()
		}
		path := filepath.Join(l.dir, day+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening ledger file %s: %w", path, err)
		}
		l.file = f
		l.fileDate = day
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling tamper event: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing tamper event: %w", err)
	}
	return l.file.Sync()
}

func (l *Ledger) loadGenesis() error {
	path := filepath.Join(l.dir, "genesis.json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l.createGenesis(path)
		}
		return fmt.Errorf("reading genesis: %w", err)
	}

	var genesis Event
	if err := json.Unmarshal(data, &genesis); err != nil {
		return fmt.Errorf("parsing genesis: %w", err)
	}
	if !verifyEvent(&genesis) {
		return fmt.Errorf("%w: genesis block hash does not match its contents", record.ErrInvariantViolation)
	}
	l.genesisHash = genesis.Hash
	l.lastHash = genesis.Hash
	l.seq = genesis.Seq
	return nil
}

func (l *Ledger) createGenesis(path string) error {
	genesis := Event{
		DetectedAt: l.now().UTC().Format(TimeFormat),
		Field:      "genesis",
		Message:    "tamper ledger created",
		PrevHash:   genesisPrevHash,
	}
	genesis.Hash = computeHash(&genesis)

	data, err := json.MarshalIndent(genesis, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling genesis: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing genesis: %w", err)
	}

	l.genesisHash = genesis.Hash
	l.lastHash = genesis.Hash
	l.seq = 0
	slog.Info("tamper ledger genesis created", "hash", genesis.Hash)
	return nil
}

// recoverState replays every JSONL file to rebuild the dedup set and the
// chain head, and indexes anything the index missed.
func (l *Ledger) recoverState() error {
	files, err := l.files()
	if err != nil {
		return err
	}
	indexed := l.index.lastSeq()

	for _, file := range files {
		events, err := readEventsFromFile(file)
		if err != nil {
			return fmt.Errorf("recovering ledger state from %s: %w", file, err)
		}
		for i := range events {
			e := &events[i]
			l.seen[e.key()] = struct{}{}
			if e.Seq > l.seq {
				l.seq = e.Seq
				l.lastHash = e.Hash
			}
			if e.Seq > indexed {
				l.index.insert(e)
			}
		}
	}
	return nil
}

func (l *Ledger) files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("listing ledger files: %w", err)
	}
	return files, nil
}

func (l *Ledger) readAllEvents() ([]Event, error) {
	files, err := l.files()
	if err != nil {
		return nil, err
	}
	var all []Event
	for _, file := range files {
		events, err := readEventsFromFile(file)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
	}
	return all, nil
}

func readEventsFromFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			slog.Warn("skipping malformed ledger line", "file", path, "error", err)
			continue
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}
