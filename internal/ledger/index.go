package ledger

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/glebarez/go-sqlite"

	"github.com/greenroute/tripledger/internal/record"
)

// sqliteIndex is a queryable projection of the JSONL files. The files are
// the source of truth; the index can be rebuilt from them at any time.
type sqliteIndex struct {
	db *sql.DB
}

const eventColumns = "seq, detected_at, audit_id, trip_id, field, stored_hash, recalculated_hash, severity, message, source, prev_hash, hash"

func openIndex(path string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}

	// The UNIQUE constraint mirrors the in-memory dedup set, so a reindex
	// after a crash can never introduce a duplicate.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq               INTEGER PRIMARY KEY,
			detected_at       TEXT NOT NULL,
			audit_id          TEXT NOT NULL,
			trip_id           TEXT NOT NULL DEFAULT '',
			field             TEXT NOT NULL,
			stored_hash       TEXT NOT NULL,
			recalculated_hash TEXT NOT NULL,
			severity          TEXT NOT NULL,
			message           TEXT NOT NULL DEFAULT '',
			source            TEXT NOT NULL DEFAULT '',
			prev_hash         TEXT NOT NULL,
			hash              TEXT NOT NULL,
			UNIQUE (audit_id, field, stored_hash, recalculated_hash)
		);
		CREATE INDEX IF NOT EXISTS idx_audit_id ON events(audit_id);
		CREATE INDEX IF NOT EXISTS idx_trip_id ON events(trip_id);
		CREATE INDEX IF NOT EXISTS idx_severity ON events(severity);
		CREATE INDEX IF NOT EXISTS idx_detected_at ON events(detected_at);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

// insert projects e into the index. Failures are logged; the JSONL line is
// already durable and the next startup reindexes it.
func (idx *sqliteIndex) insert(e *Event) {
	_, err := idx.db.Exec(
		`INSERT OR IGNORE INTO events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.DetectedAt, e.AuditID, e.TripID, e.Field, e.StoredHash,
		e.RecalculatedHash, string(e.Severity), e.Message, e.Source, e.PrevHash, e.Hash,
	)
	if err != nil {
		slog.Error("sqlite index insert failed", "seq", e.Seq, "error", err)
	}
}

// query returns matching events in ascending seq order. Limit keeps the
// most recent N.
func (idx *sqliteIndex) query(params QueryParams) ([]Event, error) {
	query := "SELECT " + eventColumns + " FROM events WHERE 1=1"
	var args []any

	if params.AuditID != "" {
		query += " AND audit_id = ?"
		args = append(args, params.AuditID)
	}
	if params.TripID != "" {
		query += " AND trip_id = ?"
		args = append(args, params.TripID)
	}
	if params.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(params.Severity))
	}
	if params.Since != "" {
		query += " AND detected_at >= ?"
		args = append(args, params.Since)
	}
	if params.AfterSeq > 0 {
		query += " AND seq > ?"
		args = append(args, params.AfterSeq)
	}

	query += " ORDER BY seq ASC"

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite index: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var severity string
		err := rows.Scan(
			&e.Seq, &e.DetectedAt, &e.AuditID, &e.TripID, &e.Field,
			&e.StoredHash, &e.RecalculatedHash, &severity, &e.Message,
			&e.Source, &e.PrevHash, &e.Hash,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning sqlite row: %w", err)
		}
		e.Severity = record.Severity(severity)
		events = append(events, e)
	}
	return events, rows.Err()
}

// lastSeq returns the highest indexed sequence number, or 0.
func (idx *sqliteIndex) lastSeq() uint64 {
	var seq sql.NullInt64
	err := idx.db.QueryRow("SELECT MAX(seq) FROM events").Scan(&seq)
	if err != nil || !seq.Valid {
		return 0
	}
	return uint64(seq.Int64)
}

func (idx *sqliteIndex) count() (int, error) {
	var n int
	if err := idx.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}
