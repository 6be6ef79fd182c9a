// Package store persists audit records and their cold-storage snapshots
// through GORM, on SQLite by default or PostgreSQL.
//
// Each trip has at most one current record. Creating a record for a trip
// that already has one supersedes the old record in the same transaction;
// superseded records stay readable by audit_id.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/greenroute/tripledger/internal/record"
)

// RecordRow is the GORM model for an audit record. The record itself is
// kept as one JSON document; the columns beside it exist for lookups.
type RecordRow struct {
	AuditID            string     `gorm:"primaryKey;column:audit_id;type:varchar(64)"`
	TripID             string     `gorm:"column:trip_id;index:idx_record_trip_current,priority:1;not null"`
	SupplierID         string     `gorm:"column:supplier_id;index:idx_record_supplier"`
	Current            bool       `gorm:"column:current;index:idx_record_trip_current,priority:2;not null"`
	Version            int64      `gorm:"column:version;not null;default:1"`
	Unverifiable       bool       `gorm:"column:unverifiable;not null;default:false"`
	UnverifiableReason string     `gorm:"column:unverifiable_reason"`
	Document           string     `gorm:"column:document;type:text;not null"`
	CreatedAt          time.Time  `gorm:"column:created_at;not null"`
	SupersededAt       *time.Time `gorm:"column:superseded_at"`
}

func (RecordRow) TableName() string { return "audit_records" }

// SnapshotRow is the GORM model for a sealed snapshot. Digest covers the
// plaintext so a damaged payload is detected on open.
type SnapshotRow struct {
	AuditID   string    `gorm:"primaryKey;column:audit_id;type:varchar(64)"`
	Sealed    bool      `gorm:"column:sealed;not null"`
	Payload   string    `gorm:"column:payload;type:text;not null"`
	Digest    string    `gorm:"column:digest;not null"`
	TakenAt   time.Time `gorm:"column:taken_at;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (SnapshotRow) TableName() string { return "snapshots" }

// Ref identifies a current record without loading its document.
type Ref struct {
	TripID       string `json:"trip_id"`
	AuditID      string `json:"audit_id"`
	SupplierID   string `json:"supplier_id"`
	Unverifiable bool   `json:"unverifiable,omitempty"`
}

// Store provides database operations for records and snapshots.
type Store struct {
	db     *gorm.DB
	sealer Sealer
}

// Open connects to driver ("sqlite" or "postgres") at dsn and migrates the
// schema.
func Open(driver, dsn string, sealer Sealer) (*Store, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case "sqlite", "":
		db, err = gorm.Open(sqlite.Open(withPragmas(dsn)), cfg)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store %s: %w", dsn, err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		// One writer; every transaction must use its own tx handle.
		sqlDB.SetMaxOpenConns(1)
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown storage driver %q (use sqlite or postgres)", driver)
	}
	return New(db, sealer)
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// New wraps an open database and migrates the schema.
func New(db *gorm.DB, sealer Sealer) (*Store, error) {
	if sealer == nil {
		sealer = PlainSealer{}
	}
	if err := db.AutoMigrate(&RecordRow{}, &SnapshotRow{}); err != nil {
		return nil, fmt.Errorf("migrating store schema: %w", err)
	}
	return &Store{db: db, sealer: sealer}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create stores rec and its snapshot as the trip's current record,
// superseding any previous one, and returns the superseded audit_id.
func (s *Store) Create(ctx context.Context, rec *record.AuditRecord, snap *record.Snapshot) (string, error) {
	if snap == nil || snap.AuditID() != rec.AuditID {
		return "", fmt.Errorf("%w: record %s needs its own snapshot", record.ErrInvalidArgument, rec.AuditID)
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshaling record %s: %w", rec.AuditID, err)
	}
	plain, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshaling snapshot %s: %w", rec.AuditID, err)
	}
	payload, err := s.sealer.Seal(plain)
	if err != nil {
		return "", fmt.Errorf("sealing snapshot %s: %w", rec.AuditID, err)
	}

	var superseded string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev RecordRow
		err := tx.Where("trip_id = ? AND current = ?", rec.TripID, true).First(&prev).Error
		switch {
		case err == nil:
			superseded = prev.AuditID
			now := time.Now().UTC()
			if err := tx.Model(&RecordRow{}).Where("audit_id = ?", prev.AuditID).
				Updates(map[string]any{"current": false, "superseded_at": now}).Error; err != nil {
				return fmt.Errorf("superseding %s: %w", prev.AuditID, err)
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("looking up trip %s: %w", rec.TripID, err)
		}

		row := RecordRow{
			AuditID:    rec.AuditID,
			TripID:     rec.TripID,
			SupplierID: rec.SupplierID,
			Current:    true,
			Version:    1,
			Document:   string(doc),
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("inserting record %s: %w", rec.AuditID, err)
		}
		snapRow := SnapshotRow{
			AuditID: rec.AuditID,
			Sealed:  s.sealer.Sealed(),
			Payload: payload,
			Digest:  Digest(plain),
			TakenAt: snap.TakenAt(),
		}
		if err := tx.Create(&snapRow).Error; err != nil {
			return fmt.Errorf("inserting snapshot %s: %w", rec.AuditID, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	rec.Version = 1
	return superseded, nil
}

// Get loads a record by audit_id, current or superseded.
func (s *Store) Get(ctx context.Context, auditID string) (*record.AuditRecord, error) {
	var row RecordRow
	err := s.db.WithContext(ctx).Where("audit_id = ?", auditID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: audit record %s", record.ErrNotFound, auditID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading record %s: %w", auditID, err)
	}
	return decode(&row)
}

// Resolve loads the record named by id, which may be an audit_id or a
// trip_id. A trip_id resolves to the trip's current record.
func (s *Store) Resolve(ctx context.Context, id string) (*record.AuditRecord, error) {
	var row RecordRow
	err := s.db.WithContext(ctx).
		Where("audit_id = ? OR (trip_id = ? AND current = ?)", id, id, true).
		Order("current DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no trip or audit record %q", record.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", id, err)
	}
	return decode(&row)
}

// Current returns every current record ordered by trip_id.
func (s *Store) Current(ctx context.Context) ([]*record.AuditRecord, error) {
	var rows []RecordRow
	if err := s.db.WithContext(ctx).Where("current = ?", true).Order("trip_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	out := make([]*record.AuditRecord, 0, len(rows))
	for i := range rows {
		rec, err := decode(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Refs lists the current records without decoding them.
func (s *Store) Refs(ctx context.Context) ([]Ref, error) {
	var rows []RecordRow
	err := s.db.WithContext(ctx).
		Select("audit_id", "trip_id", "supplier_id", "unverifiable").
		Where("current = ?", true).Order("trip_id ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	refs := make([]Ref, len(rows))
	for i, r := range rows {
		refs[i] = Ref{TripID: r.TripID, AuditID: r.AuditID, SupplierID: r.SupplierID, Unverifiable: r.Unverifiable}
	}
	return refs, nil
}

// UpdateLive writes rec's live values if nobody else has written since rec
// was loaded; otherwise it returns ErrConflict. The baseline is carried
// through unchanged and rec.Version is advanced on success.
func (s *Store) UpdateLive(ctx context.Context, rec *record.AuditRecord) error {
	var stored RecordRow
	db := s.db.WithContext(ctx)
	if err := db.Select("document").Where("audit_id = ?", rec.AuditID).First(&stored).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: audit record %s", record.ErrNotFound, rec.AuditID)
		}
		return fmt.Errorf("loading record %s: %w", rec.AuditID, err)
	}
	var prev record.AuditRecord
	if err := json.Unmarshal([]byte(stored.Document), &prev); err != nil {
		return fmt.Errorf("%w: decoding record %s: %v", record.ErrInvariantViolation, rec.AuditID, err)
	}

	// Only live values may change here.
	out := rec.Clone()
	out.Baseline = prev.Baseline
	doc, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshaling record %s: %w", rec.AuditID, err)
	}

	res := db.Model(&RecordRow{}).
		Where("audit_id = ? AND version = ?", rec.AuditID, rec.Version).
		Updates(map[string]any{"document": string(doc), "version": rec.Version + 1})
	if res.Error != nil {
		return fmt.Errorf("updating record %s: %w", rec.AuditID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: record %s changed since version %d", record.ErrConflict, rec.AuditID, rec.Version)
	}
	rec.Version++
	return nil
}

// Snapshot opens the cold-storage snapshot of auditID.
func (s *Store) Snapshot(ctx context.Context, auditID string) (*record.Snapshot, error) {
	var row SnapshotRow
	err := s.db.WithContext(ctx).Where("audit_id = ?", auditID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no snapshot for %s", record.ErrInvariantViolation, auditID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", auditID, err)
	}
	if row.Sealed != s.sealer.Sealed() {
		return nil, fmt.Errorf("%w: snapshot %s sealed=%v but store sealer sealed=%v",
			record.ErrInvariantViolation, auditID, row.Sealed, s.sealer.Sealed())
	}

	plain, err := s.sealer.Open(row.Payload)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot %s: %w", auditID, err)
	}
	if Digest(plain) != row.Digest {
		return nil, fmt.Errorf("%w: snapshot %s digest mismatch", record.ErrInvariantViolation, auditID)
	}
	var snap record.Snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", auditID, err)
	}
	return &snap, nil
}

// MarkUnverifiable flags a record whose baseline cannot be trusted.
func (s *Store) MarkUnverifiable(ctx context.Context, auditID, reason string) error {
	res := s.db.WithContext(ctx).Model(&RecordRow{}).Where("audit_id = ?", auditID).
		Updates(map[string]any{"unverifiable": true, "unverifiable_reason": reason})
	if res.Error != nil {
		return fmt.Errorf("marking %s unverifiable: %w", auditID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: audit record %s", record.ErrNotFound, auditID)
	}
	return nil
}

// Unverifiable reports whether auditID was marked unverifiable, and why.
func (s *Store) Unverifiable(ctx context.Context, auditID string) (bool, string, error) {
	var row RecordRow
	err := s.db.WithContext(ctx).Select("unverifiable", "unverifiable_reason").
		Where("audit_id = ?", auditID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, "", fmt.Errorf("%w: audit record %s", record.ErrNotFound, auditID)
	}
	if err != nil {
		return false, "", fmt.Errorf("loading record %s: %w", auditID, err)
	}
	return row.Unverifiable, row.UnverifiableReason, nil
}

func decode(row *RecordRow) (*record.AuditRecord, error) {
	var rec record.AuditRecord
	if err := json.Unmarshal([]byte(row.Document), &rec); err != nil {
		return nil, fmt.Errorf("%w: decoding record %s: %v", record.ErrInvariantViolation, row.AuditID, err)
	}
	rec.Version = row.Version
	return &rec, nil
}
