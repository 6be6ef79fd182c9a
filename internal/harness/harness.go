// Package harness is the corruption harness: it overwrites live field
// values to simulate unauthorized modification, and restores them from the
// record's cold-storage snapshot. It never touches a baseline and never
// writes to the tamper ledger.
package harness

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/greenroute/tripledger/internal/record"
)

// Store is the record storage the harness mutates.
type Store interface {
	Resolve(ctx context.Context, id string) (*record.AuditRecord, error)
	Get(ctx context.Context, auditID string) (*record.AuditRecord, error)
	UpdateLive(ctx context.Context, rec *record.AuditRecord) error
	Snapshot(ctx context.Context, auditID string) (*record.Snapshot, error)
}

// Locker serializes operations on one audit_id.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Result describes what an Inject or Restore did.
type Result struct {
	AuditID string         `json:"audit_id"`
	TripID  string         `json:"trip_id"`
	Fields  []record.Field `json:"fields"`
}

// Harness mutates live values of stored records.
type Harness struct {
	store Store
	locks Locker
	log   *slog.Logger
}

// New returns a Harness over store, serialized by locks.
func New(store Store, locks Locker, logger *slog.Logger) *Harness {
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{store: store, locks: locks, log: logger}
}

// Inject overwrites the live value of f on the record named by id (trip_id
// or audit_id). The value's kind must match the field.
func (h *Harness) Inject(ctx context.Context, id string, f record.Field, v record.Value) (Result, error) {
	if !f.Valid() {
		return Result{}, fmt.Errorf("%w: unknown field", record.ErrInvalidArgument)
	}
	if v.Kind() != f.Kind() {
		return Result{}, fmt.Errorf("%w: %s expects a %s value, got %s",
			record.ErrInvalidArgument, f, f.Kind(), v.Kind())
	}

	rec, unlock, err := h.load(ctx, id)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	if err := record.Set(rec, f, v); err != nil {
		return Result{}, err
	}
	if err := h.store.UpdateLive(ctx, rec); err != nil {
		return Result{}, fmt.Errorf("injecting %s into %s: %w", f, rec.AuditID, err)
	}

	h.log.Info("live value overwritten", "audit_id", rec.AuditID, "trip_id", rec.TripID, "field", f.String())
	return Result{AuditID: rec.AuditID, TripID: rec.TripID, Fields: []record.Field{f}}, nil
}

// Restore resets every live value of the record named by id to its
// snapshot. Restoring a record that already matches its snapshot is a
// no-op and returns no fields.
func (h *Harness) Restore(ctx context.Context, id string) (Result, error) {
	rec, unlock, err := h.load(ctx, id)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	res := Result{AuditID: rec.AuditID, TripID: rec.TripID}
	snap, err := h.store.Snapshot(ctx, rec.AuditID)
	if err != nil {
		return res, err
	}
	if err := snap.Matches(rec.Baseline); err != nil {
		return res, fmt.Errorf("restoring %s: %w", rec.AuditID, err)
	}

	changed, err := snap.Apply(rec)
	if err != nil {
		return res, fmt.Errorf("restoring %s: %w", rec.AuditID, err)
	}
	if len(changed) == 0 {
		return res, nil
	}
	if err := h.store.UpdateLive(ctx, rec); err != nil {
		return res, fmt.Errorf("restoring %s: %w", rec.AuditID, err)
	}

	res.Fields = changed
	h.log.Info("live values restored from snapshot", "audit_id", rec.AuditID, "fields", len(changed))
	return res, nil
}

// load resolves id, takes the record's lock and re-reads the record under
// it. The caller must call unlock.
func (h *Harness) load(ctx context.Context, id string) (*record.AuditRecord, func(), error) {
	ref, err := h.store.Resolve(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := h.locks.Lock(ctx, ref.AuditID)
	if err != nil {
		return nil, nil, fmt.Errorf("locking %s: %w", ref.AuditID, err)
	}
	rec, err := h.store.Get(ctx, ref.AuditID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return rec, unlock, nil
}
