package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is the cold-storage copy of a record's tamper-sensitive values,
// captured once at construction. It is the only source the Corruption
// Harness restores from.
type Snapshot struct {
	auditID string
	takenAt time.Time
	frozen  *AuditRecord
}

func newSnapshot(r *AuditRecord, at time.Time) *Snapshot {
	frozen := &AuditRecord{AuditID: r.AuditID}
	for _, f := range Fields() {
		// Values come from Get on a freshly built record, so kinds always match.
		_ = Set(frozen, f, Get(r, f))
	}
	return &Snapshot{auditID: r.AuditID, takenAt: at, frozen: frozen.Clone()}
}

func (s *Snapshot) AuditID() string    { return s.auditID }
func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

// Value returns the snapshotted value of f.
func (s *Snapshot) Value(f Field) Value {
	return Get(s.frozen.Clone(), f)
}

// Matches checks that the snapshot still reproduces baseline b. A snapshot
// that cannot reproduce its own baseline cannot restore the record.
func (s *Snapshot) Matches(b *Baseline) error {
	if err := CheckBaseline(b); err != nil {
		return err
	}
	hashes, err := LiveHashes(s.frozen)
	if err != nil {
		return fmt.Errorf("hashing snapshot %s: %w", s.auditID, err)
	}
	for _, f := range Fields() {
		if hashes[f] != b.FieldHashes[f] {
			return fmt.Errorf("%w: snapshot of %s does not reproduce the baseline for %s",
				ErrInvariantViolation, s.auditID, f)
		}
	}
	return nil
}

// Apply resets every tamper-sensitive live value on r to the snapshot and
// returns the fields whose value actually changed.
func (s *Snapshot) Apply(r *AuditRecord) ([]Field, error) {
	if r.AuditID != s.auditID {
		return nil, fmt.Errorf("%w: snapshot %s applied to record %s", ErrInvalidArgument, s.auditID, r.AuditID)
	}
	var changed []Field
	for _, f := range Fields() {
		want := s.Value(f)
		live, err := FieldHash(r.AuditID, f, Get(r, f))
		if err != nil {
			return nil, err
		}
		orig, err := FieldHash(r.AuditID, f, want)
		if err != nil {
			return nil, err
		}
		if live == orig {
			continue
		}
		if err := Set(r, f, want); err != nil {
			return nil, err
		}
		changed = append(changed, f)
	}
	return changed, nil
}

type snapshotJSON struct {
	AuditID string       `json:"audit_id"`
	TakenAt time.Time    `json:"taken_at"`
	Fields  *AuditRecord `json:"fields"`
}

func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{AuditID: s.auditID, TakenAt: s.takenAt, Fields: s.frozen})
}

func (s *Snapshot) UnmarshalJSON(b []byte) error {
	var sj snapshotJSON
	if err := json.Unmarshal(b, &sj); err != nil {
		return err
	}
	if sj.Fields == nil || sj.AuditID == "" || sj.Fields.AuditID != sj.AuditID {
		return fmt.Errorf("%w: malformed snapshot", ErrInvariantViolation)
	}
	s.auditID = sj.AuditID
	s.takenAt = sj.TakenAt
	s.frozen = sj.Fields
	return nil
}
