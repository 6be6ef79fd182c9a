// Package verify recomputes a record's field hashes from its live values
// and compares them against the stored baseline.
//
// Verify is pure: it never mutates the record and never writes anywhere.
// Recording mismatches in the tamper ledger is the caller's job, done under
// the same per-record lock that guarded the read.
package verify

import (
	"fmt"

	"github.com/greenroute/tripledger/internal/record"
)

// FieldCheck is the comparison for one field.
type FieldCheck struct {
	Field            record.Field    `json:"field"`
	Severity         record.Severity `json:"severity"`
	StoredHash       string          `json:"stored_hash"`
	RecalculatedHash string          `json:"recalculated_hash"`
	Match            bool            `json:"match"`
}

// Result is the outcome of verifying one record.
type Result struct {
	AuditID          string        `json:"audit_id"`
	TripID           string        `json:"trip_id"`
	Status           record.Status `json:"integrity_status"`
	RootHash         string        `json:"root_hash,omitempty"`
	RecalculatedRoot string        `json:"recalculated_root_hash,omitempty"`
	Checks           []FieldCheck  `json:"checks,omitempty"`
}

// Mismatches returns the failing checks in field order.
func (r Result) Mismatches() []FieldCheck {
	var out []FieldCheck
	for _, c := range r.Checks {
		if !c.Match {
			out = append(out, c)
		}
	}
	return out
}

// Verify classifies rec as VERIFIED, COMPROMISED or PENDING.
//
// A record without any baseline is PENDING. A baseline that is present but
// incomplete or self-inconsistent is an error wrapping
// record.ErrInvariantViolation; the record cannot be judged at all.
// Hash mismatches are not errors.
func Verify(rec *record.AuditRecord) (Result, error) {
	res := Result{AuditID: rec.AuditID, TripID: rec.TripID}
	if rec.Baseline == nil {
		res.Status = record.StatusPending
		return res, nil
	}
	if err := record.CheckBaseline(rec.Baseline); err != nil {
		return res, fmt.Errorf("record %s: %w", rec.AuditID, err)
	}

	live, err := record.LiveHashes(rec)
	if err != nil {
		return res, fmt.Errorf("record %s: hashing live values: %w", rec.AuditID, err)
	}
	root, err := record.RootHash(live)
	if err != nil {
		return res, fmt.Errorf("record %s: %w", rec.AuditID, err)
	}

	res.RootHash = rec.Baseline.RootHash
	res.RecalculatedRoot = root
	res.Status = record.StatusVerified
	for _, f := range record.Fields() {
		c := FieldCheck{
			Field:            f,
			Severity:         f.Severity(),
			StoredHash:       rec.Baseline.FieldHashes[f],
			RecalculatedHash: live[f],
		}
		c.Match = c.StoredHash == c.RecalculatedHash
		if !c.Match {
			res.Status = record.StatusCompromised
		}
		res.Checks = append(res.Checks, c)
	}
	if root != rec.Baseline.RootHash {
		res.Status = record.StatusCompromised
	}
	return res, nil
}
