package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// hashLen is the length of a hex-encoded SHA-256 digest.
const hashLen = sha256.Size * 2

// Canonical returns the RFC 8785 (JCS) encoding of a field value bound to
// its record and field name. Binding the audit_id and field name means a
// value copied between records or fields never reproduces a baseline hash.
func Canonical(auditID string, f Field, v Value) ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: field %d", ErrInvalidArgument, f)
	}
	raw, err := json.Marshal(map[string]any{
		"audit_id": auditID,
		"field":    f.String(),
		"value":    canonicalValue(v),
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", f, err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing %s: %w", f, err)
	}
	return out, nil
}

// canonicalValue maps a Value onto plain JSON types with fixed formatting:
// timestamps as UTC RFC 3339, absent collections as empty ones.
func canonicalValue(v Value) any {
	switch v.kind {
	case KindText:
		return v.text
	case KindNumber:
		return v.num
	case KindTime:
		return canonicalTime(v.ts)
	case KindSegments:
		out := make([]any, 0, len(v.segments))
		for _, s := range v.segments {
			out = append(out, map[string]any{
				"from_timestamp":    canonicalTime(s.FromTimestamp),
				"to_timestamp":      canonicalTime(s.ToTimestamp),
				"distance_km":       s.DistanceKm,
				"emissions_kg_co2e": s.EmissionsKgCO2e,
			})
		}
		return out
	case KindSource:
		return map[string]any{"name": v.source.Name, "version": v.source.Version}
	case KindTags:
		if v.tags == nil {
			return map[string]string{}
		}
		return v.tags
	}
	return nil
}

func canonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// FieldHash computes hex(sha256(Canonical(auditID, f, v))).
func FieldHash(auditID string, f Field, v Value) (string, error) {
	c, err := Canonical(auditID, f, v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(c)
	return hex.EncodeToString(sum[:]), nil
}

// LiveHashes recomputes the hash of every field from r's current values.
func LiveHashes(r *AuditRecord) (map[Field]string, error) {
	out := make(map[Field]string, len(fieldSpecs))
	for _, f := range Fields() {
		h, err := FieldHash(r.AuditID, f, Get(r, f))
		if err != nil {
			return nil, err
		}
		out[f] = h
	}
	return out, nil
}

// RootHash hashes the concatenation of all field hashes in fixed order.
// A missing or malformed field hash is ErrInvariantViolation.
func RootHash(hashes map[Field]string) (string, error) {
	h := sha256.New()
	for _, f := range Fields() {
		fh, ok := hashes[f]
		if !ok {
			return "", fmt.Errorf("%w: no hash for field %s", ErrInvariantViolation, f)
		}
		if !validHex(fh) {
			return "", fmt.Errorf("%w: malformed hash for field %s", ErrInvariantViolation, f)
		}
		h.Write([]byte(fh))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CheckBaseline verifies that b is complete and internally consistent:
// every field has a well-formed hash and RootHash covers exactly them.
func CheckBaseline(b *Baseline) error {
	if b == nil {
		return fmt.Errorf("%w: baseline missing", ErrInvariantViolation)
	}
	if len(b.FieldHashes) != len(fieldSpecs) {
		return fmt.Errorf("%w: baseline has %d field hashes, want %d",
			ErrInvariantViolation, len(b.FieldHashes), len(fieldSpecs))
	}
	root, err := RootHash(b.FieldHashes)
	if err != nil {
		return err
	}
	if root != b.RootHash {
		return fmt.Errorf("%w: root hash does not cover the stored field hashes", ErrInvariantViolation)
	}
	return nil
}

func validHex(s string) bool {
	if len(s) != hashLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
