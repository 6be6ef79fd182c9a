// Package ledger implements the append-only, deduplicated tamper-event log.
//
// Every mismatch the integrity verifier detects becomes an Event in a daily
// JSONL file. Each event's hash covers its predecessor's hash, so editing or
// removing any line breaks the chain from that point forward:
//
//	SHA-256(prev_hash | seq | detected_at | audit_id | field | stored_hash | recalculated_hash | severity)
//
// Events are unique on (audit_id, field, stored_hash, recalculated_hash).
// Nothing in this package deletes or edits an event.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// genesisPrevHash seeds the chain.
const genesisPrevHash = "sha256:genesis"

// computeHash returns "sha256:<hex>" for e given its PrevHash.
func computeHash(e *Event) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%s|%s",
		e.PrevHash, e.Seq, e.DetectedAt,
		e.AuditID, e.Field, e.StoredHash, e.RecalculatedHash, e.Severity)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func verifyEvent(e *Event) bool {
	return e.Hash == computeHash(e)
}
