package record

import "errors"

// Error taxonomy shared by every component. Callers match with errors.Is;
// the HTTP layer maps each sentinel to a status code.
var (
	// ErrNotFound: unknown audit_id or trip_id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument: malformed numeric input, unknown field name,
	// out-of-range score, or a value whose type does not match the field.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvariantViolation: the baseline hash set of a record is
	// incomplete or internally inconsistent. The record is unverifiable.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrConflict: a write raced with another writer that bypassed the
	// per-record lock (e.g. a second process on the same store).
	ErrConflict = errors.New("conflict")
)
