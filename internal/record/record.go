// Package record defines the certified trip-emissions AuditRecord, its
// closed set of tamper-sensitive fields, and the canonical hashing that
// produces a record's baseline.
//
// A record carries two kinds of state:
//
//   - live field values, which the Corruption Harness may overwrite for
//     simulation, and
//   - the Baseline: one content hash per tamper-sensitive field plus a
//     root hash over all of them. The Baseline is computed exactly once,
//     by the Builder, and is never recomputed or reassigned.
//
// Hash formulas:
//
//	field_hash = hex(sha256(JCS({"audit_id": id, "field": name, "value": v})))
//	root_hash  = hex(sha256(field_hash_1 || ... || field_hash_n))   // fixed field order
package record

import (
	"time"
)

// Status is the verification outcome of a record.
type Status string

const (
	StatusVerified    Status = "VERIFIED"
	StatusCompromised Status = "COMPROMISED"
	StatusPending     Status = "PENDING"
)

// Severity classifies a tamper event by the sensitivity of the field.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// TripSegment is one leg between two consecutive GPS samples.
// Owned by its parent record and immutable once computed.
type TripSegment struct {
	FromTimestamp   time.Time `json:"from_timestamp"`
	ToTimestamp     time.Time `json:"to_timestamp"`
	DistanceKm      float64   `json:"distance_km"`
	EmissionsKgCO2e float64   `json:"emissions_kg_co2e"`
}

// FactorSource names the external emission-factor reference a record was
// computed with.
type FactorSource struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Recommendation is an advisory annotation. Never hashed.
type Recommendation struct {
	Type                  string  `json:"type"`
	Rationale             string  `json:"rationale"`
	PotentialReductionPct float64 `json:"potential_reduction_pct"`
}

// Baseline is the hash set computed at creation time.
type Baseline struct {
	FieldHashes map[Field]string `json:"field_hashes"`
	RootHash    string           `json:"root_hash"`
}

// AuditRecord is the central certified entity.
type AuditRecord struct {
	AuditID              string            `json:"audit_id"`
	TripID               string            `json:"trip_id"`
	SupplierID           string            `json:"supplier_id"`
	VehicleID            string            `json:"vehicle_id"`
	VehicleType          string            `json:"vehicle_type"`
	Segments             []TripSegment     `json:"segments"`
	TotalDistanceKm      float64           `json:"total_trip_distance_km"`
	TotalEmissionsKg     float64           `json:"total_trip_emissions_kg_co2e"`
	ConfidenceScore      float64           `json:"confidence_score"`
	EmissionFactorSource FactorSource      `json:"emission_factor_source"`
	EmissionFactorPerKm  float64           `json:"emission_factor_per_km"`
	IngestedAt           time.Time         `json:"ingested_at"`
	DataSources          map[string]string `json:"data_sources"`

	// Advisory, not hashed.
	Flags           []string         `json:"flags"`
	Recommendations []Recommendation `json:"recommendations"`

	// Baseline is nil until the record has been certified.
	Baseline *Baseline `json:"baseline,omitempty"`

	// Version is the store's optimistic-concurrency counter.
	Version int64 `json:"-"`
}

// Clone returns a deep copy so callers can mutate live values without
// aliasing the original's slices and maps.
func (r *AuditRecord) Clone() *AuditRecord {
	c := *r
	c.Segments = append([]TripSegment(nil), r.Segments...)
	c.Flags = append([]string(nil), r.Flags...)
	c.Recommendations = append([]Recommendation(nil), r.Recommendations...)
	if r.DataSources != nil {
		c.DataSources = make(map[string]string, len(r.DataSources))
		for k, v := range r.DataSources {
			c.DataSources[k] = v
		}
	}
	if r.Baseline != nil {
		b := Baseline{RootHash: r.Baseline.RootHash}
		if r.Baseline.FieldHashes != nil {
			b.FieldHashes = make(map[Field]string, len(r.Baseline.FieldHashes))
			for f, h := range r.Baseline.FieldHashes {
				b.FieldHashes[f] = h
			}
		}
		c.Baseline = &b
	}
	return &c
}
