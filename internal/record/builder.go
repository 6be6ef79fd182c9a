package record

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Input carries everything the Builder needs to certify one trip.
type Input struct {
	TripID           string
	SupplierID       string
	VehicleID        string
	VehicleType      string
	Segments         []TripSegment
	TotalDistanceKm  float64
	TotalEmissionsKg float64
	ConfidenceScore  float64
	FactorSource     FactorSource
	FactorPerKm      float64
	DataSources      map[string]string
	Flags            []string
	Recommendations  []Recommendation
}

// Builder is the only component that creates AuditRecords. It assigns the
// audit_id, freezes ingested_at and computes the Baseline exactly once.
type Builder struct {
	now   func() time.Time
	newID func() string
}

// BuilderOption customizes a Builder.
type BuilderOption func(*Builder)

// WithClock overrides the ingestion clock.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// WithIDGenerator overrides audit_id generation.
func WithIDGenerator(gen func() string) BuilderOption {
	return func(b *Builder) { b.newID = gen }
}

// NewBuilder returns a Builder that stamps records with the wall clock and
// random audit ids of the form "AUD-<uuid>".
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		now:   time.Now,
		newID: func() string { return "AUD-" + uuid.NewString() },
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build assembles a certified record together with its cold-storage
// snapshot. The returned record's Baseline must never be reassigned.
func (b *Builder) Build(in Input) (*AuditRecord, *Snapshot, error) {
	if err := validateInput(in); err != nil {
		return nil, nil, err
	}

	r := &AuditRecord{
		AuditID:              b.newID(),
		TripID:               in.TripID,
		SupplierID:           in.SupplierID,
		VehicleID:            in.VehicleID,
		VehicleType:          in.VehicleType,
		Segments:             append([]TripSegment(nil), in.Segments...),
		TotalDistanceKm:      in.TotalDistanceKm,
		TotalEmissionsKg:     in.TotalEmissionsKg,
		ConfidenceScore:      in.ConfidenceScore,
		EmissionFactorSource: in.FactorSource,
		EmissionFactorPerKm:  in.FactorPerKm,
		IngestedAt:           b.now().UTC(),
		DataSources:          copyTags(in.DataSources),
		Flags:                append([]string{}, in.Flags...),
		Recommendations:      append([]Recommendation{}, in.Recommendations...),
	}
	for i := range r.Segments {
		r.Segments[i].FromTimestamp = r.Segments[i].FromTimestamp.UTC()
		r.Segments[i].ToTimestamp = r.Segments[i].ToTimestamp.UTC()
	}

	hashes, err := LiveHashes(r)
	if err != nil {
		return nil, nil, fmt.Errorf("hashing record %s: %w", r.AuditID, err)
	}
	root, err := RootHash(hashes)
	if err != nil {
		return nil, nil, fmt.Errorf("hashing record %s: %w", r.AuditID, err)
	}
	r.Baseline = &Baseline{FieldHashes: hashes, RootHash: root}

	return r, newSnapshot(r, r.IngestedAt), nil
}

func validateInput(in Input) error {
	if in.TripID == "" {
		return fmt.Errorf("%w: trip_id is required", ErrInvalidArgument)
	}
	nums := []struct {
		name string
		v    float64
	}{
		{"total_trip_distance_km", in.TotalDistanceKm},
		{"total_trip_emissions_kg_co2e", in.TotalEmissionsKg},
		{"confidence_score", in.ConfidenceScore},
	}
	for _, n := range nums {
		if math.IsNaN(n.v) || math.IsInf(n.v, 0) || n.v < 0 {
			return fmt.Errorf("%w: %s must be a finite non-negative number", ErrInvalidArgument, n.name)
		}
	}
	if in.ConfidenceScore > 1 {
		return fmt.Errorf("%w: confidence_score %v out of range [0,1]", ErrInvalidArgument, in.ConfidenceScore)
	}
	if !(in.FactorPerKm > 0) || math.IsInf(in.FactorPerKm, 0) {
		return fmt.Errorf("%w: emission_factor_per_km must be positive", ErrInvalidArgument)
	}
	for i, s := range in.Segments {
		if s.DistanceKm < 0 || s.EmissionsKgCO2e < 0 {
			return fmt.Errorf("%w: segment %d has a negative value", ErrInvalidArgument, i)
		}
	}
	return nil
}

func copyTags(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
