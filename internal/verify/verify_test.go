package verify

import (
	"errors"
	"testing"
	"time"

	"github.com/greenroute/tripledger/internal/record"
)

func certified(t *testing.T) *record.AuditRecord {
	t.Helper()
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	b := record.NewBuilder(record.WithClock(func() time.Time { return at }))
	r, _, err := b.Build(record.Input{
		TripID:           "TRIP-9",
		SupplierID:       "SUP-1",
		VehicleID:        "VEH-1",
		VehicleType:      "Light-Duty Van",
		TotalDistanceKm:  42,
		TotalEmissionsKg: 12.6,
		ConfidenceScore:  0.75,
		FactorSource:     record.FactorSource{Name: "DEFRA", Version: "2024.1"},
		FactorPerKm:      0.3,
		Segments: []record.TripSegment{
			{FromTimestamp: at, ToTimestamp: at.Add(time.Hour), DistanceKm: 42, EmissionsKgCO2e: 12.6},
		},
		DataSources: map[string]string{"gps": "telemetry_api_simulated"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestVerify_UnmodifiedRecord(t *testing.T) {
	r := certified(t)
	res, err := Verify(r)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != record.StatusVerified {
		t.Errorf("expected VERIFIED, got %s", res.Status)
	}
	if len(res.Mismatches()) != 0 {
		t.Errorf("expected no mismatches, got %v", res.Mismatches())
	}
	if res.RootHash != res.RecalculatedRoot {
		t.Error("root hashes should agree")
	}
}

func TestVerify_DetectsEveryField(t *testing.T) {
	other := map[record.Field]record.Value{
		record.FieldSupplierID:     record.TextValue("SUP-X"),
		record.FieldVehicleID:      record.TextValue("VEH-X"),
		record.FieldVehicleType:    record.TextValue("Cargo Plane"),
		record.FieldSegments:       record.SegmentsValue([]record.TripSegment{}),
		record.FieldTotalDistance:  record.NumberValue(1),
		record.FieldTotalEmissions: record.NumberValue(9999),
		record.FieldConfidence:     record.NumberValue(1),
		record.FieldFactorPerKm:    record.NumberValue(0.01),
		record.FieldFactorSource:   record.SourceValue(record.FactorSource{Name: "other"}),
		record.FieldIngestedAt:     record.TimeValue(time.Unix(0, 0)),
		record.FieldDataSources:    record.TagsValue(nil),
	}

	for _, f := range record.Fields() {
		t.Run(f.String(), func(t *testing.T) {
			r := certified(t)
			if err := record.Set(r, f, other[f]); err != nil {
				t.Fatal(err)
			}
			res, err := Verify(r)
			if err != nil {
				t.Fatal(err)
			}
			if res.Status != record.StatusCompromised {
				t.Fatalf("expected COMPROMISED, got %s", res.Status)
			}
			mm := res.Mismatches()
			if len(mm) != 1 || mm[0].Field != f {
				t.Fatalf("expected exactly one mismatch on %s, got %+v", f, mm)
			}
			if mm[0].Severity != f.Severity() {
				t.Errorf("severity: expected %s, got %s", f.Severity(), mm[0].Severity)
			}
			if mm[0].StoredHash != r.Baseline.FieldHashes[f] {
				t.Error("stored hash should be the baseline hash")
			}
		})
	}
}

func TestVerify_SameValueIsNotTamper(t *testing.T) {
	r := certified(t)
	if err := record.Set(r, record.FieldTotalEmissions, record.NumberValue(r.TotalEmissionsKg)); err != nil {
		t.Fatal(err)
	}
	res, err := Verify(r)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != record.StatusVerified {
		t.Errorf("re-writing the same value should stay VERIFIED, got %s", res.Status)
	}
}

func TestVerify_DoesNotMutate(t *testing.T) {
	r := certified(t)
	r.TotalEmissionsKg = 9999
	before := r.Clone()

	if _, err := Verify(r); err != nil {
		t.Fatal(err)
	}
	if r.TotalEmissionsKg != before.TotalEmissionsKg || r.Baseline.RootHash != before.Baseline.RootHash {
		t.Error("Verify must not touch live values or the baseline")
	}
}

func TestVerify_Pending(t *testing.T) {
	r := certified(t)
	r.Baseline = nil
	res, err := Verify(r)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != record.StatusPending {
		t.Errorf("expected PENDING, got %s", res.Status)
	}
}

func TestVerify_CorruptBaselineIsInvariantViolation(t *testing.T) {
	r := certified(t)
	delete(r.Baseline.FieldHashes, record.FieldConfidence)

	_, err := Verify(r)
	if !errors.Is(err, record.ErrInvariantViolation) {
		t.Errorf("expected ErrInvariantViolation, got %v", err)
	}
}
