package emissions

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/greenroute/tripledger/internal/record"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func TestCalculate_Scenario(t *testing.T) {
	legs := []Leg{
		{From: t0, To: t0.Add(time.Minute), DistanceKm: 10},
		{From: t0.Add(time.Minute), To: t0.Add(2 * time.Minute), DistanceKm: 5},
	}

	res, err := Calculate(legs, 0.2)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalDistanceKm != 15 {
		t.Errorf("distance: expected 15, got %v", res.TotalDistanceKm)
	}
	if res.TotalEmissionsKg != 3.0 {
		t.Errorf("emissions: expected 3.0, got %v", res.TotalEmissionsKg)
	}
	if len(res.Segments) != 2 || res.Segments[0].EmissionsKgCO2e != 2 || res.Segments[1].EmissionsKgCO2e != 1 {
		t.Errorf("segments: %+v", res.Segments)
	}
}

func TestCalculate_Deterministic(t *testing.T) {
	legs := []Leg{
		{DistanceKm: 12.3456789},
		{DistanceKm: 0.0004},
		{DistanceKm: 987.654321},
		{DistanceKm: 3.14159},
	}

	first, err := Calculate(legs, 1.2)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		again, _ := Calculate(legs, 1.2)
		if again.TotalEmissionsKg != first.TotalEmissionsKg || again.TotalDistanceKm != first.TotalDistanceKm {
			t.Fatalf("run %d differs: %+v vs %+v", i, again, first)
		}
		for j := range again.Segments {
			if again.Segments[j] != first.Segments[j] {
				t.Fatalf("run %d segment %d differs", i, j)
			}
		}
	}
}

func TestCalculate_TotalsRecomputableFromSegments(t *testing.T) {
	legs := []Leg{{DistanceKm: 1.1111}, {DistanceKm: 2.2222}, {DistanceKm: 3.3333}}
	res, err := Calculate(legs, 0.65)
	if err != nil {
		t.Fatal(err)
	}
	var d, e float64
	for _, s := range res.Segments {
		d += s.DistanceKm
		e += s.EmissionsKgCO2e
	}
	if Round(d) != res.TotalDistanceKm || Round(e) != res.TotalEmissionsKg {
		t.Errorf("totals %v/%v do not match segment sums %v/%v", res.TotalDistanceKm, res.TotalEmissionsKg, Round(d), Round(e))
	}
}

func TestCalculate_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		legs   []Leg
		factor float64
	}{
		{"negative distance", []Leg{{DistanceKm: -1}}, 0.2},
		{"zero factor", []Leg{{DistanceKm: 1}}, 0},
		{"negative factor", []Leg{{DistanceKm: 1}}, -0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Calculate(tt.legs, tt.factor)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
			if !errors.Is(err, record.ErrInvalidArgument) {
				t.Errorf("ErrInvalidInput should wrap record.ErrInvalidArgument")
			}
		})
	}
}

func TestCalculate_EmptyTrip(t *testing.T) {
	res, err := Calculate(nil, 0.8)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalDistanceKm != 0 || res.TotalEmissionsKg != 0 || len(res.Segments) != 0 {
		t.Errorf("empty trip should produce zeros, got %+v", res)
	}
}

func samplesAt(offsets ...int) []time.Time {
	out := make([]time.Time, len(offsets))
	for i, s := range offsets {
		out[i] = t0.Add(time.Duration(s) * time.Second)
	}
	return out
}

func TestScore_GapLowersConfidence(t *testing.T) {
	s := Scorer{GapThreshold: 120 * time.Second, TargetSamplesPerKm: 0.1}

	noGap := s.Score(samplesAt(0, 60, 120, 180), 10)
	withGap := s.Score(samplesAt(0, 60, 120, 420), 10)

	if noGap.DensityTerm != withGap.DensityTerm {
		t.Fatalf("density should be identical: %v vs %v", noGap.DensityTerm, withGap.DensityTerm)
	}
	if !(withGap.Score < noGap.Score) {
		t.Errorf("a 300s gap should lower confidence: gap=%v baseline=%v", withGap.Score, noGap.Score)
	}
	if withGap.GapPenalty <= 0 {
		t.Errorf("gap penalty should be positive, got %v", withGap.GapPenalty)
	}
}

func TestScore_Bounds(t *testing.T) {
	s := DefaultScorer()
	tests := []struct {
		name    string
		samples []time.Time
		dist    float64
		want    float64
	}{
		{"no samples", nil, 10, 0},
		{"single sample", samplesAt(0), 10, 0},
		{"dense and continuous", samplesAt(0, 30, 60, 90, 120), 1, 1},
		{"stationary", samplesAt(0, 30, 60), 0, 1},
		{"all gap", samplesAt(0, 3600), 0.5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Score(tt.samples, tt.dist)
			if got.Score != tt.want {
				t.Errorf("expected %v, got %+v", tt.want, got)
			}
			if got.Score < 0 || got.Score > 1 {
				t.Errorf("score %v outside [0,1]", got.Score)
			}
		})
	}
}

func TestScore_SparseTelemetryIsNotConfident(t *testing.T) {
	s := DefaultScorer()
	// Two samples over 400 km: density 0.005/km against a 0.1/km target.
	got := s.Score(samplesAt(0, 60), 400)
	if got.Score >= 0.1 {
		t.Errorf("sparse telemetry scored %v", got.Score)
	}
}

func TestScore_OrderIndependent(t *testing.T) {
	s := DefaultScorer()
	a := s.Score(samplesAt(0, 60, 400, 460), 5)
	b := s.Score(samplesAt(460, 0, 400, 60), 5)
	if a != b {
		t.Errorf("unsorted samples changed the score: %+v vs %+v", a, b)
	}
}

func TestFactorTable_DefaultsWhenMissing(t *testing.T) {
	ft, err := NewFactorTable(filepath.Join(t.TempDir(), "factors.yaml"))
	if err != nil {
		t.Fatal(err)
	}

	f := ft.Lookup("Heavy-Duty Truck")
	if f.PerKm != 1.2 || f.Defaulted {
		t.Errorf("Heavy-Duty Truck: %+v", f)
	}
	if f.Source.Version != "2024.1" {
		t.Errorf("version: %q", f.Source.Version)
	}

	unknown := ft.Lookup("Hovercraft")
	if unknown.PerKm != 0.8 || !unknown.Defaulted {
		t.Errorf("unknown type should use default: %+v", unknown)
	}
}

func TestFactorTable_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "factors.yaml")
	if err := WriteDefaultFactors(path); err != nil {
		t.Fatal(err)
	}
	ft, err := NewFactorTable(path)
	if err != nil {
		t.Fatal(err)
	}

	updated := `
source: "GLEC"
version: "3.0"
default: 0.9
factors:
  "Light-Duty Van": 0.25
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ft.Reload(); err != nil {
		t.Fatal(err)
	}
	f := ft.Lookup("Light-Duty Van")
	if f.PerKm != 0.25 || f.Source.Name != "GLEC" || f.Source.Version != "3.0" {
		t.Errorf("after reload: %+v", f)
	}
}

func TestFactorTable_InvalidReloadKeepsCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "factors.yaml")
	ft, err := NewFactorTable(path)
	if err != nil {
		t.Fatal(err)
	}

	bad := "source: X\nversion: \"1\"\ndefault: 0.5\nfactors:\n  Van: -1\n"
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ft.Reload(); err == nil {
		t.Fatal("negative factor should fail validation")
	}
	if got := ft.Lookup("Cargo Plane").PerKm; got != 2.5 {
		t.Errorf("failed reload should keep the previous table, got %v", got)
	}
}
