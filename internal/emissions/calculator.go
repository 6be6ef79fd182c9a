// Package emissions turns trip legs into emission figures and scores how
// far the underlying telemetry can be trusted.
//
// All outputs are rounded to a fixed precision so that the numbers fed into
// record hashing are identical across runs and platforms.
package emissions

import (
	"fmt"
	"math"
	"time"

	"github.com/greenroute/tripledger/internal/record"
)

// Precision is the number of decimal places kept on every computed figure.
const Precision = 3

// ErrInvalidInput is returned for negative distances or non-positive
// factors. It wraps record.ErrInvalidArgument.
var ErrInvalidInput = fmt.Errorf("%w: invalid emission input", record.ErrInvalidArgument)

// Leg is a raw trip segment before emissions are applied.
type Leg struct {
	From       time.Time
	To         time.Time
	DistanceKm float64
}

// Result holds per-segment and total emissions for one trip.
type Result struct {
	Segments         []record.TripSegment
	TotalDistanceKm  float64
	TotalEmissionsKg float64
}

// Calculate applies factorPerKm to every leg. Totals are the rounded sum of
// the rounded per-segment figures, so they are recomputable from segments.
func Calculate(legs []Leg, factorPerKm float64) (Result, error) {
	if math.IsNaN(factorPerKm) || math.IsInf(factorPerKm, 0) || factorPerKm <= 0 {
		return Result{}, fmt.Errorf("%w: emission factor %v must be positive", ErrInvalidInput, factorPerKm)
	}

	res := Result{Segments: make([]record.TripSegment, 0, len(legs))}
	var dist, em float64
	for i, l := range legs {
		if math.IsNaN(l.DistanceKm) || math.IsInf(l.DistanceKm, 0) || l.DistanceKm < 0 {
			return Result{}, fmt.Errorf("%w: leg %d distance %v", ErrInvalidInput, i, l.DistanceKm)
		}
		d := Round(l.DistanceKm)
		e := Round(d * factorPerKm)
		res.Segments = append(res.Segments, record.TripSegment{
			FromTimestamp:   l.From,
			ToTimestamp:     l.To,
			DistanceKm:      d,
			EmissionsKgCO2e: e,
		})
		dist += d
		em += e
	}
	res.TotalDistanceKm = Round(dist)
	res.TotalEmissionsKg = Round(em)
	return res, nil
}

// Round rounds x to Precision decimal places.
func Round(x float64) float64 {
	p := math.Pow10(Precision)
	return math.Round(x*p) / p
}
