package emissions

import (
	"sort"
	"time"
)

// Scorer derives a 0..1 confidence value from GPS sampling density and
// gap coverage:
//
//	confidence = clamp(density_term * (1 - gap_penalty), 0, 1)
//
// density_term is samples-per-km relative to TargetSamplesPerKm, capped at
// 1. gap_penalty is the fraction of elapsed trip time spent inside gaps
// longer than GapThreshold.
type Scorer struct {
	GapThreshold       time.Duration
	TargetSamplesPerKm float64
}

// DefaultScorer uses a 120s gap threshold and one sample per 10 km.
func DefaultScorer() Scorer {
	return Scorer{GapThreshold: 120 * time.Second, TargetSamplesPerKm: 0.1}
}

// Confidence is a score together with the terms that produced it.
type Confidence struct {
	Score       float64 `json:"score"`
	DensityTerm float64 `json:"density_term"`
	GapPenalty  float64 `json:"gap_penalty"`
}

// Score is deterministic for identical input and holds no state.
func (s Scorer) Score(samples []time.Time, distanceKm float64) Confidence {
	density := s.densityTerm(len(samples), distanceKm)
	penalty := s.gapPenalty(samples)
	return Confidence{
		Score:       Round(clamp(density*(1-penalty), 0, 1)),
		DensityTerm: Round(density),
		GapPenalty:  Round(penalty),
	}
}

func (s Scorer) densityTerm(n int, distanceKm float64) float64 {
	if n < 2 {
		// A single sample cannot describe movement at all.
		return 0
	}
	if distanceKm <= 0 || s.TargetSamplesPerKm <= 0 {
		return 1
	}
	return clamp(float64(n)/distanceKm/s.TargetSamplesPerKm, 0, 1)
}

func (s Scorer) gapPenalty(samples []time.Time) float64 {
	if len(samples) < 2 {
		return 0
	}
	ts := append([]time.Time(nil), samples...)
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })

	elapsed := ts[len(ts)-1].Sub(ts[0])
	if elapsed <= 0 {
		return 0
	}
	var gaps time.Duration
	for i := 1; i < len(ts); i++ {
		if d := ts[i].Sub(ts[i-1]); d > s.GapThreshold {
			gaps += d
		}
	}
	return clamp(float64(gaps)/float64(elapsed), 0, 1)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
