// Package aggregate computes cross-record rollups from the records' declared
// totals. It never verifies and never writes: a corrupted record's numbers
// show up here until verification flags it.
package aggregate

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/greenroute/tripledger/internal/record"
	"github.com/greenroute/tripledger/internal/telemetry"
)

// ErrNoData is returned when there are no records to rank.
var ErrNoData = fmt.Errorf("%w: no processed data found; run POST /automation/process-all-data first", record.ErrNotFound)

// NoOffender is the top offender when there are no records.
const NoOffender = "N/A"

// SupplierAggregate is one supplier's rolled-up totals.
type SupplierAggregate struct {
	SupplierID       string  `json:"supplier_id"`
	Name             string  `json:"name"`
	TotalEmissionsKg float64 `json:"total_emissions_kg_co2e"`
	TotalDistanceKm  float64 `json:"total_distance_km"`
	Trips            int     `json:"trips"`
}

// DashboardStats is the executive rollup.
type DashboardStats struct {
	TotalCO2Kg      float64    `json:"total_co2_kg"`
	TotalDistanceKm float64    `json:"total_distance_km"`
	AvgConfidence   float64    `json:"avg_confidence_score"`
	TotalTrips      int        `json:"total_trips"`
	TopOffender     string     `json:"top_offender"`
	LastUpdated     *time.Time `json:"last_updated"`
}

// Leaderboard ranks suppliers from least to most emitting.
type Leaderboard struct {
	Leaderboard    []SupplierAggregate `json:"leaderboard"`
	Recommendation string              `json:"recommendation"`
}

// NameFunc maps a supplier_id to a display name. It may return "".
type NameFunc func(supplierID string) string

// Suppliers groups recs by supplier and sorts ascending by emissions, ties
// broken by supplier_id. Totals are rounded to 2 decimals after summing.
func Suppliers(recs []*record.AuditRecord, name NameFunc) []SupplierAggregate {
	bySupplier := make(map[string]*SupplierAggregate)
	for _, r := range recs {
		agg, ok := bySupplier[r.SupplierID]
		if !ok {
			agg = &SupplierAggregate{SupplierID: r.SupplierID, Name: r.SupplierID}
			if name != nil {
				if n := name(r.SupplierID); n != "" {
					agg.Name = n
				}
			}
			bySupplier[r.SupplierID] = agg
		}
		agg.TotalEmissionsKg += r.TotalEmissionsKg
		agg.TotalDistanceKm += r.TotalDistanceKm
		agg.Trips++
	}

	out := make([]SupplierAggregate, 0, len(bySupplier))
	for _, agg := range bySupplier {
		agg.TotalEmissionsKg = round2(agg.TotalEmissionsKg)
		agg.TotalDistanceKm = round2(agg.TotalDistanceKm)
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalEmissionsKg != out[j].TotalEmissionsKg {
			return out[i].TotalEmissionsKg < out[j].TotalEmissionsKg
		}
		return out[i].SupplierID < out[j].SupplierID
	})
	return out
}

// Dashboard computes DashboardStats over recs. Each record's totals are
// read once.
func Dashboard(recs []*record.AuditRecord, name NameFunc) DashboardStats {
	stats := DashboardStats{TopOffender: NoOffender, TotalTrips: len(recs)}
	if len(recs) == 0 {
		return stats
	}

	var co2, dist, conf float64
	var last time.Time
	for _, r := range recs {
		co2 += r.TotalEmissionsKg
		dist += r.TotalDistanceKm
		conf += r.ConfidenceScore
		if r.IngestedAt.After(last) {
			last = r.IngestedAt
		}
	}
	stats.TotalCO2Kg = round2(co2)
	stats.TotalDistanceKm = round2(dist)
	stats.AvgConfidence = round2(conf / float64(len(recs)))
	stats.LastUpdated = &last

	// Highest emitter; among equals the smallest supplier_id.
	suppliers := Suppliers(recs, name)
	top := suppliers[len(suppliers)-1]
	for i := len(suppliers) - 2; i >= 0 && suppliers[i].TotalEmissionsKg == top.TotalEmissionsKg; i-- {
		top = suppliers[i]
	}
	stats.TopOffender = top.Name
	return stats
}

// Rank builds the supplier leaderboard, or ErrNoData when recs is empty.
func Rank(recs []*record.AuditRecord, name NameFunc) (Leaderboard, error) {
	if len(recs) == 0 {
		return Leaderboard{}, ErrNoData
	}
	board := Suppliers(recs, name)
	return Leaderboard{
		Leaderboard:    board,
		Recommendation: fmt.Sprintf("Based on our analysis, '%s' is the most carbon-efficient supplier.", board[0].Name),
	}, nil
}

// Recommendation types.
const (
	TypeModeShift              = "mode_shift"
	TypeRouteOptimization      = "route_optimization"
	TypeTelemetryQuality       = "telemetry_quality"
	TypeVehicleElectrification = "vehicle_electrification"
)

// lowConfidence is the score below which telemetry quality is flagged.
const lowConfidence = 0.6

// heavyEmissionsKg is the trip total above which heavy vehicles get a
// route recommendation.
const heavyEmissionsKg = 100

// Recommend derives advisory entries for one trip. The result is never
// empty.
func Recommend(vehicleType string, totalEmissionsKg, confidence float64, flags []string) []record.Recommendation {
	var recs []record.Recommendation

	if strings.Contains(vehicleType, "Air") || strings.Contains(vehicleType, "Plane") {
		recs = append(recs, record.Recommendation{
			Type:                  TypeModeShift,
			Rationale:             "Switching from air to ocean freight significantly reduces carbon intensity.",
			PotentialReductionPct: 90,
		})
	}
	if strings.Contains(vehicleType, "Heavy") && totalEmissionsKg > heavyEmissionsKg {
		recs = append(recs, record.Recommendation{
			Type:                  TypeRouteOptimization,
			Rationale:             "A historical lower-emission route exists for this lane.",
			PotentialReductionPct: 12,
		})
	}
	for _, f := range flags {
		if f == telemetry.FlagRouteDeviation {
			recs = append(recs, record.Recommendation{
				Type:                  TypeRouteOptimization,
				Rationale:             "Travelled distance is well above the straight-line displacement; review routing.",
				PotentialReductionPct: 15,
			})
			break
		}
	}
	if confidence < lowConfidence {
		recs = append(recs, record.Recommendation{
			Type:                  TypeTelemetryQuality,
			Rationale:             "GPS sampling is sparse or gappy; improve telemetry before relying on this figure.",
			PotentialReductionPct: 0,
		})
	}

	if len(recs) == 0 {
		recs = append(recs, record.Recommendation{
			Type:                  TypeVehicleElectrification,
			Rationale:             "Transitioning to electric vehicles for this route segment.",
			PotentialReductionPct: 40,
		})
	}
	return recs
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
