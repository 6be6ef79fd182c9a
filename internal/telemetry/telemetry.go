// Package telemetry reads the supply-chain movement document and turns GPS
// pings into raw trip legs.
//
// Document shape:
//
//	{"suppliers": [{"supplier_id", "name", "vehicles": [{"vehicle_id", "type",
//	  "trips": [{"trip_id", "gps_pings": [{"latitude", "longitude", "timestamp"}]}]}]}]}
package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/greenroute/tripledger/internal/emissions"
)

// Source is the parsed telemetry document.
type Source struct {
	Suppliers []Supplier `json:"suppliers"`
}

type Supplier struct {
	SupplierID string    `json:"supplier_id"`
	Name       string    `json:"name"`
	Vehicles   []Vehicle `json:"vehicles"`
}

type Vehicle struct {
	VehicleID string `json:"vehicle_id"`
	Type      string `json:"type"`
	Trips     []Trip `json:"trips"`
}

type Trip struct {
	TripID string `json:"trip_id"`
	Pings  []Ping `json:"gps_pings"`
}

// Ping is one GPS sample.
type Ping struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp Timestamp `json:"timestamp"`
}

// Timestamp accepts RFC 3339 and zone-less ISO 8601 ("2024-01-01T10:00:00"),
// the latter interpreted as UTC.
type Timestamp struct{ time.Time }

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

// Load reads and validates a telemetry document from path.
func Load(path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading telemetry %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a telemetry document.
func Parse(data []byte) (*Source, error) {
	var src Source
	if err := json.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("parsing telemetry: %w", err)
	}
	if err := src.validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry: %w", err)
	}
	return &src, nil
}

func (s *Source) validate() error {
	trips := make(map[string]bool)
	for _, sup := range s.Suppliers {
		if sup.SupplierID == "" {
			return fmt.Errorf("supplier without supplier_id")
		}
		for _, v := range sup.Vehicles {
			if v.VehicleID == "" {
				return fmt.Errorf("supplier %s: vehicle without vehicle_id", sup.SupplierID)
			}
			for _, tr := range v.Trips {
				if tr.TripID == "" {
					return fmt.Errorf("vehicle %s: trip without trip_id", v.VehicleID)
				}
				if trips[tr.TripID] {
					return fmt.Errorf("duplicate trip_id %s", tr.TripID)
				}
				trips[tr.TripID] = true
				for i, p := range tr.Pings {
					if math.Abs(p.Latitude) > 90 || math.Abs(p.Longitude) > 180 {
						return fmt.Errorf("trip %s ping %d: coordinates out of range", tr.TripID, i)
					}
				}
			}
		}
	}
	return nil
}

// Sorted returns the trip's pings ordered by timestamp.
func (tr Trip) Sorted() []Ping {
	pings := append([]Ping(nil), tr.Pings...)
	sort.SliceStable(pings, func(i, j int) bool {
		return pings[i].Timestamp.Before(pings[j].Timestamp.Time)
	})
	return pings
}

// Legs converts consecutive sorted pings into raw legs.
func (tr Trip) Legs() []emissions.Leg {
	pings := tr.Sorted()
	if len(pings) < 2 {
		return nil
	}
	legs := make([]emissions.Leg, 0, len(pings)-1)
	for i := 0; i < len(pings)-1; i++ {
		a, b := pings[i], pings[i+1]
		legs = append(legs, emissions.Leg{
			From:       a.Timestamp.Time,
			To:         b.Timestamp.Time,
			DistanceKm: HaversineKm(a.Latitude, a.Longitude, b.Latitude, b.Longitude),
		})
	}
	return legs
}

// Samples returns the sorted ping timestamps.
func (tr Trip) Samples() []time.Time {
	pings := tr.Sorted()
	out := make([]time.Time, len(pings))
	for i, p := range pings {
		out[i] = p.Timestamp.Time
	}
	return out
}

// DisplacementKm is the straight-line distance from first to last ping.
func (tr Trip) DisplacementKm() float64 {
	pings := tr.Sorted()
	if len(pings) < 2 {
		return 0
	}
	first, last := pings[0], pings[len(pings)-1]
	return HaversineKm(first.Latitude, first.Longitude, last.Latitude, last.Longitude)
}

// earthRadiusKm is the mean Earth radius used by HaversineKm.
const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between two coordinates.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
