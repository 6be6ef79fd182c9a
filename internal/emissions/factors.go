package emissions

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/greenroute/tripledger/internal/record"
)

// DefaultVehicleType is the lookup key used when a vehicle type has no
// dedicated factor.
const DefaultVehicleType = "default"

// Methodology is returned with every trip report.
const Methodology = `GHG Protocol Scope 3 Category 4 & 9 (Upstream & Downstream Transportation).
Calculation method: distance-based, using GPS-derived great-circle distances between consecutive pings.
Emissions_total = sum(distance_segment * emission_factor_vehicle).
Assumptions: emission factors assume average load factors per the referenced factor set; refrigerated transport includes the cooling-unit uplift.
Limitations: road gradient, traffic conditions and engine-specific telemetry are not modelled.`

// FactorSet is the on-disk schema of factors.yaml.
type FactorSet struct {
	Source         string             `yaml:"source"`
	Version        string             `yaml:"version"`
	ValidityPeriod string             `yaml:"validity_period"`
	Unit           string             `yaml:"unit"`
	Link           string             `yaml:"link"`
	Default        float64            `yaml:"default"`
	Factors        map[string]float64 `yaml:"factors"`
}

// Factor is the resolved factor for one vehicle type.
type Factor struct {
	VehicleType string
	PerKm       float64
	Source      record.FactorSource
	Defaulted   bool
}

// DefaultFactorSet returns the built-in DEFRA 2024.1 table.
func DefaultFactorSet() FactorSet {
	return FactorSet{
		Source:         "DEFRA (Department for Environment, Food & Rural Affairs)",
		Version:        "2024.1",
		ValidityPeriod: "2024-01-01 to 2024-12-31",
		Unit:           "kg CO2e / km",
		Link:           "https://www.gov.uk/government/collections/government-conversion-factors-for-company-reporting",
		Default:        0.8,
		Factors: map[string]float64{
			"Light-Duty Van":     0.3,
			"Medium-Duty Truck":  0.65,
			"Heavy-Duty Truck":   1.2,
			"Refrigerated Truck": 1.8,
			"Cargo Ship":         0.02,
			"Cargo Plane":        2.5,
		},
	}
}

func (s FactorSet) validate() error {
	if s.Source == "" || s.Version == "" {
		return fmt.Errorf("factor set must name its source and version")
	}
	if !(s.Default > 0) {
		return fmt.Errorf("default factor %v must be positive", s.Default)
	}
	for vt, f := range s.Factors {
		if !(f > 0) {
			return fmt.Errorf("factor for %q is %v, must be positive", vt, f)
		}
	}
	return nil
}

// FactorTable is a versioned, reloadable lookup from vehicle type to
// emission factor. Safe for concurrent use; Reload swaps the whole set
// atomically so a lookup never sees a half-loaded table.
type FactorTable struct {
	mu   sync.RWMutex
	set  FactorSet
	path string
}

// NewFactorTable loads factors.yaml from path. A missing file yields the
// built-in table, which is not an error.
func NewFactorTable(path string) (*FactorTable, error) {
	t := &FactorTable{path: path, set: DefaultFactorSet()}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload re-reads the table from disk. On error the current set is kept.
func (t *FactorTable) Reload() error {
	if t.path == "" {
		return nil
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading factors %s: %w", t.path, err)
	}

	var set FactorSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return fmt.Errorf("parsing factors %s: %w", t.path, err)
	}
	if err := set.validate(); err != nil {
		return fmt.Errorf("invalid factors %s: %w", t.path, err)
	}

	t.mu.Lock()
	t.set = set
	t.mu.Unlock()

	slog.Info("emission factors loaded", "path", t.path, "version", set.Version, "types", len(set.Factors))
	return nil
}

// Lookup resolves the factor for vehicleType, falling back to the default.
func (t *FactorTable) Lookup(vehicleType string) Factor {
	t.mu.RLock()
	defer t.mu.RUnlock()

	f := Factor{
		VehicleType: vehicleType,
		Source:      record.FactorSource{Name: t.set.Source, Version: t.set.Version},
	}
	if v, ok := t.set.Factors[vehicleType]; ok {
		f.PerKm = v
		return f
	}
	f.PerKm = t.set.Default
	f.Defaulted = true
	return f
}

// Current returns a copy of the active factor set.
func (t *FactorTable) Current() FactorSet {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.set
	s.Factors = make(map[string]float64, len(t.set.Factors))
	for k, v := range t.set.Factors {
		s.Factors[k] = v
	}
	return s
}

// WriteDefaultFactors writes the built-in table to path as YAML.
func WriteDefaultFactors(path string) error {
	data, err := yaml.Marshal(DefaultFactorSet())
	if err != nil {
		return fmt.Errorf("marshaling default factors: %w", err)
	}
	header := "# Emission factors in kg CO2e per km, keyed by vehicle type.\n" +
		"# Edits are picked up by a running server; existing records keep the factor they were certified with.\n\n"
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}
