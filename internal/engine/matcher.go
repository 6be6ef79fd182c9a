package engine

import (
	"fmt"

	"github.com/gobwas/glob"
)

// matcher selects records by supplier_id and vehicle_id globs. An empty
// pattern list matches everything. Patterns are compiled once.
type matcher struct {
	suppliers []glob.Glob
	vehicles  []glob.Glob
}

// compileMatcher compiles the supplier and vehicle patterns.
// Returns an error naming the first invalid pattern.
func compileMatcher(suppliers, vehicles []string) (*matcher, error) {
	m := &matcher{}
	for _, p := range suppliers {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid supplier pattern %q: %w", p, err)
		}
		m.suppliers = append(m.suppliers, g)
	}
	for _, p := range vehicles {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid vehicle pattern %q: %w", p, err)
		}
		m.vehicles = append(m.vehicles, g)
	}
	return m, nil
}

func (m *matcher) matchSupplier(id string) bool { return anyMatch(m.suppliers, id) }

// matches reports whether both ids pass (AND across the two lists, OR
// within each list).
func (m *matcher) matches(supplierID, vehicleID string) bool {
	return anyMatch(m.suppliers, supplierID) && anyMatch(m.vehicles, vehicleID)
}

func anyMatch(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
