// Package supplier tracks supplier display names and processing stats.
//
// Suppliers are registered when a processing run first sees them in the
// telemetry source. The registry persists to <config-dir>/suppliers.yaml;
// hand edits to display names are picked up by Reload.
package supplier

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/greenroute/tripledger/internal/record"
)

// Supplier is one tracked supplier.
type Supplier struct {
	ID            string    `yaml:"-" json:"supplier_id"`
	Name          string    `yaml:"name" json:"name"`
	FirstSeen     time.Time `yaml:"first_seen" json:"first_seen"`
	LastProcessed time.Time `yaml:"last_processed" json:"last_processed"`
	Stats         Stats     `yaml:"stats" json:"stats"`
}

// Stats holds cumulative processing counters.
type Stats struct {
	Runs         uint64 `yaml:"runs" json:"runs"`
	Vehicles     int    `yaml:"vehicles" json:"vehicles"`
	TripsAudited uint64 `yaml:"trips_audited" json:"trips_audited"`
}

// Registry is the set of known suppliers. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	suppliers map[string]*Supplier
	path      string
}

type registryFile struct {
	Suppliers map[string]*Supplier `yaml:"suppliers"`
}

// NewRegistry loads the registry from path. A missing file is an empty
// registry.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{suppliers: make(map[string]*Supplier), path: path}
	loaded, err := load(path)
	if err != nil {
		return nil, err
	}
	r.suppliers = loaded
	if len(loaded) > 0 {
		slog.Info("supplier registry loaded", "suppliers", len(loaded), "path", path)
	}
	return r, nil
}

func load(path string) (map[string]*Supplier, error) {
	out := make(map[string]*Supplier)
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("reading supplier registry %s: %w", path, err)
	}
	if len(data) == 0 {
		return out, nil
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing supplier registry %s: %w", path, err)
	}
	for id, s := range file.Suppliers {
		if s == nil {
			continue
		}
		s.ID = id
		out[id] = s
	}
	return out, nil
}

// Reload re-reads the registry file. On error the current state is kept.
func (r *Registry) Reload() error {
	loaded, err := load(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.suppliers = loaded
	r.mu.Unlock()
	slog.Info("supplier registry reloaded", "suppliers", len(loaded))
	return nil
}

// List returns all suppliers sorted by ID.
func (r *Registry) List() []Supplier {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Supplier, 0, len(r.suppliers))
	for _, s := range r.suppliers {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the supplier with id.
func (r *Registry) Get(id string) (Supplier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.suppliers[id]
	if !ok {
		return Supplier{}, fmt.Errorf("%w: supplier %q", record.ErrNotFound, id)
	}
	return *s, nil
}

// Name returns the display name of id, or "" if unknown.
func (r *Registry) Name(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.suppliers[id]; ok {
		return s.Name
	}
	return ""
}

// Observe records one processing run of a supplier. A name already set in
// the registry wins over the source's name only if the source has none.
func (r *Registry) Observe(id, name string, vehicles, trips int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	s, ok := r.suppliers[id]
	if !ok {
		s = &Supplier{ID: id, FirstSeen: now}
		r.suppliers[id] = s
		slog.Info("new supplier registered", "supplier_id", id, "name", name)
	}
	if name != "" {
		s.Name = name
	}
	s.LastProcessed = now
	s.Stats.Runs++
	s.Stats.Vehicles = vehicles
	s.Stats.TripsAudited += uint64(trips)
}

// Save persists the registry to its file.
func (r *Registry) Save() error {
	if r.path == "" {
		return nil
	}
	r.mu.RLock()
	file := registryFile{Suppliers: r.suppliers}
	data, err := yaml.Marshal(&file)
	r.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling supplier registry: %w", err)
	}

	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("writing supplier registry %s: %w", r.path, err)
	}
	return nil
}
