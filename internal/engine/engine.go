// Package engine orchestrates the audit pipeline: it turns telemetry into
// certified records, verifies records under their per-record lock, feeds
// mismatches into the tamper ledger and serves the aggregate views.
//
// Every operation that reads a record's live values and may append to the
// ledger holds the record's keylock for the whole sequence, so a concurrent
// inject on the same record can never be observed half-applied.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/greenroute/tripledger/internal/aggregate"
	"github.com/greenroute/tripledger/internal/emissions"
	"github.com/greenroute/tripledger/internal/harness"
	"github.com/greenroute/tripledger/internal/keylock"
	"github.com/greenroute/tripledger/internal/ledger"
	"github.com/greenroute/tripledger/internal/record"
	"github.com/greenroute/tripledger/internal/store"
	"github.com/greenroute/tripledger/internal/supplier"
	"github.com/greenroute/tripledger/internal/telemetry"
	"github.com/greenroute/tripledger/internal/verify"
)

// Event sources recorded on tamper events.
const (
	SourceRequest   = "request"
	SourceSweep     = "sweep"
	SourceCLI       = "cli"
	SourceReprocess = "reprocess"
)

// gpsDataSource is the provenance tag attached to every record's GPS input.
const gpsDataSource = "telemetry_api_simulated"

// Options wires an Engine. Store, Ledger, Factors and Registry are
// required.
type Options struct {
	Store    *store.Store
	Ledger   *ledger.Ledger
	Factors  *emissions.FactorTable
	Registry *supplier.Registry
	Scorer   emissions.Scorer
	Builder  *record.Builder
	Logger   *slog.Logger
}

// Engine is safe for concurrent use.
type Engine struct {
	store    *store.Store
	ledger   *ledger.Ledger
	factors  *emissions.FactorTable
	registry *supplier.Registry
	scorer   emissions.Scorer
	builder  *record.Builder
	locks    *keylock.Locks
	harness  *harness.Harness
	log      *slog.Logger
}

// New builds an Engine from opts.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("engine: store is required")
	case opts.Ledger == nil:
		return nil, fmt.Errorf("engine: ledger is required")
	case opts.Factors == nil:
		return nil, fmt.Errorf("engine: factor table is required")
	case opts.Registry == nil:
		return nil, fmt.Errorf("engine: supplier registry is required")
	}

	e := &Engine{
		store:    opts.Store,
		ledger:   opts.Ledger,
		factors:  opts.Factors,
		registry: opts.Registry,
		scorer:   opts.Scorer,
		builder:  opts.Builder,
		locks:    &keylock.Locks{},
		log:      opts.Logger,
	}
	if e.scorer == (emissions.Scorer{}) {
		e.scorer = emissions.DefaultScorer()
	}
	if e.builder == nil {
		e.builder = record.NewBuilder()
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.harness = harness.New(e.store, e.locks, e.log)
	return e, nil
}

// Report is a record together with its verification outcome and the full
// tamper history of its audit_id.
type Report struct {
	Record    *record.AuditRecord
	Result    verify.Result
	Events    []ledger.Event
	NewEvents int
}

// Report verifies the record named by id (trip_id or audit_id), appends
// every new mismatch to the ledger tagged with source, and returns the
// record with its ledger history.
//
// A record whose baseline is structurally broken is marked unverifiable
// and the error, wrapping record.ErrInvariantViolation, is returned.
func (e *Engine) Report(ctx context.Context, id, source string) (*Report, error) {
	ref, err := e.store.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := e.locks.Lock(ctx, ref.AuditID)
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", ref.AuditID, err)
	}
	rep, err := e.verifyLocked(ctx, ref.AuditID, source)
	unlock()
	if err != nil {
		return nil, err
	}

	rep.Events, err = e.ledger.List(rep.Record.AuditID)
	if err != nil {
		return nil, fmt.Errorf("reading tamper history of %s: %w", rep.Record.AuditID, err)
	}
	return rep, nil
}

// verifyLocked runs verification and ledger appends. Caller holds the lock
// on auditID.
func (e *Engine) verifyLocked(ctx context.Context, auditID, source string) (*Report, error) {
	rec, err := e.store.Get(ctx, auditID)
	if err != nil {
		return nil, err
	}

	res, err := verify.Verify(rec)
	if err != nil {
		if errors.Is(err, record.ErrInvariantViolation) {
			e.log.Error("record is unverifiable", "audit_id", rec.AuditID, "trip_id", rec.TripID, "error", err)
			if merr := e.store.MarkUnverifiable(ctx, rec.AuditID, err.Error()); merr != nil {
				e.log.Error("marking record unverifiable", "audit_id", rec.AuditID, "error", merr)
			}
		}
		return nil, err
	}

	rep := &Report{Record: rec, Result: res}
	for _, c := range res.Mismatches() {
		added, err := e.ledger.Record(ctx, ledger.Event{
			AuditID:          rec.AuditID,
			TripID:           rec.TripID,
			Field:            c.Field.String(),
			StoredHash:       c.StoredHash,
			RecalculatedHash: c.RecalculatedHash,
			Severity:         c.Severity,
			Message:          fmt.Sprintf("Integrity Hash Mismatch for %s", c.Field),
			Source:           source,
		})
		if err != nil {
			return nil, fmt.Errorf("recording tamper event for %s/%s: %w", rec.AuditID, c.Field, err)
		}
		if added {
			rep.NewEvents++
		}
		e.log.Warn("tamper detected",
			"audit_id", rec.AuditID,
			"trip_id", rec.TripID,
			"field", c.Field.String(),
			"severity", string(c.Severity),
			"new", added,
			"source", source,
		)
	}
	return rep, nil
}

// ProcessResult summarizes one processing run.
type ProcessResult struct {
	Message            string   `json:"message"`
	SuppliersProcessed int      `json:"suppliers_processed"`
	TripsAudited       int      `json:"trips_audited"`
	Superseded         []string `json:"superseded,omitempty"`
}

// Process builds a fresh certified record for every trip of every supplier
// in src whose supplier_id matches supplierPattern (a glob; empty means
// all). A trip that already has a current record is verified first, with
// source "reprocess", and then superseded.
func (e *Engine) Process(ctx context.Context, src *telemetry.Source, supplierPattern string) (ProcessResult, error) {
	var patterns []string
	if supplierPattern != "" {
		patterns = []string{supplierPattern}
	}
	m, err := compileMatcher(patterns, nil)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("%w: %v", record.ErrInvalidArgument, err)
	}

	var res ProcessResult
	for _, sup := range src.Suppliers {
		if !m.matchSupplier(sup.SupplierID) {
			continue
		}
		trips := 0
		for _, veh := range sup.Vehicles {
			for _, tr := range veh.Trips {
				if err := ctx.Err(); err != nil {
					e.saveRegistry()
					return res, err
				}
				superseded, err := e.processTrip(ctx, sup, veh, tr)
				if err != nil {
					e.saveRegistry()
					return res, fmt.Errorf("processing trip %s: %w", tr.TripID, err)
				}
				if superseded != "" {
					res.Superseded = append(res.Superseded, superseded)
				}
				trips++
			}
		}
		e.registry.Observe(sup.SupplierID, sup.Name, len(sup.Vehicles), trips)
		res.SuppliersProcessed++
		res.TripsAudited += trips
	}
	e.saveRegistry()

	res.Message = "All supply chain data processed successfully."
	e.log.Info("processing run complete",
		"suppliers", res.SuppliersProcessed,
		"trips", res.TripsAudited,
		"superseded", len(res.Superseded),
	)
	return res, nil
}

func (e *Engine) saveRegistry() {
	if err := e.registry.Save(); err != nil {
		e.log.Error("saving supplier registry", "error", err)
	}
}

func (e *Engine) processTrip(ctx context.Context, sup telemetry.Supplier, veh telemetry.Vehicle, tr telemetry.Trip) (string, error) {
	factor := e.factors.Lookup(veh.Type)
	calc, err := emissions.Calculate(tr.Legs(), factor.PerKm)
	if err != nil {
		return "", err
	}
	conf := e.scorer.Score(tr.Samples(), calc.TotalDistanceKm)
	flags := telemetry.Flags(tr, calc.TotalDistanceKm)

	rec, snap, err := e.builder.Build(record.Input{
		TripID:           tr.TripID,
		SupplierID:       sup.SupplierID,
		VehicleID:        veh.VehicleID,
		VehicleType:      veh.Type,
		Segments:         calc.Segments,
		TotalDistanceKm:  calc.TotalDistanceKm,
		TotalEmissionsKg: calc.TotalEmissionsKg,
		ConfidenceScore:  conf.Score,
		FactorSource:     factor.Source,
		FactorPerKm:      factor.PerKm,
		DataSources: map[string]string{
			"gps":             gpsDataSource,
			"emission_factor": factor.Source.Name,
		},
		Flags:           flags,
		Recommendations: aggregate.Recommend(veh.Type, calc.TotalEmissionsKg, conf.Score, flags),
	})
	if err != nil {
		return "", err
	}

	// Hold the old record's lock across verify and supersede so no inject
	// can land between the two.
	old, err := e.store.Resolve(ctx, tr.TripID)
	switch {
	case errors.Is(err, record.ErrNotFound):
	case err != nil:
		return "", err
	default:
		unlock, err := e.locks.Lock(ctx, old.AuditID)
		if err != nil {
			return "", fmt.Errorf("locking %s: %w", old.AuditID, err)
		}
		defer unlock()
		if _, err := e.verifyLocked(ctx, old.AuditID, SourceReprocess); err != nil && !errors.Is(err, record.ErrInvariantViolation) {
			return "", err
		}
	}

	superseded, err := e.store.Create(ctx, rec, snap)
	if err != nil {
		return "", err
	}
	e.log.Debug("trip certified",
		"trip_id", rec.TripID,
		"audit_id", rec.AuditID,
		"emissions_kg", rec.TotalEmissionsKg,
		"confidence", rec.ConfidenceScore,
		"factor_defaulted", factor.Defaulted,
	)
	return superseded, nil
}

// Inject overwrites one live value of the record named by id.
func (e *Engine) Inject(ctx context.Context, id string, f record.Field, v record.Value) (harness.Result, error) {
	return e.harness.Inject(ctx, id, f, v)
}

// Restore resets the record named by id to its snapshot and re-verifies
// it. The tamper ledger keeps every earlier event.
func (e *Engine) Restore(ctx context.Context, id, source string) (harness.Result, *Report, error) {
	res, err := e.harness.Restore(ctx, id)
	if err != nil {
		return res, nil, err
	}
	rep, err := e.Report(ctx, res.AuditID, source)
	if err != nil {
		return res, nil, err
	}
	return res, rep, nil
}

// Trips lists the current record of every trip.
func (e *Engine) Trips(ctx context.Context) ([]store.Ref, error) {
	return e.store.Refs(ctx)
}

// Events queries the tamper ledger.
func (e *Engine) Events(params ledger.QueryParams) ([]ledger.Event, error) {
	return e.ledger.Query(params)
}

// EventCount is the number of tamper events ever recorded.
func (e *Engine) EventCount() (int, error) {
	return e.ledger.Count()
}

// FollowEvents calls fn for each tamper event appended from now on, until
// ctx is done.
func (e *Engine) FollowEvents(ctx context.Context, fn func(ledger.Event)) error {
	return e.ledger.Follow(ctx, fn)
}

// Dashboard rolls up every current record's declared totals.
func (e *Engine) Dashboard(ctx context.Context) (aggregate.DashboardStats, error) {
	recs, err := e.store.Current(ctx)
	if err != nil {
		return aggregate.DashboardStats{}, err
	}
	return aggregate.Dashboard(recs, e.registry.Name), nil
}

// Leaderboard ranks suppliers by declared emissions.
func (e *Engine) Leaderboard(ctx context.Context) (aggregate.Leaderboard, error) {
	recs, err := e.store.Current(ctx)
	if err != nil {
		return aggregate.Leaderboard{}, err
	}
	return aggregate.Rank(recs, e.registry.Name)
}

// Suppliers returns the supplier registry.
func (e *Engine) Suppliers() []supplier.Supplier {
	return e.registry.List()
}

// Factors returns the active factor set.
func (e *Engine) Factors() emissions.FactorSet {
	return e.factors.Current()
}
