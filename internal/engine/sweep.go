package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/greenroute/tripledger/internal/record"
)

// sweepParallelism bounds how many records one sweep verifies at once.
const sweepParallelism = 4

// SweepStats summarizes one sweep.
type SweepStats struct {
	Checked      int `json:"checked"`
	Compromised  int `json:"compromised"`
	Unverifiable int `json:"unverifiable"`
	NewEvents    int `json:"new_events"`
}

// Sweeper periodically re-verifies current records selected by supplier and
// vehicle globs. It is non-authoritative: it only does what an on-demand
// report would do, tagged with source "sweep".
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	match    *matcher
	log      *slog.Logger
}

// NewSweeper returns a Sweeper over e.
func NewSweeper(e *Engine, interval time.Duration, suppliers, vehicles []string, logger *slog.Logger) (*Sweeper, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: sweep interval must be positive", record.ErrInvalidArgument)
	}
	m, err := compileMatcher(suppliers, vehicles)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", record.ErrInvalidArgument, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{engine: e, interval: interval, match: m, log: logger}, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("verification sweep started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats, err := s.SweepOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Error("verification sweep failed", "error", err)
				continue
			}
			s.log.Info("verification sweep complete",
				"checked", stats.Checked,
				"compromised", stats.Compromised,
				"unverifiable", stats.Unverifiable,
				"new_events", stats.NewEvents,
			)
		}
	}
}

// SweepOnce verifies every matching current record once. Per-record
// failures are counted or logged and do not stop the sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	recs, err := s.engine.store.Current(ctx)
	if err != nil {
		return SweepStats{}, fmt.Errorf("listing records: %w", err)
	}

	var (
		mu    sync.Mutex
		stats SweepStats
	)
	g := new(errgroup.Group)
	g.SetLimit(sweepParallelism)
	for _, rec := range recs {
		if !s.match.matches(rec.SupplierID, rec.VehicleID) {
			continue
		}
		auditID := rec.AuditID
		g.Go(func() error {
			rep, err := s.engine.Report(ctx, auditID, SourceSweep)

			mu.Lock()
			defer mu.Unlock()
			stats.Checked++
			switch {
			case errors.Is(err, record.ErrInvariantViolation):
				stats.Unverifiable++
			case err != nil:
				s.log.Error("sweep: verifying record", "audit_id", auditID, "error", err)
			default:
				if rep.Result.Status == record.StatusCompromised {
					stats.Compromised++
				}
				stats.NewEvents += rep.NewEvents
			}
			return nil
		})
	}
	_ = g.Wait()
	return stats, ctx.Err()
}
