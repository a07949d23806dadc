// Package eod runs the scheduled end-of-day flatten sweep: every fund's
// cash balance is driven to zero at the configured time.
package eod

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/repofin/circle-engine/internal/metrics"
	"github.com/repofin/circle-engine/internal/model"
	"github.com/repofin/circle-engine/internal/store"
)

// Flattener is the flatten operation the sweep invokes per fund. The
// engine service implements it (and broadcasts the resulting cashflow).
type Flattener interface {
	FlattenFund(ctx context.Context, fundID string, date time.Time) (*model.CashflowEntry, error)
}

// Scheduler triggers the flatten sweep on a cron spec.
type Scheduler struct {
	cron      *cron.Cron
	store     store.Store
	flattener Flattener
}

// NewScheduler creates a scheduler; call Start to arm it.
func NewScheduler(st store.Store, f Flattener) *Scheduler {
	return &Scheduler{cron: cron.New(), store: st, flattener: f}
}

// Start registers the sweep under the given cron spec and starts the
// scheduler.
func (s *Scheduler) Start(spec string) error {
	if _, err := s.cron.AddFunc(spec, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("eod flatten scheduler armed", "spec", spec)
	return nil
}

// Stop halts the scheduler; a sweep already running completes.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// Sweep flattens every fund for today. Per-fund failures are logged and
// do not stop the sweep.
func (s *Scheduler) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	today := model.Day(time.Now())
	funds, err := s.store.ListFunds(ctx)
	if err != nil {
		slog.Error("eod sweep: listing funds failed", "err", err)
		return
	}

	for _, f := range funds {
		entry, err := s.flattener.FlattenFund(ctx, f.ID, today)
		switch {
		case err != nil:
			metrics.FlattenRuns.WithLabelValues("failed").Inc()
			slog.Error("eod sweep: flatten failed", "fund", f.ID, "err", err)
		case entry == nil:
			metrics.FlattenRuns.WithLabelValues("flat").Inc()
		default:
			metrics.FlattenRuns.WithLabelValues("adjusted").Inc()
			slog.Info("eod sweep: fund flattened",
				"fund", f.ID, "adjustment", entry.Amount.String())
		}
	}
}
