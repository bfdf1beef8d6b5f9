package transfer

import (
	"context"
	"log/slog"
	"time"

	"github.com/me/gohpc/internal/store"
	"github.com/me/gohpc/pkg/model"
)

// Runner sweeps READY jobs on an interval. With an engine configured,
// each job's active items are refreshed from it first; either way, jobs
// whose stage-in items are all done advance to STAGED_IN. Without an
// engine, items only move when something else marks them (an operator or
// an external driver writing through the store).
type Runner struct {
	tracker  *Tracker
	store    store.Store
	engine   Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewRunner creates a runner. engine may be nil.
func NewRunner(st store.Store, engine Engine, interval time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		tracker:  NewTracker(st, logger),
		store:    st,
		engine:   engine,
		interval: interval,
		logger:   logger.With("component", "transfer_runner"),
	}
}

// Run sweeps until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("transfer runner started", "interval", r.interval, "engine", r.engine != nil)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("transfer runner stopped")
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass over READY jobs. A job that cannot advance is left
// for the next pass; only listing failures abort the sweep.
func (r *Runner) Sweep(ctx context.Context) error {
	jobs, _, err := r.store.ListJobs(ctx, model.ListOptions{
		State: model.JobStateReady.String(),
		Limit: 100,
	})
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if r.engine != nil {
			if err := r.tracker.Poll(ctx, r.engine, job.ID); err != nil {
				r.logger.Warn("poll failed", "job_id", job.ID, "error", err)
			}
			continue
		}
		if _, err := r.tracker.AdvanceJob(ctx, job.ID); err != nil {
			r.logger.Warn("advance failed", "job_id", job.ID, "error", err)
		}
	}
	return nil
}
