// Package lease owns server-side lease hygiene: a periodic reaper that
// deletes sessions whose heartbeat went stale and returns their jobs to the
// acquirable pool.
package lease

import (
	"context"
	"log/slog"
	"time"

	"github.com/me/gohpc/internal/store"
)

// Reaper periodically expires sessions with stale heartbeats.
type Reaper struct {
	store    store.Store
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper creates a reaper that runs every interval and expires sessions
// whose heartbeat is older than timeout.
func NewReaper(st store.Store, timeout, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:    st,
		timeout:  timeout,
		interval: interval,
		logger:   logger.With("component", "reaper"),
	}
}

// Run blocks until ctx is cancelled, sweeping on every interval tick. A
// failed sweep is logged and retried on the next tick.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "timeout", r.timeout, "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	n, err := r.store.ReapExpiredSessions(ctx, r.timeout)
	if err != nil {
		r.logger.Error("sweep failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("expired sessions reaped", "count", n)
	}
}
