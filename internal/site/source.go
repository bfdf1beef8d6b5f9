package site

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/me/gohpc/pkg/model"
)

// Acquirer leases jobs for a session. *Client satisfies this.
type Acquirer interface {
	Acquire(ctx context.Context, sessionID string, spec model.AcquireSpec) ([]*model.Job, error)
}

// JobSource keeps a fixed-depth buffer of leased jobs topped up in the
// background so workers never wait on the network. Jobs still buffered at
// shutdown are not released; their leases lapse with the session heartbeat
// and the server reaper returns them to the pool.
type JobSource struct {
	client    Acquirer
	sessionID string
	spec      model.AcquireSpec
	depth     int
	interval  time.Duration
	logger    *slog.Logger

	buf      chan *model.Job
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewJobSource creates a source that keeps up to depth jobs buffered,
// acquiring with the given spec (MaxNumJobs is set per fill from the
// shortfall).
func NewJobSource(client Acquirer, sessionID string, depth int, spec model.AcquireSpec, logger *slog.Logger) *JobSource {
	return &JobSource{
		client:    client,
		sessionID: sessionID,
		spec:      spec,
		depth:     depth,
		interval:  time.Second,
		logger:    logger.With("component", "job_source"),
		buf:       make(chan *model.Job, depth),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the background fill loop.
func (s *JobSource) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *JobSource) run(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		shortfall := s.depth - len(s.buf)
		if shortfall > 0 {
			s.fill(ctx, shortfall)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-time.After(s.interval):
		}
	}
}

func (s *JobSource) fill(ctx context.Context, shortfall int) {
	spec := s.spec
	spec.MaxNumJobs = shortfall

	jobs, err := s.client.Acquire(ctx, s.sessionID, spec)
	if err != nil {
		s.logger.Warn("acquire failed", "error", err)
		return
	}
	if len(jobs) > 0 {
		s.logger.Debug("jobs prefetched", "count", len(jobs))
	}

	for _, job := range jobs {
		select {
		case s.buf <- job:
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Get returns the next buffered job, waiting up to timeout. ok is false on
// timeout or after Stop once the buffer has drained.
func (s *JobSource) Get(timeout time.Duration) (*model.Job, bool) {
	select {
	case job := <-s.buf:
		return job, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case job := <-s.buf:
		return job, true
	case <-timer.C:
		return nil, false
	}
}

// Stop halts the fill loop and waits for it to exit. Buffered jobs remain
// readable via Get until drained.
func (s *JobSource) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
