package site

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/gohpc/pkg/model"
)

// UpdateWriter persists a batch of job updates. *Client satisfies this.
type UpdateWriter interface {
	BulkUpdate(ctx context.Context, updates []model.JobUpdate) error
}

// BulkStatusUpdater batches status updates from many workers into periodic
// bulk writes. Updates flush when the batch size threshold is reached or on
// the interval tick, whichever comes first, and the order updates were Put
// in is the order they are written.
type BulkStatusUpdater struct {
	client    UpdateWriter
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
	in     chan model.JobUpdate
	done   chan struct{}

	// DrainTimeout bounds the final flush after Terminate. The worker
	// context is typically already cancelled by then, so the drain runs on
	// its own deadline.
	DrainTimeout time.Duration
}

// NewBulkStatusUpdater creates an updater flushing every interval or every
// batchSize updates.
func NewBulkStatusUpdater(client UpdateWriter, interval time.Duration, batchSize int, logger *slog.Logger) *BulkStatusUpdater {
	return &BulkStatusUpdater{
		client:    client,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With("component", "status_updater"),
		in:        make(chan model.JobUpdate, 4*batchSize),
		done:      make(chan struct{}),

		DrainTimeout: 30 * time.Second,
	}
}

// Start launches the drain loop.
func (u *BulkStatusUpdater) Start(ctx context.Context) {
	go u.run(ctx)
}

// Put enqueues one update. It fails after Terminate.
func (u *BulkStatusUpdater) Put(update model.JobUpdate) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return fmt.Errorf("status updater terminated")
	}
	u.in <- update
	return nil
}

// Terminate stops intake, flushes every pending update, and returns once
// the final flush completed.
func (u *BulkStatusUpdater) Terminate() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		<-u.done
		return
	}
	u.closed = true
	close(u.in)
	u.mu.Unlock()
	<-u.done
}

func (u *BulkStatusUpdater) run(ctx context.Context) {
	defer close(u.done)

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	var pending []model.JobUpdate
	for {
		select {
		case update, ok := <-u.in:
			if !ok {
				u.drain(&pending)
				return
			}
			pending = append(pending, update)
			if len(pending) >= u.batchSize {
				u.flush(ctx, &pending)
			}
		case <-ticker.C:
			u.flush(ctx, &pending)
		}
	}
}

// drain delivers everything left after intake closed. The context the
// updater was started on is not used here: on a graceful shutdown it is
// already cancelled, and a flush on it would fail instantly and drop the
// final batch. Retries continue until the batch lands or DrainTimeout
// passes.
func (u *BulkStatusUpdater) drain(pending *[]model.JobUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), u.DrainTimeout)
	defer cancel()

	for len(*pending) > 0 {
		u.flush(ctx, pending)
		if len(*pending) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			u.logger.Error("drain window closed with undelivered updates", "count", len(*pending))
			return
		case <-time.After(time.Second):
		}
	}
}

// flush writes the pending batch. On failure the batch is kept for the
// next attempt so no update is dropped and order is preserved.
func (u *BulkStatusUpdater) flush(ctx context.Context, pending *[]model.JobUpdate) {
	if len(*pending) == 0 {
		return
	}
	if err := u.client.BulkUpdate(ctx, *pending); err != nil {
		u.logger.Error("bulk update failed, batch retained", "count", len(*pending), "error", err)
		return
	}
	u.logger.Debug("updates flushed", "count", len(*pending))
	*pending = nil
}
