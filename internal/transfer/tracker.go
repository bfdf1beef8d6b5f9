// Package transfer tracks job-scoped file movement. The actual byte moving
// is done by an external engine; this package owns the item state machine
// and derives job readiness from it.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/gohpc/internal/store"
	"github.com/me/gohpc/pkg/model"
)

// Engine reports the status of one external transfer task. Implementations
// wrap whatever moves the bytes (Globus, rsync wrappers); only status is
// queried here.
type Engine interface {
	TaskStatus(ctx context.Context, taskID string) (model.TransferState, map[string]string, error)
}

// Tracker advances transfer items and the jobs gated on them.
type Tracker struct {
	store  store.Store
	logger *slog.Logger
}

// NewTracker creates a tracker over the given store.
func NewTracker(st store.Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  st,
		logger: logger.With("component", "transfer"),
	}
}

// MarkItem moves a transfer item to next, enforcing the item state machine.
func (t *Tracker) MarkItem(ctx context.Context, item *model.TransferItem, next model.TransferState) error {
	if !item.State.CanTransitionTo(next) {
		return &model.InvalidTransitionError{
			Entity: "transfer item",
			ID:     item.ID,
			From:   string(item.State),
			To:     string(next),
		}
	}
	item.State = next
	if err := t.store.UpdateTransferItem(ctx, item); err != nil {
		return fmt.Errorf("update item %s: %w", item.ID, err)
	}
	t.logger.Debug("transfer item advanced", "id", item.ID, "state", next)
	return nil
}

// Poll refreshes every active item of the job from the engine and then
// tries to advance the job itself.
func (t *Tracker) Poll(ctx context.Context, engine Engine, jobID string) error {
	items, err := t.store.ListTransferItemsByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list items for %s: %w", jobID, err)
	}

	for _, item := range items {
		if item.State != model.TransferStateActive || item.TaskID == "" {
			continue
		}
		state, info, err := engine.TaskStatus(ctx, item.TaskID)
		if err != nil {
			t.logger.Warn("transfer status poll failed", "item", item.ID, "task", item.TaskID, "error", err)
			continue
		}
		if state == item.State {
			continue
		}
		item.TransferInfo = info
		if err := t.MarkItem(ctx, item, state); err != nil {
			return err
		}
	}

	_, err = t.AdvanceJob(ctx, jobID)
	return err
}

// AdvanceJob moves a READY job to STAGED_IN once every stage-in item is
// done. Returns true if the job advanced.
func (t *Tracker) AdvanceJob(ctx context.Context, jobID string) (bool, error) {
	job, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if job == nil {
		return false, fmt.Errorf("job %s not found", jobID)
	}
	if job.State != model.JobStateReady {
		return false, nil
	}

	done, err := t.StageInComplete(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !done {
		return false, nil
	}

	err = t.store.BulkUpdateJobs(ctx, []model.JobUpdate{{
		ID:             jobID,
		State:          model.JobStateStagedIn,
		StateTimestamp: time.Now().UTC(),
	}})
	if err != nil {
		return false, fmt.Errorf("stage job %s: %w", jobID, err)
	}

	t.logger.Info("job staged in", "job_id", jobID)
	return true, nil
}

// StageInComplete reports whether all stage-in items of the job are done.
// A job with no stage-in items is trivially complete.
func (t *Tracker) StageInComplete(ctx context.Context, jobID string) (bool, error) {
	items, err := t.store.ListTransferItemsByJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("list items for %s: %w", jobID, err)
	}
	for _, item := range items {
		if item.Direction != model.TransferStageIn {
			continue
		}
		if item.State != model.TransferStateDone {
			return false, nil
		}
	}
	return true, nil
}
