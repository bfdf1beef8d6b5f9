package site

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/me/gohpc/internal/schedbackend"
	"github.com/me/gohpc/pkg/model"
)

// BatchJobAPI is the slice of the server API the sync loop needs. *Client
// satisfies this.
type BatchJobAPI interface {
	ListBatchJobs(ctx context.Context, state string) ([]*model.BatchJob, error)
	UpdateBatchJob(ctx context.Context, id string, patch model.BatchJobPatch) error
}

// BatchSync drives the site's native scheduler from server-side batch job
// records: pending submissions are handed to the scheduler, pending
// deletions are cancelled, and active allocations are reconciled against
// status polls.
type BatchSync struct {
	api       BatchJobAPI
	backend   schedbackend.Backend
	siteID    string
	scriptDir string
	interval  time.Duration
	logger    *slog.Logger
}

// NewBatchSync creates a sync loop for the given site. Launch scripts are
// written under scriptDir.
func NewBatchSync(api BatchJobAPI, backend schedbackend.Backend, siteID, scriptDir string, logger *slog.Logger) *BatchSync {
	return &BatchSync{
		api:       api,
		backend:   backend,
		siteID:    siteID,
		scriptDir: scriptDir,
		interval:  10 * time.Second,
		logger:    logger.With("component", "batch_sync"),
	}
}

// Run reconciles on an interval until ctx is cancelled. A failed pass is
// logged and retried on the next tick.
func (b *BatchSync) Run(ctx context.Context) {
	b.logger.Info("batch sync started", "site_id", b.siteID, "interval", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("batch sync stopped")
			return
		case <-ticker.C:
			if err := b.Sync(ctx); err != nil {
				b.logger.Error("sync pass failed", "error", err)
			}
		}
	}
}

// Sync runs one reconciliation pass.
func (b *BatchSync) Sync(ctx context.Context) error {
	batchJobs, err := b.api.ListBatchJobs(ctx, "")
	if err != nil {
		return err
	}

	var active []*model.BatchJob
	for _, bj := range batchJobs {
		if bj.SiteID != b.siteID {
			continue
		}
		switch bj.State {
		case model.BatchJobStatePendingSubmission:
			b.submit(ctx, bj)
		case model.BatchJobStatePendingDeletion:
			b.delete(ctx, bj)
		case model.BatchJobStateQueued, model.BatchJobStateRunning:
			active = append(active, bj)
		}
	}

	if len(active) > 0 {
		b.reconcile(ctx, active)
	}
	return nil
}

// submit writes the launch script, hands it to the scheduler, and records
// the native id. A rejected submission is a terminal submit_failed, not a
// retry loop against a scheduler that already said no.
func (b *BatchSync) submit(ctx context.Context, bj *model.BatchJob) {
	script, err := b.writeScript(bj)
	if err != nil {
		b.fail(ctx, bj, fmt.Errorf("write launch script: %w", err))
		return
	}

	schedulerID, err := b.backend.Submit(ctx, schedbackend.SubmitSpec{
		Script:      script,
		Project:     bj.Project,
		Queue:       bj.Queue,
		NumNodes:    bj.NumNodes,
		WallTimeMin: bj.WallTimeMin,
		ExtraParams: bj.OptionalParams,
	})
	if err != nil {
		b.fail(ctx, bj, err)
		return
	}

	b.logger.Info("batch job submitted", "id", bj.ID, "scheduler_id", schedulerID)
	queued := model.BatchJobStateQueued
	b.patch(ctx, bj.ID, model.BatchJobPatch{SchedulerID: &schedulerID, State: &queued})
}

func (b *BatchSync) delete(ctx context.Context, bj *model.BatchJob) {
	if bj.SchedulerID != 0 {
		if err := b.backend.Delete(ctx, bj.SchedulerID); err != nil {
			b.logger.Warn("scheduler delete failed", "id", bj.ID,
				"scheduler_id", bj.SchedulerID, "error", err)
			return
		}
	}
	b.logger.Info("batch job deleted", "id", bj.ID, "scheduler_id", bj.SchedulerID)
	finished := model.BatchJobStateFinished
	now := time.Now().UTC()
	b.patch(ctx, bj.ID, model.BatchJobPatch{State: &finished, EndTime: &now})
}

// reconcile folds one status poll over the active allocations. An
// allocation missing from the poll has left the scheduler and is finished.
func (b *BatchSync) reconcile(ctx context.Context, active []*model.BatchJob) {
	statuses, err := b.backend.QueryStatuses(ctx, schedbackend.StatusFilter{})
	if err != nil {
		// Skip the pass; stale state is better than flapping on a poll
		// hiccup.
		b.logger.Warn("status poll failed", "error", err)
		return
	}

	for _, bj := range active {
		status, ok := statuses[bj.SchedulerID]
		if !ok {
			finished := model.BatchJobStateFinished
			now := time.Now().UTC()
			b.patch(ctx, bj.ID, model.BatchJobPatch{State: &finished, EndTime: &now})
			continue
		}
		if status.State == bj.State || status.State == model.BatchJobStateUnknown {
			continue
		}
		patch := model.BatchJobPatch{State: &status.State}
		if status.StartTime != nil {
			patch.StartTime = status.StartTime
		}
		b.patch(ctx, bj.ID, patch)
	}
}

// writeScript renders the allocation's launch script. The script starts
// one worker bound to this batch job; the worker leases and processes jobs
// for as long as the allocation lives.
func (b *BatchSync) writeScript(bj *model.BatchJob) (string, error) {
	if err := os.MkdirAll(b.scriptDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(b.scriptDir, "qlaunch_"+bj.ID+".sh")
	content := fmt.Sprintf(`#!/bin/bash
exec gohpc-worker --config settings.yml --batch-job %s
`, bj.ID)
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func (b *BatchSync) fail(ctx context.Context, bj *model.BatchJob, cause error) {
	b.logger.Error("batch job submission failed", "id", bj.ID, "error", cause)
	failed := model.BatchJobStateSubmitFailed
	b.patch(ctx, bj.ID, model.BatchJobPatch{
		State:      &failed,
		StatusInfo: map[string]string{"error": cause.Error()},
	})
}

func (b *BatchSync) patch(ctx context.Context, id string, patch model.BatchJobPatch) {
	if err := b.api.UpdateBatchJob(ctx, id, patch); err != nil {
		b.logger.Error("batch job update failed", "id", id, "error", err)
	}
}
