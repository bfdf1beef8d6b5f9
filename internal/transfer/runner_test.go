package transfer

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/me/gohpc/internal/store"
	"github.com/me/gohpc/pkg/model"
)

func testRunner(t *testing.T, engine Engine) (*Runner, *store.SQLiteStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewRunner(st, engine, time.Second, logger), st
}

func TestSweepAdvancesReadyJobs(t *testing.T) {
	r, st := testRunner(t, nil)
	ctx := context.Background()

	seedReadyJob(t, st, "job_done", []*model.TransferItem{{
		ID: "tr_1", Direction: model.TransferStageIn,
		LocationAlias: "dtn", RemotePath: "/d/x", LocalPath: "x",
		State: model.TransferStateDone,
	}})
	seedReadyJob(t, st, "job_waiting", []*model.TransferItem{{
		ID: "tr_2", Direction: model.TransferStageIn,
		LocationAlias: "dtn", RemotePath: "/d/y", LocalPath: "y",
		State: model.TransferStateActive,
	}})

	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	job, _ := st.GetJob(ctx, "job_done")
	if job.State != model.JobStateStagedIn {
		t.Errorf("job_done state = %s, want STAGED_IN", job.State)
	}
	job, _ = st.GetJob(ctx, "job_waiting")
	if job.State != model.JobStateReady {
		t.Errorf("job_waiting state = %s, want READY unchanged", job.State)
	}
}

func TestSweepPollsEngine(t *testing.T) {
	engine := &fakeEngine{states: map[string]model.TransferState{"task-9": model.TransferStateDone}}
	r, st := testRunner(t, engine)
	ctx := context.Background()

	seedReadyJob(t, st, "job_1", []*model.TransferItem{{
		ID: "tr_1", Direction: model.TransferStageIn,
		LocationAlias: "dtn", RemotePath: "/d/x", LocalPath: "x",
		State: model.TransferStateActive, TaskID: "task-9",
	}})

	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	items, _ := st.ListTransferItemsByJob(ctx, "job_1")
	if items[0].State != model.TransferStateDone {
		t.Errorf("item state = %s, want done after engine poll", items[0].State)
	}
	job, _ := st.GetJob(ctx, "job_1")
	if job.State != model.JobStateStagedIn {
		t.Errorf("job state = %s, want STAGED_IN", job.State)
	}
}

func TestExecEngine(t *testing.T) {
	ctx := context.Background()

	// The task id lands in $0; the script's answer is fixed.
	engine := ExecEngine{Argv: []string{"sh", "-c", "echo done; echo rate=12MBps"}}
	state, info, err := engine.TaskStatus(ctx, "task-9")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if state != model.TransferStateDone {
		t.Errorf("state = %s, want done", state)
	}
	if info["rate"] != "12MBps" {
		t.Errorf("info = %v", info)
	}

	engine = ExecEngine{Argv: []string{"sh", "-c", "echo SUCCEEDED"}}
	if _, _, err := engine.TaskStatus(ctx, "task-9"); err == nil {
		t.Error("unmapped state token must be an error")
	}

	engine = ExecEngine{Argv: []string{"false"}}
	if _, _, err := engine.TaskStatus(ctx, "task-9"); err == nil {
		t.Error("command failure must be an error")
	}
}
