package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/me/gohpc/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleJob(id string, state model.JobState) *model.Job {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Job{
		ID:             id,
		Workdir:        "runs/" + id,
		Tags:           map[string]string{"experiment": "xpcs"},
		AppID:          "xpcs.Analyze",
		State:          state,
		StateTimestamp: now,
		Resources: model.ResourceSpec{
			NumNodes:         1,
			RanksPerNode:     1,
			ThreadsPerRank:   1,
			ThreadsPerCore:   1,
			NodePackingCount: 1,
			WallTimeMin:      30,
		},
		CreatedAt: now,
	}
}

func sampleSession(id string) *model.Session {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Session{
		ID:        id,
		SiteID:    "site_theta",
		Heartbeat: now,
		CreatedAt: now,
	}
}

// --- Migration tests ---

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	// Migrate a second time — should not error.
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

// --- Job CRUD tests ---

func TestCreateAndGetJob(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	job := sampleJob("job_1", model.JobStateStagedIn)
	job.StateData = map[string]any{"note": "staged"}

	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("got nil job")
	}
	if got.State != model.JobStateStagedIn {
		t.Errorf("state = %s, want STAGED_IN", got.State)
	}
	if got.Tags["experiment"] != "xpcs" {
		t.Errorf("tags = %v", got.Tags)
	}
	if got.StateData["note"] != "staged" {
		t.Errorf("state data = %v", got.StateData)
	}
	if got.SessionID != "" {
		t.Errorf("new job should be unleased, got session %q", got.SessionID)
	}
	if got.Resources.WallTimeMin != 30 {
		t.Errorf("wall time = %d, want 30", got.Resources.WallTimeMin)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	st := testStore(t)
	got, err := st.GetJob(context.Background(), "job_missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestJobParents(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	parent := sampleJob("job_parent", model.JobStateReady)
	if err := st.CreateJob(ctx, parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	child := sampleJob("job_child", model.JobStateAwaitingParents)
	child.ParentIDs = []string{"job_parent"}
	if err := st.CreateJob(ctx, child); err != nil {
		t.Fatalf("create child: %v", err)
	}

	got, err := st.GetJob(ctx, "job_child")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.ParentIDs) != 1 || got.ParentIDs[0] != "job_parent" {
		t.Errorf("parent ids = %v", got.ParentIDs)
	}
}

func TestListJobs_StateFilter(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := st.CreateJob(ctx, sampleJob(fmt.Sprintf("job_%d", i), model.JobStateStagedIn)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := st.CreateJob(ctx, sampleJob("job_done", model.JobStateFinished)); err != nil {
		t.Fatalf("create: %v", err)
	}

	jobs, total, err := st.ListJobs(ctx, model.ListOptions{State: "STAGED_IN"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(jobs) != 3 {
		t.Errorf("total = %d, len = %d, want 3", total, len(jobs))
	}
}

func TestBulkUpdateJobs(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.CreateJob(ctx, sampleJob("job_1", model.JobStateRunning)); err != nil {
		t.Fatalf("create: %v", err)
	}

	rc := 0
	now := time.Now().UTC()
	err := st.BulkUpdateJobs(ctx, []model.JobUpdate{
		{ID: "job_1", State: model.JobStateRunDone, StateTimestamp: now, ReturnCode: &rc,
			SerializedReturnValue: `{"ok": true}`},
		{ID: "job_1", State: model.JobStatePostprocessed, StateTimestamp: now,
			StateData: map[string]any{"step": "post"}},
	})
	if err != nil {
		t.Fatalf("bulk update: %v", err)
	}

	got, err := st.GetJob(ctx, "job_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// Updates apply in slice order: the final state wins, earlier result
	// fields survive.
	if got.State != model.JobStatePostprocessed {
		t.Errorf("state = %s, want POSTPROCESSED", got.State)
	}
	if got.SerializedReturnValue != `{"ok": true}` {
		t.Errorf("return value = %q", got.SerializedReturnValue)
	}
	if got.ReturnCode == nil || *got.ReturnCode != 0 {
		t.Errorf("return code = %v", got.ReturnCode)
	}
}

func TestBulkUpdateJobs_UnknownJob(t *testing.T) {
	st := testStore(t)
	err := st.BulkUpdateJobs(context.Background(), []model.JobUpdate{
		{ID: "job_missing", State: model.JobStateFailed, StateTimestamp: time.Now()},
	})
	if err == nil {
		t.Fatal("update of missing job must fail")
	}
}

// --- Session tests ---

func TestSessionLifecycle(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	sess := sampleSession("ses_1")

	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetSession(ctx, "ses_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.SiteID != "site_theta" {
		t.Fatalf("got %+v", got)
	}

	later := time.Now().UTC().Add(time.Minute)
	if err := st.TickSession(ctx, "ses_1", later); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, _ = st.GetSession(ctx, "ses_1")
	if !got.Heartbeat.After(sess.Heartbeat) {
		t.Errorf("heartbeat not refreshed: %v", got.Heartbeat)
	}

	if err := st.DeleteSession(ctx, "ses_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = st.GetSession(ctx, "ses_1")
	if got != nil {
		t.Errorf("session still present after delete")
	}
}

func TestTickSession_NotFound(t *testing.T) {
	st := testStore(t)
	if err := st.TickSession(context.Background(), "ses_missing", time.Now()); err == nil {
		t.Fatal("tick of missing session must fail")
	}
}

func TestDeleteSession_ReleasesJobs(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.CreateSession(ctx, sampleSession("ses_1")); err != nil {
		t.Fatalf("create session: %v", err)
	}
	running := sampleJob("job_run", model.JobStateRunning)
	running.SessionID = "ses_1"
	if err := st.CreateJob(ctx, running); err != nil {
		t.Fatalf("create job: %v", err)
	}
	staged := sampleJob("job_staged", model.JobStateStagedIn)
	staged.SessionID = "ses_1"
	if err := st.CreateJob(ctx, staged); err != nil {
		t.Fatalf("create job: %v", err)
	}

	if err := st.DeleteSession(ctx, "ses_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got, _ := st.GetJob(ctx, "job_run")
	if got.State != model.JobStateRestartReady {
		t.Errorf("running job state = %s, want RESTART_READY", got.State)
	}
	if got.SessionID != "" {
		t.Errorf("running job still leased to %q", got.SessionID)
	}
	got, _ = st.GetJob(ctx, "job_staged")
	if got.State != model.JobStateStagedIn {
		t.Errorf("staged job state = %s, want STAGED_IN unchanged", got.State)
	}
	if got.SessionID != "" {
		t.Errorf("staged job still leased to %q", got.SessionID)
	}
}

func TestReapExpiredSessions(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	stale := sampleSession("ses_stale")
	stale.Heartbeat = time.Now().UTC().Add(-10 * time.Minute)
	if err := st.CreateSession(ctx, stale); err != nil {
		t.Fatalf("create stale: %v", err)
	}
	if err := st.CreateSession(ctx, sampleSession("ses_live")); err != nil {
		t.Fatalf("create live: %v", err)
	}

	job := sampleJob("job_orphan", model.JobStateRunning)
	job.SessionID = "ses_stale"
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	n, err := st.ReapExpiredSessions(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Errorf("reaped %d sessions, want 1", n)
	}

	if got, _ := st.GetSession(ctx, "ses_stale"); got != nil {
		t.Error("stale session survived the reaper")
	}
	if got, _ := st.GetSession(ctx, "ses_live"); got == nil {
		t.Error("live session was reaped")
	}
	got, _ := st.GetJob(ctx, "job_orphan")
	if got.State != model.JobStateRestartReady || got.SessionID != "" {
		t.Errorf("orphan job = %s/%q, want RESTART_READY and unleased", got.State, got.SessionID)
	}
}

// --- Batch job tests ---

func TestBatchJobCRUD(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	bj := &model.BatchJob{
		ID:          "bj_1",
		SiteID:      "site_theta",
		Project:     "CSC388",
		Queue:       "batch",
		NumNodes:    128,
		WallTimeMin: 60,
		JobMode:     model.JobModeMPI,
		Partitions: []model.BatchJobPartition{
			{JobMode: model.JobModeSerial, NumNodes: 8},
			{JobMode: model.JobModeMPI, NumNodes: 120},
		},
		State: model.BatchJobStatePendingSubmission,
	}
	if err := st.CreateBatchJob(ctx, bj); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetBatchJob(ctx, "bj_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.BatchJobStatePendingSubmission {
		t.Errorf("state = %s", got.State)
	}
	if len(got.Partitions) != 2 || got.Partitions[1].NumNodes != 120 {
		t.Errorf("partitions = %+v", got.Partitions)
	}

	start := time.Now().UTC().Truncate(time.Millisecond)
	got.SchedulerID = 697013
	got.State = model.BatchJobStateRunning
	got.StartTime = &start
	if err := st.UpdateBatchJob(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ = st.GetBatchJob(ctx, "bj_1")
	if got.SchedulerID != 697013 || got.State != model.BatchJobStateRunning {
		t.Errorf("after update: %+v", got)
	}
	if got.StartTime == nil || !got.StartTime.Equal(start) {
		t.Errorf("start time = %v, want %v", got.StartTime, start)
	}

	list, total, err := st.ListBatchJobs(ctx, model.ListOptions{State: "running"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(list) != 1 {
		t.Errorf("total = %d, len = %d, want 1", total, len(list))
	}
}

// --- Transfer item tests ---

func TestTransferItemCRUD(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	item := &model.TransferItem{
		ID:            "tr_1",
		JobID:         "job_1",
		Direction:     model.TransferStageIn,
		LocationAlias: "aps_dtn",
		RemotePath:    "/data/raw/scan42.h5",
		LocalPath:     "input/scan42.h5",
		Recursive:     false,
		State:         model.TransferStateAwaitingJob,
	}
	if err := st.CreateTransferItem(ctx, item); err != nil {
		t.Fatalf("create: %v", err)
	}

	item.State = model.TransferStateActive
	item.TaskID = "globus-task-9"
	if err := st.UpdateTransferItem(ctx, item); err != nil {
		t.Fatalf("update: %v", err)
	}

	items, err := st.ListTransferItemsByJob(ctx, "job_1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len = %d, want 1", len(items))
	}
	if items[0].State != model.TransferStateActive || items[0].TaskID != "globus-task-9" {
		t.Errorf("item = %+v", items[0])
	}
}
