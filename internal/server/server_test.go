package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/me/gohpc/internal/config"
	"github.com/me/gohpc/internal/store"
	"github.com/me/gohpc/pkg/model"
)

func testServer(t *testing.T) *Server {
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

	policies := map[string]config.SitePolicy{
		"site_theta": {
			AllowedQueues: map[string]model.AllowedQueue{
				"batch": {MaxNodes: 4096, MaxWallTime: 1440, MaxQueued: 20},
				"debug": {MaxNodes: 16, MaxWallTime: 60, MaxQueued: 1},
			},
			AllowedProjects:        []string{"CSC388"},
			OptionalBatchJobParams: map[string]string{"alloc_flags": ""},
		},
	}
	return New(config.DefaultServerConfig(), st, policies, logger)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) (*httptest.ResponseRecorder, model.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var resp model.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

// decodeData re-marshals the envelope's data field into out.
func decodeData(t *testing.T, resp model.Response, out any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatalf("remarshal data: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func TestHealth(t *testing.T) {
	s := testServer(t)
	rec, resp := doJSON(t, s, http.MethodGet, "/api/v1/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp.Status != "ok" {
		t.Errorf("envelope status = %q", resp.Status)
	}
	if resp.RequestID == "" {
		t.Error("missing request id")
	}
}

func TestRequestIDPassthrough(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/healthz", nil)
	req.Header.Set("X-Request-ID", "req_upstream1")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req_upstream1" {
		t.Errorf("header request id = %q, want the caller's id kept", got)
	}
	var resp model.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RequestID != "req_upstream1" {
		t.Errorf("envelope request id = %q, want the caller's id kept", resp.RequestID)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := testServer(t)

	rec, resp := doJSON(t, s, http.MethodPost, "/api/v1/sessions",
		map[string]string{"site_id": "site_theta"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %v", rec.Code, resp.Error)
	}
	var sess model.Session
	decodeData(t, resp, &sess)
	if sess.ID == "" || sess.SiteID != "site_theta" {
		t.Fatalf("session = %+v", sess)
	}

	rec, _ = doJSON(t, s, http.MethodPut, "/api/v1/sessions/"+sess.ID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("tick status = %d", rec.Code)
	}

	rec, _ = doJSON(t, s, http.MethodDelete, "/api/v1/sessions/"+sess.ID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}

	rec, _ = doJSON(t, s, http.MethodPut, "/api/v1/sessions/"+sess.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("tick after delete status = %d, want 404", rec.Code)
	}
}

func TestCreateSession_MissingSite(t *testing.T) {
	s := testServer(t)
	rec, resp := doJSON(t, s, http.MethodPost, "/api/v1/sessions", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != model.ErrValidation {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestJobSubmissionAndAcquire(t *testing.T) {
	s := testServer(t)

	specs := []map[string]any{
		{
			"id":      "job_a",
			"workdir": "runs/a",
			"app_id":  "xpcs.Analyze",
			"resources": map[string]any{
				"num_nodes": 1, "ranks_per_node": 1, "wall_time_min": 30,
			},
		},
		{
			"id":         "job_b",
			"workdir":    "runs/b",
			"app_id":     "xpcs.Analyze",
			"parent_ids": []string{"job_a"},
		},
	}
	rec, resp := doJSON(t, s, http.MethodPost, "/api/v1/jobs", specs)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d: %v", rec.Code, resp.Error)
	}
	var created []model.Job
	decodeData(t, resp, &created)
	if len(created) != 2 {
		t.Fatalf("created %d jobs", len(created))
	}
	// No transfers and no unfinished parents: straight to STAGED_IN.
	if created[0].State != model.JobStateStagedIn {
		t.Errorf("job_a state = %s, want STAGED_IN", created[0].State)
	}
	// job_b waits on job_a.
	if created[1].State != model.JobStateAwaitingParents {
		t.Errorf("job_b state = %s, want AWAITING_PARENTS", created[1].State)
	}

	_, resp = doJSON(t, s, http.MethodPost, "/api/v1/sessions",
		map[string]string{"site_id": "site_theta"})
	var sess model.Session
	decodeData(t, resp, &sess)

	rec, resp = doJSON(t, s, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/acquire",
		model.AcquireSpec{MaxNumJobs: 10})
	if rec.Code != http.StatusOK {
		t.Fatalf("acquire status = %d: %v", rec.Code, resp.Error)
	}
	var acquired []model.Job
	decodeData(t, resp, &acquired)
	if len(acquired) != 1 || acquired[0].ID != "job_a" {
		t.Fatalf("acquired %+v, want only job_a", acquired)
	}

	// Finish job_a through the bulk endpoint; job_b becomes acquirable.
	rec, resp = doJSON(t, s, http.MethodPatch, "/api/v1/jobs",
		[]map[string]any{{"id": "job_a", "state": "JOB_FINISHED"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("bulk update status = %d: %v", rec.Code, resp.Error)
	}

	rec, resp = doJSON(t, s, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/acquire",
		model.AcquireSpec{MaxNumJobs: 10})
	if rec.Code != http.StatusOK {
		t.Fatalf("second acquire status = %d", rec.Code)
	}
	decodeData(t, resp, &acquired)
	if len(acquired) != 1 || acquired[0].ID != "job_b" {
		t.Fatalf("acquired %+v, want job_b", acquired)
	}
}

func TestJobSubmission_CycleRejected(t *testing.T) {
	s := testServer(t)

	specs := []map[string]any{
		{"id": "job_x", "workdir": "runs/x", "app_id": "a.B", "parent_ids": []string{"job_y"}},
		{"id": "job_y", "workdir": "runs/y", "app_id": "a.B", "parent_ids": []string{"job_x"}},
	}
	rec, resp := doJSON(t, s, http.MethodPost, "/api/v1/jobs", specs)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != model.ErrValidation {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestJobSubmission_UnknownParentRejected(t *testing.T) {
	s := testServer(t)

	specs := []map[string]any{
		{"id": "job_x", "workdir": "runs/x", "app_id": "a.B", "parent_ids": []string{"job_ghost"}},
	}
	rec, _ := doJSON(t, s, http.MethodPost, "/api/v1/jobs", specs)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestJobSubmission_StageInHoldsReady(t *testing.T) {
	s := testServer(t)

	specs := []map[string]any{
		{
			"id": "job_staged", "workdir": "runs/s", "app_id": "a.B",
			"transfers": []map[string]any{
				{"direction": "stage_in", "location_alias": "dtn", "remote_path": "/d/x", "local_path": "x"},
			},
		},
	}
	rec, resp := doJSON(t, s, http.MethodPost, "/api/v1/jobs", specs)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %v", rec.Code, resp.Error)
	}
	var created []model.Job
	decodeData(t, resp, &created)
	if created[0].State != model.JobStateReady {
		t.Errorf("state = %s, want READY while stage-in pending", created[0].State)
	}
}

func TestBatchJobValidation(t *testing.T) {
	s := testServer(t)

	base := map[string]any{
		"site_id": "site_theta", "project": "CSC388", "queue": "batch",
		"num_nodes": 128, "wall_time_min": 60, "job_mode": "mpi",
	}

	rec, resp := doJSON(t, s, http.MethodPost, "/api/v1/batch-jobs", base)
	if rec.Code != http.StatusCreated {
		t.Fatalf("valid batch job rejected: %d %v", rec.Code, resp.Error)
	}
	var bj model.BatchJob
	decodeData(t, resp, &bj)
	if bj.State != model.BatchJobStatePendingSubmission {
		t.Errorf("state = %s", bj.State)
	}

	reject := func(name string, mutate func(map[string]any)) {
		t.Run(name, func(t *testing.T) {
			req := map[string]any{}
			for k, v := range base {
				req[k] = v
			}
			mutate(req)
			rec, resp := doJSON(t, s, http.MethodPost, "/api/v1/batch-jobs", req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (%v)", rec.Code, resp.Error)
			}
		})
	}

	reject("unknown queue", func(m map[string]any) { m["queue"] = "gpu" })
	reject("unknown project", func(m map[string]any) { m["project"] = "SECRET" })
	reject("too many nodes", func(m map[string]any) { m["queue"] = "debug"; m["num_nodes"] = 64 })
	reject("walltime over max", func(m map[string]any) { m["wall_time_min"] = 9999 })
	reject("unknown site", func(m map[string]any) { m["site_id"] = "site_nowhere" })
	reject("extraneous param", func(m map[string]any) {
		m["optional_params"] = map[string]string{"nvme": "1"}
	})
}

func TestPatchBatchJob(t *testing.T) {
	s := testServer(t)

	rec, resp := doJSON(t, s, http.MethodPost, "/api/v1/batch-jobs", map[string]any{
		"site_id": "site_theta", "project": "CSC388", "queue": "batch",
		"num_nodes": 128, "wall_time_min": 60,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %v", rec.Code, resp.Error)
	}
	var bj model.BatchJob
	decodeData(t, resp, &bj)

	rec, resp = doJSON(t, s, http.MethodPatch, "/api/v1/batch-jobs/"+bj.ID, map[string]any{
		"scheduler_id": 697123, "state": "queued",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %v", rec.Code, resp.Error)
	}
	var patched model.BatchJob
	decodeData(t, resp, &patched)
	if patched.SchedulerID != 697123 || patched.State != model.BatchJobStateQueued {
		t.Errorf("patched = %+v", patched)
	}
	if patched.NumNodes != 128 || patched.Queue != "batch" {
		t.Errorf("requested allocation changed: %+v", patched)
	}

	rec, resp = doJSON(t, s, http.MethodGet, "/api/v1/batch-jobs/"+bj.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var fetched model.BatchJob
	decodeData(t, resp, &fetched)
	if fetched.State != model.BatchJobStateQueued {
		t.Errorf("state = %s, want queued after patch", fetched.State)
	}

	rec, _ = doJSON(t, s, http.MethodPatch, "/api/v1/batch-jobs/bj_missing", map[string]any{
		"state": "queued",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("patch missing status = %d, want 404", rec.Code)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s := testServer(t)
	rec, resp := doJSON(t, s, http.MethodGet, "/api/v1/jobs/job_missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != model.ErrNotFound {
		t.Errorf("error = %+v", resp.Error)
	}
}
