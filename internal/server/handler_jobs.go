package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/me/gohpc/pkg/model"
)

// jobSpec is one job in a submission request. Parent references may name
// existing jobs or other jobs in the same request (by their client-chosen
// id), so whole DAGs can be submitted in a single call.
type jobSpec struct {
	ID        string             `json:"id,omitempty"`
	Workdir   string             `json:"workdir"`
	Tags      map[string]string  `json:"tags"`
	AppID     string             `json:"app_id"`
	ParentIDs []string           `json:"parent_ids"`
	Resources model.ResourceSpec `json:"resources"`
	Transfers []transferSpec     `json:"transfers,omitempty"`
}

type transferSpec struct {
	Direction     model.TransferDirection `json:"direction"`
	LocationAlias string                  `json:"location_alias"`
	RemotePath    string                  `json:"remote_path"`
	LocalPath     string                  `json:"local_path"`
	Recursive     bool                    `json:"recursive"`
}

func (s *Server) handleCreateJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var specs []jobSpec
	if err := json.NewDecoder(r.Body).Decode(&specs); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}
	if len(specs) == 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("empty submission"))
		return
	}

	for i := range specs {
		if specs[i].ID == "" {
			specs[i].ID = "job_" + uuid.New().String()
		}
	}

	if apiErr := s.validateSubmission(r, specs); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	now := time.Now().UTC()
	var created []*model.Job
	for _, spec := range specs {
		state, err := s.initialState(r, spec)
		if err != nil {
			respondError(w, reqID, http.StatusInternalServerError,
				&model.APIError{Code: model.ErrInternal, Message: err.Error()})
			return
		}

		job := &model.Job{
			ID:             spec.ID,
			Workdir:        spec.Workdir,
			Tags:           spec.Tags,
			AppID:          spec.AppID,
			State:          state,
			StateTimestamp: now,
			ParentIDs:      spec.ParentIDs,
			Resources:      normalizeResources(spec.Resources),
			CreatedAt:      now,
		}
		if err := s.store.CreateJob(r.Context(), job); err != nil {
			respondError(w, reqID, http.StatusInternalServerError,
				&model.APIError{Code: model.ErrInternal, Message: err.Error()})
			return
		}

		for _, tr := range spec.Transfers {
			item := &model.TransferItem{
				ID:            "tr_" + uuid.New().String(),
				JobID:         job.ID,
				Direction:     tr.Direction,
				LocationAlias: tr.LocationAlias,
				RemotePath:    tr.RemotePath,
				LocalPath:     tr.LocalPath,
				Recursive:     tr.Recursive,
				State:         model.TransferStateAwaitingJob,
			}
			if err := s.store.CreateTransferItem(r.Context(), item); err != nil {
				respondError(w, reqID, http.StatusInternalServerError,
					&model.APIError{Code: model.ErrInternal, Message: err.Error()})
				return
			}
		}

		created = append(created, job)
	}

	s.logger.Info("jobs created", "count", len(created))
	respondCreated(w, reqID, created)
}

// validateSubmission checks resource sanity, parent references and DAG
// acyclicity for the whole batch before anything is written.
func (s *Server) validateSubmission(r *http.Request, specs []jobSpec) *model.APIError {
	inBatch := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if inBatch[spec.ID] {
			return model.NewValidationError("duplicate job id in submission",
				model.FieldError{Field: "id", Message: spec.ID})
		}
		inBatch[spec.ID] = true
	}

	for _, spec := range specs {
		if spec.AppID == "" {
			return model.NewValidationError("missing required field",
				model.FieldError{Field: "app_id", Message: "app_id is required"})
		}
		if spec.Workdir == "" {
			return model.NewValidationError("missing required field",
				model.FieldError{Field: "workdir", Message: "workdir is required"})
		}
		if spec.Resources.NumNodes < 0 || spec.Resources.RanksPerNode < 0 {
			return model.NewValidationError("negative resource counts",
				model.FieldError{Field: "resources", Message: "node and rank counts must be non-negative"})
		}

		for _, parentID := range spec.ParentIDs {
			if inBatch[parentID] {
				continue
			}
			parent, err := s.store.GetJob(r.Context(), parentID)
			if err != nil {
				return model.NewInternalError(err.Error())
			}
			if parent == nil {
				return model.NewValidationError("unknown parent job",
					model.FieldError{Field: "parent_ids", Message: parentID})
			}
		}
	}

	if err := checkAcyclic(specs); err != nil {
		return model.NewValidationError(err.Error())
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm over the intra-batch dependency edges.
// Edges to pre-existing jobs cannot close a cycle and are ignored.
func checkAcyclic(specs []jobSpec) error {
	inBatch := make(map[string]bool, len(specs))
	for _, spec := range specs {
		inBatch[spec.ID] = true
	}

	indegree := make(map[string]int, len(specs))
	children := make(map[string][]string)
	for _, spec := range specs {
		indegree[spec.ID] += 0
		for _, parentID := range spec.ParentIDs {
			if !inBatch[parentID] {
				continue
			}
			indegree[spec.ID]++
			children[parentID] = append(children[parentID], spec.ID)
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if visited != len(specs) {
		return fmt.Errorf("submission contains a dependency cycle")
	}
	return nil
}

// initialState places a new job on the state machine: unfinished parents
// hold it in AWAITING_PARENTS; otherwise it is READY, and with nothing to
// stage in it enters STAGED_IN directly and is immediately acquirable.
func (s *Server) initialState(r *http.Request, spec jobSpec) (model.JobState, error) {
	for _, parentID := range spec.ParentIDs {
		parent, err := s.store.GetJob(r.Context(), parentID)
		if err != nil {
			return "", err
		}
		// Parents inside the same batch are never finished yet.
		if parent == nil || parent.State != model.JobStateFinished {
			return model.JobStateAwaitingParents, nil
		}
	}

	for _, tr := range spec.Transfers {
		if tr.Direction == model.TransferStageIn {
			return model.JobStateReady, nil
		}
	}
	return model.JobStateStagedIn, nil
}

// normalizeResources fills the resource spec defaults for omitted fields.
func normalizeResources(res model.ResourceSpec) model.ResourceSpec {
	if res.NumNodes == 0 {
		res.NumNodes = 1
	}
	if res.RanksPerNode == 0 {
		res.RanksPerNode = 1
	}
	if res.ThreadsPerRank == 0 {
		res.ThreadsPerRank = 1
	}
	if res.ThreadsPerCore == 0 {
		res.ThreadsPerCore = 1
	}
	if res.NodePackingCount == 0 {
		res.NodePackingCount = 1
	}
	return res
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	if job == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("job", id))
		return
	}
	respondOK(w, reqID, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := model.DefaultListOptions()
	if state := r.URL.Query().Get("state"); state != "" {
		opts.State = state
	}

	jobs, total, err := s.store.ListJobs(r.Context(), opts)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}

	respondList(w, reqID, jobs, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(jobs) < total,
	})
}

func (s *Server) handleBulkUpdateJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var updates []model.JobUpdate
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}

	now := time.Now().UTC()
	for i, u := range updates {
		if u.ID == "" || u.State == "" {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("each update needs id and state"))
			return
		}
		if u.StateTimestamp.IsZero() {
			updates[i].StateTimestamp = now
		}
	}

	if err := s.store.BulkUpdateJobs(r.Context(), updates); err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}

	s.logger.Info("jobs updated", "count", len(updates))
	respondOK(w, reqID, map[string]any{"updated": len(updates)})
}
