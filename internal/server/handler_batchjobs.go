package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/me/gohpc/pkg/model"
)

func (s *Server) handleCreateBatchJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		SiteID         string                    `json:"site_id"`
		Project        string                    `json:"project"`
		Queue          string                    `json:"queue"`
		NumNodes       int                       `json:"num_nodes"`
		WallTimeMin    int                       `json:"wall_time_min"`
		JobMode        model.JobMode             `json:"job_mode"`
		Partitions     []model.BatchJobPartition `json:"partitions"`
		OptionalParams map[string]string         `json:"optional_params"`
		FilterTags     map[string]string         `json:"filter_tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}

	policy, ok := s.sitePolicies[req.SiteID]
	if !ok {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("unknown site",
				model.FieldError{Field: "site_id", Message: req.SiteID}))
		return
	}

	bj := &model.BatchJob{
		ID:             "bj_" + uuid.New().String(),
		SiteID:         req.SiteID,
		Project:        req.Project,
		Queue:          req.Queue,
		NumNodes:       req.NumNodes,
		WallTimeMin:    req.WallTimeMin,
		JobMode:        req.JobMode,
		Partitions:     req.Partitions,
		OptionalParams: req.OptionalParams,
		FilterTags:     req.FilterTags,
		State:          model.BatchJobStatePendingSubmission,
	}
	if bj.JobMode == "" {
		bj.JobMode = model.JobModeMPI
	}

	if err := bj.Validate(policy.AllowedQueues, policy.AllowedProjects, policy.OptionalBatchJobParams); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError(err.Error()))
		return
	}

	if err := s.store.CreateBatchJob(r.Context(), bj); err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}

	s.logger.Info("batch job created", "id", bj.ID, "site_id", bj.SiteID,
		"queue", bj.Queue, "nodes", bj.NumNodes)
	respondCreated(w, reqID, bj)
}

// handlePatchBatchJob applies scheduler-side progress to a batch job: the
// site's sync loop reports the native id after submission and state changes
// observed in status polls. The requested allocation itself is immutable.
func (s *Server) handlePatchBatchJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var patch model.BatchJobPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}

	bj, err := s.store.GetBatchJob(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	if bj == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("batch job", id))
		return
	}

	patch.ApplyTo(bj)
	if err := s.store.UpdateBatchJob(r.Context(), bj); err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}

	s.logger.Info("batch job updated", "id", bj.ID, "state", bj.State,
		"scheduler_id", bj.SchedulerID)
	respondOK(w, reqID, bj)
}

func (s *Server) handleGetBatchJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	bj, err := s.store.GetBatchJob(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	if bj == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("batch job", id))
		return
	}
	respondOK(w, reqID, bj)
}

func (s *Server) handleListBatchJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := model.DefaultListOptions()
	if state := r.URL.Query().Get("state"); state != "" {
		opts.State = state
	}

	batchJobs, total, err := s.store.ListBatchJobs(r.Context(), opts)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}

	respondList(w, reqID, batchJobs, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(batchJobs) < total,
	})
}
