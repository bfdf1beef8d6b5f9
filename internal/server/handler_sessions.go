package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/me/gohpc/pkg/model"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		SiteID     string `json:"site_id"`
		BatchJobID string `json:"batch_job_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}
	if req.SiteID == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "site_id", Message: "site_id is required"}))
		return
	}

	now := time.Now().UTC()
	sess := &model.Session{
		ID:         "ses_" + uuid.New().String(),
		SiteID:     req.SiteID,
		BatchJobID: req.BatchJobID,
		Heartbeat:  now,
		CreatedAt:  now,
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}

	s.logger.Info("session created", "id", sess.ID, "site_id", sess.SiteID)
	respondCreated(w, reqID, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	respondOK(w, reqID, sessions)
}

func (s *Server) handleTickSession(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	now := time.Now().UTC()
	if err := s.store.TickSession(r.Context(), id, now); err != nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("session", id))
		return
	}
	respondOK(w, reqID, map[string]any{"id": id, "heartbeat": now})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("session", id))
		return
	}

	s.logger.Info("session deleted", "id", id)
	respondOK(w, reqID, map[string]any{"id": id, "deleted": true})
}

func (s *Server) handleAcquireJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var spec model.AcquireSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}
	if spec.MaxNumJobs <= 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "max_num_jobs", Message: "max_num_jobs must be positive"}))
		return
	}

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	if sess == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("session", id))
		return
	}

	jobs, err := s.store.AcquireJobs(r.Context(), id, spec)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}

	// Acquire counts as liveness: refresh the heartbeat alongside.
	if err := s.store.TickSession(r.Context(), id, time.Now().UTC()); err != nil {
		s.logger.Warn("heartbeat refresh after acquire failed", "session_id", id, "error", err)
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}
	s.logger.Info("jobs acquired", "session_id", id, "count", len(jobs))
	respondOK(w, reqID, jobs)
}
