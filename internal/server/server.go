// Package server exposes the REST API: session leasing, job submission and
// bulk status updates, and batch job registration.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/gohpc/internal/config"
	"github.com/me/gohpc/internal/store"
)

// Server is the GoHPC REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	store     store.Store

	// sitePolicies holds the per-site batch job allow-lists, keyed by site id.
	sitePolicies map[string]config.SitePolicy
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, st store.Store, sitePolicies map[string]config.SitePolicy, logger *slog.Logger) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		logger:       logger.With("component", "server"),
		config:       cfg,
		startTime:    time.Now(),
		store:        st,
		sitePolicies: sitePolicies,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		// Health
		r.Get("/healthz", s.handleHealth)

		// Sessions and leasing
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)
			r.Route("/{id}", func(r chi.Router) {
				r.Put("/", s.handleTickSession)
				r.Delete("/", s.handleDeleteSession)
				r.Post("/acquire", s.handleAcquireJobs)
			})
		})

		// Jobs
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleCreateJobs)
			r.Patch("/", s.handleBulkUpdateJobs)
			r.Get("/{id}", s.handleGetJob)
		})

		// Batch jobs
		r.Route("/batch-jobs", func(r chi.Router) {
			r.Get("/", s.handleListBatchJobs)
			r.Post("/", s.handleCreateBatchJob)
			r.Get("/{id}", s.handleGetBatchJob)
			r.Patch("/{id}", s.handlePatchBatchJob)
		})
	})
}
