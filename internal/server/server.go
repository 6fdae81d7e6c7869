// Package server is the calcjob REST API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/calcjob/internal/config"
	"github.com/me/calcjob/internal/metrics"
	"github.com/me/calcjob/internal/store"
	"github.com/me/calcjob/pkg/model"
)

// JobController creates jobs and forwards kill requests.
type JobController interface {
	Submit(ctx context.Context, desc model.JobDescription) (*model.JobRecord, error)
	Kill(ctx context.Context, id string) (*model.KillResponse, error)
}

// Loop is the background controller started by StartController.
type Loop interface {
	Start(ctx context.Context) error
}

// Server is the calcjob REST API server.
type Server struct {
	router         chi.Router
	logger         *slog.Logger
	config         config.ServerConfig
	startTime      time.Time
	store          store.Store
	jobs           JobController
	loop           Loop
	metrics        *metrics.Metrics
	metricsHandler http.Handler
	computers      []string
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithMetrics records request metrics and serves the scrape handler at /metrics.
func WithMetrics(m *metrics.Metrics, handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsHandler = handler
	}
}

// WithLoop sets the controller loop started by StartController.
func WithLoop(l Loop) Option {
	return func(s *Server) {
		s.loop = l
	}
}

// WithComputers lists the configured computers in the health report.
func WithComputers(names []string) Option {
	return func(s *Server) {
		s.computers = names
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, st store.Store, jobs JobController, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		store:     st,
		jobs:      jobs,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// StartController begins the controller loop in a background goroutine.
func (s *Server) StartController(ctx context.Context) {
	if s.loop == nil {
		return
	}
	go func() {
		if err := s.loop.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("controller stopped", "error", err)
		}
	}()
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
	if s.metrics != nil {
		r.Use(metricsMiddleware(s.metrics))
	}

	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Jobs
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleCreateJob)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Put("/kill", s.handleKillJob)
			})
		})
	})
}
