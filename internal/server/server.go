// Package server exposes the execution service's REST and WebSocket surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/michaelbrown/codelab/internal/config"
	"github.com/michaelbrown/codelab/internal/exec"
	"github.com/michaelbrown/codelab/internal/metrics"
	"github.com/michaelbrown/codelab/internal/session"
)

// Server is the HTTP server for the code-execution session API.
type Server struct {
	cfg          *config.Config
	sessions     *session.Manager
	orchestrator *exec.Orchestrator
	logger       *zap.Logger
	router       chi.Router
	http         *http.Server
}

// New creates a new Server.
func New(cfg *config.Config, sessions *session.Manager, orchestrator *exec.Orchestrator, logger *zap.Logger) *Server {
	s := &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		logger:       logger,
		router:       chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Route("/api/v2", func(r chi.Router) {
		r.Use(jsonContentType)

		// Sessions
		r.Post("/sessions/create", s.handleCreateSession)
		r.Get("/sessions/{session_id}", s.handleGetSession)
		r.Post("/sessions/{session_id}/touch", s.handleTouchSession)
		r.Delete("/sessions/{session_id}", s.handleCloseSession)
		r.Get("/sessions/{session_id}/executions", s.handleListExecutions)

		// Code workspace
		r.Post("/code/load", s.handleLoadTemplate)
		r.Get("/code/{session_id}/files", s.handleListFiles)
		r.Put("/code/{session_id}/edit", s.handleEditFile)

		// Executions
		r.Post("/execution/start", s.handleStartExecution)
		r.Get("/execution/{execution_id}", s.handleGetExecution)
		r.Post("/execution/{execution_id}/cancel", s.handleCancelExecution)
		r.Get("/execution/{execution_id}/result", s.handleGetResult)

		// WebSocket (no JSON content-type)
		r.Get("/execution/ws/{execution_id}", s.handleExecutionWS)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())
}

// Handler returns the underlying router (useful for tests).
func (s *Server) Handler() http.Handler {
	return s.router
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	s.logger.Info("server starting", zap.String("addr", addr))
	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
