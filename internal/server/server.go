// Package server exposes the execution engine over a WebSocket live channel
// and a small REST API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/codebuddy/internal/auth"
	"github.com/michaelbrown/codebuddy/internal/engine"
	"github.com/michaelbrown/codebuddy/internal/storage"
)

// Server is the HTTP server for the codebuddy API.
type Server struct {
	engine   *engine.Orchestrator
	store    storage.Store
	auth     auth.Authenticator
	channels *channelSet
	router   chi.Router
	http     *http.Server
	log      *logrus.Entry
}

// New creates a new Server.
func New(eng *engine.Orchestrator, store storage.Store, authn auth.Authenticator) *Server {
	s := &Server{
		engine:   eng,
		store:    store,
		auth:     authn,
		channels: newChannelSet(),
		router:   chi.NewRouter(),
		log:      logrus.WithField("component", "server"),
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

	// Live channel (no JSON content-type)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Get("/health", s.handleHealth)
		r.Get("/languages", s.handleLanguages)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.auth))
			r.Post("/programs", s.handleCreateProgram)
			r.Get("/programs", s.handleListPrograms)
			r.Get("/programs/{id}", s.handleGetProgram)
		})
	})

	// Operator console fallback
	r.Handle("/*", consoleHandler())
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Infof("codebuddy server starting on http://localhost%s", addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, cancels running sessions so each emits
// its terminal event, then closes the live channels.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var errs []error
	if s.http != nil {
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := s.engine.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	s.channels.CloseAll()
	return errors.Join(errs...)
}

// RunRecorder returns an engine OnFinish hook that stores run history.
func RunRecorder(store storage.Store) func(engine.Summary) {
	log := logrus.WithField("component", "history")
	return func(sum engine.Summary) {
		run := &storage.Run{
			ID:         sum.SessionID,
			Language:   string(sum.Language),
			Executor:   sum.Executor,
			Status:     string(sum.Status),
			ExitCode:   sum.ExitCode,
			Stdout:     sum.Stdout,
			Stderr:     sum.Stderr,
			Detail:     sum.Detail,
			StartedAt:  sum.StartedAt,
			FinishedAt: sum.FinishedAt,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.RecordRun(ctx, run); err != nil {
			log.WithField("session", sum.SessionID).Warnf("recording run: %v", err)
		}
	}
}
