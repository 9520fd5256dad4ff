// Package server exposes the engine over a localhost HTTP API with a
// Server-Sent Events stream for lifecycle notifications.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/membank/bankd/internal/config"
	"github.com/membank/bankd/internal/engine"
	"github.com/membank/bankd/internal/events"
	"github.com/membank/bankd/internal/server/sse"
)

// Service is the HTTP front end over the engine.
type Service struct {
	version     string
	cfg         *config.Config
	engine      *engine.Engine
	broadcaster *sse.Broadcaster
	router      chi.Router
	httpServer  *http.Server
	startTime   time.Time
	ready       atomic.Bool
	listenerID  int
}

// NewService creates the service and wires the event stream to the engine's
// bus. Call Start to begin serving.
func NewService(version string, cfg *config.Config, eng *engine.Engine) *Service {
	svc := &Service{
		version:     version,
		cfg:         cfg,
		engine:      eng,
		broadcaster: sse.NewBroadcaster(),
		router:      chi.NewRouter(),
		startTime:   time.Now(),
	}

	svc.listenerID = eng.Bus().Subscribe(func(e events.Event) {
		svc.broadcaster.Broadcast(e)
	})

	svc.setupRoutes()
	return svc
}

func (s *Service) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
		r.Get("/version", s.handleVersion)
		r.Get("/events", s.broadcaster.HandleSSE)

		r.Group(func(r chi.Router) {
			r.Use(s.requireReady)

			r.Post("/execute", s.handleExecute)
			r.Post("/background", s.handleBackground)
			r.Delete("/background/{id}", s.handleStopBackground)
			r.Get("/processes", s.handleProcesses)

			r.Post("/mode", s.handleSwitchMode)

			r.Post("/checkpoints", s.handleCreateCheckpoint)
			r.Get("/checkpoints", s.handleListCheckpoints)
			r.Get("/checkpoints/{id}", s.handleGetCheckpoint)
			r.Delete("/checkpoints/{id}", s.handleDeleteCheckpoint)

			r.Post("/rewind", s.handleRewind)
			r.Post("/rewind/undo", s.handleUndoRewind)
			r.Get("/rewind/history", s.handleRewindHistory)

			r.Post("/sessions", s.handleStartSession)
			r.Delete("/sessions/current", s.handleEndSession)
			r.Get("/sessions", s.handleListSessions)

			r.Get("/stats", s.handleStats)
			r.Get("/timeline/executions", s.handleTimelineExecutions)
		})
	})
}

// requireReady rejects requests until the service finished starting up.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeError(w, http.StatusServiceUnavailable, "service is starting up")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Router exposes the configured router, mainly for tests.
func (s *Service) Router() chi.Router {
	return s.router
}

// Start binds the localhost listener and serves until Shutdown.
func (s *Service) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.ready.Store(true)
	log.Info().Str("addr", addr).Str("version", s.version).Msg("HTTP server listening")

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.engine.Bus().Unsubscribe(s.listenerID)
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
