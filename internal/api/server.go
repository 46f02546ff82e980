// Package api exposes the request/response surface consumed by operators
// and external tooling: mutation submission, fitness, sync, rollback,
// healing, and a WebSocket event stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/helixdyn/helix/internal/audit"
	"github.com/helixdyn/helix/internal/autonomy"
	"github.com/helixdyn/helix/internal/dna"
	"github.com/helixdyn/helix/internal/events"
	"github.com/helixdyn/helix/internal/fitness"
	"github.com/helixdyn/helix/internal/healer"
	"github.com/helixdyn/helix/internal/mutation"
	"github.com/helixdyn/helix/internal/rollback"
	"github.com/helixdyn/helix/internal/scheduler"
	"github.com/helixdyn/helix/internal/security"
	"github.com/helixdyn/helix/internal/syncq"
)

// Server is the HTTP API server.
type Server struct {
	port       int
	store      *dna.Store
	engine     *mutation.Engine
	controller *autonomy.Controller
	rollback   *rollback.Manager
	monitor    *fitness.Monitor
	queue      *syncq.Queue
	heal       *healer.Healer
	auditLog   *audit.Log
	bus        *events.Bus
	sched      *scheduler.Scheduler
	jwtSecret  []byte
	logger     *slog.Logger
	httpServer *http.Server
	startedAt  time.Time
}

// Deps carries the components the server fronts.
type Deps struct {
	Store      *dna.Store
	Engine     *mutation.Engine
	Controller *autonomy.Controller
	Rollback   *rollback.Manager
	Monitor    *fitness.Monitor
	Queue      *syncq.Queue
	Healer     *healer.Healer
	AuditLog   *audit.Log
	Bus        *events.Bus
	Scheduler  *scheduler.Scheduler
	JWTSecret  []byte
}

// NewServer creates the API server.
func NewServer(port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:       port,
		store:      deps.Store,
		engine:     deps.Engine,
		controller: deps.Controller,
		rollback:   deps.Rollback,
		monitor:    deps.Monitor,
		queue:      deps.Queue,
		heal:       deps.Healer,
		auditLog:   deps.AuditLog,
		bus:        deps.Bus,
		sched:      deps.Scheduler,
		jwtSecret:  deps.JWTSecret,
		logger:     logger.With("component", "api"),
	}
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/fitness", s.handleFitness)
	mux.HandleFunc("/api/snapshots", s.handleSnapshots)
	mux.HandleFunc("/api/audit", s.handleAudit)
	mux.HandleFunc("/api/events", s.handleEventsWS)

	// State-changing routes require a token when a JWT secret is set.
	mux.Handle("/api/mutate", s.auth(http.HandlerFunc(s.handleMutate)))
	mux.Handle("/api/mutations", s.auth(http.HandlerFunc(s.handleMutations)))
	mux.Handle("/api/mutations/", s.auth(http.HandlerFunc(s.handleMutationDetail)))
	mux.Handle("/api/sync", s.auth(http.HandlerFunc(s.handleSync)))
	mux.Handle("/api/rollback", s.auth(http.HandlerFunc(s.handleRollback)))
	mux.Handle("/api/heal", s.auth(http.HandlerFunc(s.handleHeal)))
	mux.Handle("/api/autonomy", s.auth(http.HandlerFunc(s.handleAutonomy)))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.corsMiddleware(s.loggingMiddleware(mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.startedAt = time.Now()

	s.logger.Info("API server starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) auth(next http.Handler) http.Handler {
	return security.Middleware(s.jwtSecret, next)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleStatus returns a system overview.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	queueStatus, err := s.queue.Status()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	auditStatus, err := s.auditLog.Status()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := map[string]any{
		"version":        "0.1.0",
		"uptime":         time.Since(s.startedAt).String(),
		"generation":     s.store.Generation(),
		"autonomy_level": s.store.AutonomyLevel(),
		"snapshots":      s.rollback.Count(),
		"guard":          s.controller.Guard().Status(),
		"sync_queue":     queueStatus,
		"audit":          auditStatus,
		"scheduler":      s.sched.Stats(),
	}
	writeJSON(w, http.StatusOK, status)
}
