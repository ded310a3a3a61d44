// Package server implements the Control API (C4): queue CRUD, lifecycle
// control, the SSE event stream, and the busy-agents read endpoint.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/taskmesh/queueengine/agent"
	"github.com/taskmesh/queueengine/config"
	"github.com/taskmesh/queueengine/queue"
	"github.com/taskmesh/queueengine/scheduler"
)

// Server is the task queue engine's HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	store      queue.Store
	agents     *agent.Registry
	schedulers *scheduler.Manager

	startTime time.Time
	version   string
}

// New creates a Server wired to store, agents, and schedulers. Call Start
// to begin listening.
func New(cfg config.Config, store queue.Store, agents *agent.Registry, schedulers *scheduler.Manager, ver string, logger *slog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		mux:        http.NewServeMux(),
		logger:     logger,
		store:      store,
		agents:     agents,
		schedulers: schedulers,
		startTime:  time.Now(),
		version:    ver,
	}
	s.registerRoutes()
	return s
}

// Start begins listening. Blocks until the server stops or errors.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes wires every Control API endpoint (spec §4.4), each wrapped
// in the HTTP hygiene headers the spec mandates uniformly.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/queue", s.hygiene(s.handleCreateQueue))
	s.mux.HandleFunc("GET /api/queue/{id}", s.hygiene(s.handleGetQueue))
	s.mux.HandleFunc("DELETE /api/queue/{id}", s.hygiene(s.handleDeleteQueue))
	s.mux.HandleFunc("GET /api/queues", s.hygiene(s.handleListQueues))
	s.mux.HandleFunc("POST /api/queue/{id}/start", s.hygiene(s.handleStartQueue))
	s.mux.HandleFunc("POST /api/queue/{id}/pause", s.hygiene(s.handlePauseQueue))
	s.mux.HandleFunc("POST /api/queue/{id}/resume", s.hygiene(s.handleResumeQueue))
	s.mux.HandleFunc("POST /api/queue/{id}/tasks/{taskId}/retry", s.hygiene(s.handleRetryTask))
	s.mux.HandleFunc("GET /api/queue/busy-agents", s.hygiene(s.handleBusyAgents))
	s.mux.HandleFunc("GET /api/status", s.hygiene(s.handleStatus))

	// The streaming endpoint gets the same hygiene headers; its handler sets
	// the additional streaming headers itself.
	s.mux.HandleFunc("GET /api/queue/stream/{id}", s.hygiene(s.handleStreamQueue))
}

// hygiene applies spec §4.4's uniform cache/CORS headers to every endpoint.
func (s *Server) hygiene(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next(w, r)
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
