// Package server exposes the orchestration engine over a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/load28/a-dev/internal/engine"
	"github.com/load28/a-dev/internal/graph"
	"github.com/load28/a-dev/internal/store"
	"github.com/load28/a-dev/pkg/models"
)

// Server is the HTTP API server.
type Server struct {
	engine *engine.Engine
	addr   string
	mux    *http.ServeMux
}

// NewServer creates a new API server.
func NewServer(eng *engine.Engine, addr string) *Server {
	s := &Server{
		engine: eng,
		addr:   addr,
		mux:    http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /api/composite-tasks", s.createCompositeHandler)
	s.mux.HandleFunc("GET /api/composite-tasks/{id}", s.getCompositeHandler)
	s.mux.HandleFunc("POST /api/composite-tasks/{id}/orchestrate", s.orchestrateHandler)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.getTaskHandler)
	s.mux.HandleFunc("POST /api/tasks/{id}/cancel", s.cancelTaskHandler)
	s.mux.HandleFunc("POST /api/callbacks", s.callbackHandler)
	s.mux.HandleFunc("GET /api/stats", s.statsHandler)
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	return http.ListenAndServe(s.addr, s.mux)
}

func (s *Server) createCompositeHandler(w http.ResponseWriter, r *http.Request) {
	var req engine.CompositeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	c, err := s.engine.CreateCompositeTask(req)
	if err != nil {
		var gerrs graph.Errors
		if errors.As(err, &gerrs) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]any{"errors": gerrs})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(c)
}

func (s *Server) getCompositeHandler(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.GetCompositeTask(r.PathValue("id"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	subtasks, err := s.engine.ListSubtasks(c.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"composite_task": c,
		"subtasks":       subtasks,
	})
}

func (s *Server) orchestrateHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dispatched, err := s.engine.Orchestrate(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, map[string]any{"status": "orchestrating", "id": id, "dispatched": dispatched})
}

func (s *Server) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.GetTask(r.PathValue("id"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, t)
}

func (s *Server) cancelTaskHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.CancelTask(r.Context(), id); err != nil {
		var cerr *store.ConsistencyError
		if errors.As(err, &cerr) {
			writeError(w, http.StatusConflict, cerr.Error())
			return
		}
		writeLookupError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "cancelled", "id": id})
}

func (s *Server) callbackHandler(w http.ResponseWriter, r *http.Request) {
	var cb models.ExecutionCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid callback body: "+err.Error())
		return
	}
	if cb.TaskID == "" {
		writeError(w, http.StatusBadRequest, "callback has no task_id")
		return
	}

	// The reduction is idempotent, so redelivered callbacks are safe to
	// accept with a 200.
	action, err := s.engine.ReceiveCallback(context.WithoutCancel(r.Context()), cb)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, map[string]string{"action": action.String()})
}

func (s *Server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.engine.Statistics()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, stats)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
