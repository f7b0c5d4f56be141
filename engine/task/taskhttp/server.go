package taskhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/corpusworks/corpus/engine/task"
	"github.com/corpusworks/corpus/store"
	"github.com/corpusworks/corpus/telemetry"
)

// Server exposes a task.Router over HTTP. Mount it under /api/v1/worker.
type Server struct {
	router task.Router
	log    telemetry.Logger
	hold   time.Duration
}

// NewServer wraps router for HTTP serving. hold caps how long an empty poll
// is kept open; zero means DefaultHold.
func NewServer(router task.Router, log telemetry.Logger, hold time.Duration) *Server {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	if hold <= 0 {
		hold = DefaultHold
	}
	return &Server{router: router, log: log, hold: hold}
}

// Mount registers the worker endpoints on r. Use with
// chi's Route: r.Route("/api/v1/worker", srv.Mount).
func (s *Server) Mount(r chi.Router) {
	r.Post("/poll", s.handlePoll)
	r.Post("/complete", s.handleComplete)
	r.Post("/fail", s.handleFail)
	r.Post("/heartbeat", s.handleHeartbeat)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Queue == "" || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "queue and worker_id are required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.hold)
	defer cancel()
	t, err := s.router.PollTask(ctx, req.Queue, req.WorkerID)
	switch {
	case errors.Is(err, store.ErrNoTask):
		w.WriteHeader(http.StatusNoContent)
		return
	case errors.Is(err, context.Canceled):
		// Client went away mid-hold; nothing to answer.
		return
	case err != nil:
		s.log.Error(r.Context(), "poll failed", "queue", req.Queue, "err", err)
		writeError(w, http.StatusInternalServerError, "poll failed")
		return
	}
	writeJSON(w, http.StatusOK, toWire(t))
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	if err := s.router.CompleteTask(r.Context(), req.TaskID, req.Result); err != nil {
		s.log.Error(r.Context(), "complete failed", "task_id", req.TaskID, "err", err)
		writeError(w, http.StatusInternalServerError, "complete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	if err := s.router.FailTask(r.Context(), req.TaskID, req.Failure); err != nil {
		s.log.Error(r.Context(), "fail report failed", "task_id", req.TaskID, "err", err)
		writeError(w, http.StatusInternalServerError, "fail report failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	ack, err := s.router.Heartbeat(r.Context(), req.TaskID, req.Progress)
	if err != nil {
		s.log.Error(r.Context(), "heartbeat failed", "task_id", req.TaskID, "err", err)
		writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}
