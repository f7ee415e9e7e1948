// Package httpapi exposes the episode queue's primary API — Enqueue, Get,
// List, Stop, Retry, StreamProgress — over plain net/http, plus /health and
// /v1/queue/stats for operational visibility.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/s1366560/memstack-sub002/internal/queue"
)

// Server wraps a queue.Service behind an http.Handler.
type Server struct {
	svc *queue.Service
	mux *http.ServeMux
}

// New builds a Server and registers its routes.
func New(svc *queue.Service) *Server {
	s := &Server{svc: svc, mux: http.NewServeMux()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/v1/queue/stats", s.handleStats)
	s.mux.HandleFunc("/v1/tasks", s.handleTasksCollection)
	s.mux.HandleFunc("/v1/tasks/", s.handleTaskItem)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.svc.SchedulerStats()
	writeJSON(w, http.StatusOK, stats)
}

type enqueueRequest struct {
	Kind        string `json:"kind"`
	GroupID     string `json:"group_id"`
	Payload     []byte `json:"payload"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

type enqueueResponse struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleTasksCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleEnqueue(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Kind == "" || req.GroupID == "" {
		http.Error(w, "kind and group_id are required", http.StatusBadRequest)
		return
	}

	id, err := s.svc.Enqueue(r.Context(), req.Kind, req.GroupID, req.Payload, queue.EnqueueOpts{MaxAttempts: req.MaxAttempts})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enqueueResponse{TaskID: id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := queue.ListFilter{
		GroupID:  q.Get("group_id"),
		Kind:     q.Get("kind"),
		Status:   queue.Status(q.Get("status")),
		EntityID: q.Get("entity_id"),
	}
	page := queue.Pagination{}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		page.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		page.Offset = offset
	}

	recs, err := s.svc.List(r.Context(), filter, page)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleTaskItem dispatches /v1/tasks/{id}[/stop|/retry|/stream].
func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path[len("/v1/tasks/"):]
	id, action := splitAction(path)
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch action {
	case "":
		s.handleGet(w, r, id)
	case "stop":
		s.handleStop(w, r, id)
	case "retry":
		s.handleRetry(w, r, id)
	case "stream":
		s.handleStream(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func splitAction(path string) (id, action string) {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := s.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type stopResponse struct {
	Accepted bool `json:"accepted"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ok, err := s.svc.Stop(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stopResponse{Accepted: ok})
}

type retryResponse struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	newID, err := s.svc.Retry(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, retryResponse{TaskID: newID})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := s.svc.StreamProgress(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("stream: marshal event failed", "task_id", id, "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if ev.Status.Terminal() {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch err {
	case queue.ErrNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case queue.ErrDuplicateTaskID:
		http.Error(w, err.Error(), http.StatusConflict)
	case queue.ErrUnknownKind:
		http.Error(w, err.Error(), http.StatusBadRequest)
	case queue.ErrNotFailed:
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

