// Package api exposes session processing over HTTP.
//
// Message processing streams events as NDJSON: one JSON object per line,
// flushed as soon as the session emits it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rlm/pkg/checkpoint"
	"rlm/pkg/logx"
	"rlm/pkg/session"
	"rlm/pkg/version"
)

const (
	defaultLogLines = 100
	maxLogLines     = 1000
	maxBodyBytes    = 1 << 20

	readHeaderTimeout = 10 * time.Second
)

// Sessions is the session manager surface the server needs.
type Sessions interface {
	CreateSession(cfg session.SessionConfig) (*session.Controller, error)
	Lookup(id string) (*session.Controller, bool)
	GetSession(id string) *session.Controller
	ListSessions() []session.Status
	DeleteSession(ctx context.Context, id string) error
}

// Server serves the session API.
type Server struct {
	sessions Sessions
	gatherer prometheus.Gatherer
	logger   *logx.Logger
	http     *http.Server
}

// NewServer creates a server. gatherer may be nil to serve the default
// Prometheus registry.
func NewServer(sessions Sessions, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		sessions: sessions,
		gatherer: gatherer,
		logger:   logx.NewLogger("api"),
	}
}

// Name identifies the server as a shutdown component.
func (s *Server) Name() string { return "http-server" }

// RegisterRoutes registers the API handlers on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleMessage)
	mux.HandleFunc("POST /api/sessions/{id}/abort", s.handleAbort)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// Handler returns the API as an http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Start listens on addr in the background.
func (s *Server) Start(addr string) {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.logger.Info("Starting API server on %s", addr)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error: %v", err)
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.logger.Info("Shutting down API server")
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}
	return nil
}

type createSessionRequest struct {
	ID   string `json:"id,omitempty"`
	Task string `json:"task,omitempty"`
}

type messageRequest struct {
	Text string `json:"text"`
}

// handleCreateSession implements POST /api/sessions.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	c, err := s.sessions.CreateSession(session.SessionConfig{ID: req.ID, Task: req.Task})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrSessionExists):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, checkpoint.ErrInvalidSessionID):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case c == nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	default:
		// Registered but failed to start.
		s.logger.Warn("Session %s created but not started: %v", c.ID(), err)
	}
	s.writeJSON(w, http.StatusCreated, c.Status())
}

// handleListSessions implements GET /api/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sessions.ListSessions())
}

// handleGetSession implements GET /api/sessions/{id}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	c, ok := s.sessions.Lookup(r.PathValue("id"))
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, c.Status())
}

// handleDeleteSession implements DELETE /api/sessions/{id}.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	err := s.sessions.DeleteSession(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, session.ErrSessionNotFound):
		http.Error(w, "Session not found", http.StatusNotFound)
	case errors.Is(err, checkpoint.ErrInvalidSessionID):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("Failed to delete session: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleAbort implements POST /api/sessions/{id}/abort.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	c, ok := s.sessions.Lookup(r.PathValue("id"))
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	c.Abort()
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"message": "Abort requested",
	})
}

// handleMessage implements POST /api/sessions/{id}/messages. Unknown IDs get
// a fresh session, so a client can pick its own session ID.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	c := s.sessions.GetSession(r.PathValue("id"))
	if c == nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	evs, err := c.ProcessUserMessage(r.Context(), req.Text)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrEmptyTask):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, session.ErrAlreadyRunning), errors.Is(err, session.ErrNoCheckpoint):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			// The run continues; the client can reattach with "continue".
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				s.logger.Debug("Client for session %s went away: %v", c.ID(), err)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// handleLogs implements GET /api/logs?n=.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLines
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "Invalid n parameter", http.StatusBadRequest)
			return
		}
		n = min(parsed, maxLogLines)
	}
	s.writeJSON(w, http.StatusOK, logx.RecentEntries(n))
}

// handleHealth implements GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}

// decodeBody reads a JSON request body. An empty body is accepted when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}
