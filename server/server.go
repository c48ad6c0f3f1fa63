// Package server exposes the enrichment engine's control surface over HTTP:
// start/pause/resume/status endpoints plus a websocket progress stream.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/CamiloMaria/catalog-enrichment/enrich"
	"github.com/CamiloMaria/catalog-enrichment/errors"
)

const maxStartBodySize = 1 << 20 // 1MB

// Controller is the slice of the engine the HTTP layer needs.
type Controller interface {
	Start(ctx context.Context, opts enrich.Options) (string, error)
	Pause() error
	Resume() error
	Status() enrich.Status
}

// Server serves the enrichment control API.
type Server struct {
	controller Controller
	logger     *zap.SugaredLogger
	upgrader   websocket.Upgrader

	// statusInterval paces the websocket stream; defaults to one second.
	statusInterval time.Duration
}

// New creates a server over the given controller.
func New(controller Controller, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{
		controller: controller,
		logger:     logger.Named("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		statusInterval: time.Second,
	}
}

// Handler returns the HTTP routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/enrichment", func(r chi.Router) {
		r.Post("/start", s.handleStart)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Get("/status", s.handleStatus)
	})
	r.Get("/ws/enrichment", s.handleStatusStream)

	return r
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxStartBodySize)
	defer r.Body.Close()

	var opts enrich.Options
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	runID, err := s.controller.Start(r.Context(), opts)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Pause(); err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Resume(); err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Status())
}

// handleStatusStream upgrades to a websocket and pushes status snapshots on
// a ticker until the client disconnects.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Reader goroutine exists only to observe the close; incoming frames
	// are discarded.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	// Immediate snapshot so clients render without waiting a full tick.
	if err := conn.WriteJSON(s.controller.Status()); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ticker.C:
			if err := conn.WriteJSON(s.controller.Status()); err != nil {
				return
			}
		}
	}
}

// writeControllerError maps engine errors onto HTTP statuses: conflicts
// (job already running, nothing to pause/resume) become 409.
func (s *Server) writeControllerError(w http.ResponseWriter, err error) {
	if errors.IsConflictError(err) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.logger.Errorw("Enrichment control request failed", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already out; an encode failure here has nowhere to go.
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
