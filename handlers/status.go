// Package handlers serves the HTTP telemetry and control surface of a
// playback session.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/savid/playcore/internal/engine"
	"github.com/savid/playcore/internal/flow"
	"github.com/savid/playcore/internal/types"
)

// Session is the view of a playback session served over HTTP.
type Session interface {
	ID() string
	MRL() string
	Stats() []types.QueueStats
	ArenaStats() []types.ArenaStats
	Flow() flow.Snapshot
	Seek(ctx context.Context) error
	Discontinuity(ctx context.Context) error
	End(ctx context.Context) error
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	session Session
	logger  *logrus.Logger
	started time.Time
}

// NewHandlers creates handlers for session.
func NewHandlers(session Session, logger *logrus.Logger) *Handlers {
	return &Handlers{
		session: session,
		logger:  logger,
		started: time.Now(),
	}
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Session string `json:"session"`
	MRL     string `json:"mrl"`
	State   string `json:"state"`
	Uptime  string `json:"uptime"`
}

// QueuesResponse is returned by GET /debug/queues.
type QueuesResponse struct {
	Queues []types.QueueStats `json:"queues"`
	Arenas []types.ArenaStats `json:"arenas"`
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Session: h.session.ID(),
		MRL:     h.session.MRL(),
		State:   h.session.Flow().StateName,
		Uptime:  time.Since(h.started).Truncate(time.Second).String(),
	})
}

// Queues handles GET /debug/queues.
func (h *Handlers) Queues(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, QueuesResponse{
		Queues: h.session.Stats(),
		Arenas: h.session.ArenaStats(),
	})
}

// Flow handles GET /debug/flow.
func (h *Handlers) Flow(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Flow())
}

// Control handles POST /session/{action} for seek, discontinuity and end.
func (h *Handlers) Control(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")

	var op func(context.Context) error
	switch action {
	case "seek":
		op = h.session.Seek
	case "discontinuity":
		op = h.session.Discontinuity
	case "end":
		op = h.session.End
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown action " + action})
		return
	}

	if err := op(r.Context()); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, engine.ErrSessionClosed):
			status = http.StatusConflict
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			status = http.StatusServiceUnavailable
		}
		h.logger.WithError(err).WithField("action", action).Warn("Session control failed")
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	h.logger.WithField("action", action).Info("Session control applied")
	writeJSON(w, http.StatusOK, h.session.Flow())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
