package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/itsacoffee/aura-video-studio/internal/config"
	"github.com/itsacoffee/aura-video-studio/internal/gateway"
	"github.com/itsacoffee/aura-video-studio/internal/models"
	"github.com/itsacoffee/aura-video-studio/internal/progress"
	"github.com/itsacoffee/aura-video-studio/internal/store"
	"github.com/itsacoffee/aura-video-studio/internal/telemetry"
)

// Canceller stops a job running in the engine process.
type Canceller interface {
	CancelRunning(jobID string) bool
}

// Engine exposes the worker-process endpoints: the live progress stream and
// the fallback decision surface. These live with the worker because the
// progress hub and lock table are in-process state.
type Engine struct {
	cfg       config.Config
	store     *store.Store
	hub       *progress.Hub
	gw        *gateway.Gateway
	canceller Canceller
}

func NewEngine(cfg config.Config, st *store.Store, hub *progress.Hub, gw *gateway.Gateway, canceller Canceller) *Engine {
	return &Engine{cfg: cfg, store: st, hub: hub, gw: gw, canceller: canceller}
}

// Router builds the engine router.
func (e *Engine) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/jobs/{id}/events", e.handleEvents)
	r.Post("/jobs/{id}/cancel", e.handleCancel)
	r.Get("/jobs/{id}/stages/{stage}/fallback-options", e.handleFallbackOptions)
	r.Post("/jobs/{id}/stages/{stage}/fallback", e.handleConfirmFallback)
	return r
}

// handleEvents streams job progress as SSE. A reconnecting client passes its
// last seen sequence via the Last-Event-ID header or ?last_seen= and gets
// the replay window from there; events older than the window surface as a
// missed_events notice, never as a silent gap.
func (e *Engine) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	var lastSeen uint64
	resume := false
	raw := r.Header.Get("Last-Event-ID")
	if v := r.URL.Query().Get("last_seen"); v != "" {
		raw = v
	}
	if raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid last_seen", http.StatusBadRequest)
			return
		}
		lastSeen = n
		resume = true
	}

	progress.ServeSSE(w, r, e.hub, jobID, lastSeen, resume, e.cfg.KeepaliveInterval)
}

// handleCancel is the in-process fast path: it marks the job cancelled and
// interrupts it immediately instead of waiting for the status poll.
func (e *Engine) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := e.store.GetJob(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if models.Terminal(job.Status) {
		http.Error(w, "job already "+job.Status, http.StatusConflict)
		return
	}
	if err := e.store.MarkCancelled(r.Context(), jobID); err != nil {
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	interrupted := false
	if e.canceller != nil {
		interrupted = e.canceller.CancelRunning(jobID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      models.StatusCancelled,
		"interrupted": interrupted,
	})
}

func (e *Engine) handleFallbackOptions(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	stage := chi.URLParam(r, "stage")

	l, ok := e.gw.Locks().Get(jobID, stage)
	if !ok {
		http.Error(w, "no active lock for stage", http.StatusNotFound)
		return
	}
	p, err := e.gw.Provider(l.Provider())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":   jobID,
		"stage":   stage,
		"current": l.Provider(),
		"band":    l.Band().String(),
		"options": e.gw.FallbackOptions(p.Class(), l.Provider()),
	})
}

type fallbackRequest struct {
	ToProvider string `json:"to_provider"`
	Reason     string `json:"reason"`
}

func (e *Engine) handleConfirmFallback(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	stage := chi.URLParam(r, "stage")

	var req fallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ToProvider) == "" {
		http.Error(w, "to_provider is required", http.StatusBadRequest)
		return
	}

	job, err := e.store.GetJob(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	l, err := e.gw.ConfirmFallback(r.Context(), jobID, stage, req.ToProvider, req.Reason, job.CorrelationID)
	if err != nil {
		if errors.Is(err, gateway.ErrProviderNotLocked) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":    jobID,
		"stage":    stage,
		"provider": l.Provider(),
	})
}
