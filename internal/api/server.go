// Package api exposes the HTTP surfaces: the control plane for job
// submission and lifecycle, and the engine endpoints for live streams and
// fallback decisions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/itsacoffee/aura-video-studio/internal/config"
	"github.com/itsacoffee/aura-video-studio/internal/models"
	"github.com/itsacoffee/aura-video-studio/internal/queue"
	"github.com/itsacoffee/aura-video-studio/internal/ratelimit"
	"github.com/itsacoffee/aura-video-studio/internal/scheduler"
	"github.com/itsacoffee/aura-video-studio/internal/store"
	"github.com/itsacoffee/aura-video-studio/internal/telemetry"
)

// JobStore is the persistence surface the control plane needs.
type JobStore interface {
	CreateJob(ctx context.Context, spec models.JobSpec, priority, maxRetries int) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkCancelled(ctx context.Context, id string) error
	RequeueForRetry(ctx context.Context, id string) error
	DeleteCheckpoints(ctx context.Context, jobID string) error
	ListFallbacks(ctx context.Context, jobID string) ([]models.FallbackDecision, error)
}

// Server wires the control-plane HTTP handlers: submit, inspect, cancel,
// and retry.
type Server struct {
	cfg     config.Config
	store   JobStore
	queue   *queue.Queue
	limiter *ratelimit.Limiter
}

func NewServer(cfg config.Config, st JobStore, q *queue.Queue, limiter *ratelimit.Limiter) *Server {
	return &Server{cfg: cfg, store: st, queue: q, limiter: limiter}
}

// Router builds the control-plane router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/errors", s.handleGetErrors)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/jobs/{id}/retry", s.handleRetry)
	r.Get("/jobs/{id}/fallbacks", s.handleListFallbacks)
	return r
}

type submitRequest struct {
	Brief             string `json:"brief"`
	TargetDurationSec int    `json:"target_duration_sec"`
	Voice             string `json:"voice"`
	Style             string `json:"style"`
	Priority          int    `json:"priority"`
	MaxRetries        int    `json:"max_retries"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Brief) == "" {
		http.Error(w, "brief is required", http.StatusBadRequest)
		return
	}
	if req.TargetDurationSec < 0 || req.TargetDurationSec > 3600 {
		http.Error(w, "target_duration_sec out of range", http.StatusBadRequest)
		return
	}
	if req.Priority < 0 || req.Priority > 1000 {
		http.Error(w, "priority out of range", http.StatusBadRequest)
		return
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = s.cfg.MaxRetries
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), sourceFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitReject.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.store.CreateJob(r.Context(), models.JobSpec{
		Brief:             req.Brief,
		TargetDurationSec: req.TargetDurationSec,
		Voice:             req.Voice,
		Style:             req.Style,
	}, req.Priority, req.MaxRetries)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.queue.Enqueue(r.Context(), job.ID, job.Priority); err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.JobsSubmitted.Inc()
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetErrors(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	errs := job.Errors
	if errs == nil {
		errs = []models.JobError{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobId": job.ID, "errors": errs})
}

// handleCancel marks the job cancelled and pulls it from the queue. A job
// already running picks the cancellation up from the status record and
// stops silently.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if models.Terminal(job.Status) {
		http.Error(w, "job already "+job.Status, http.StatusConflict)
		return
	}
	if err := s.store.MarkCancelled(r.Context(), job.ID); err != nil {
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	if err := s.queue.Remove(r.Context(), job.ID); err != nil {
		http.Error(w, "failed to remove queue item", http.StatusInternalServerError)
		return
	}
	telemetry.JobsCancelled.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusCancelled})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if err := scheduler.CheckRetry(job, s.cfg.RetryBase, s.cfg.RetryCap, time.Now()); err != nil {
		code := http.StatusConflict
		if errors.Is(err, scheduler.ErrExhausted) {
			code = http.StatusTooManyRequests
		}
		http.Error(w, err.Error(), code)
		return
	}
	// from_scratch discards the job's checkpoints so every stage reruns
	// instead of resuming.
	if v, _ := strconv.ParseBool(r.URL.Query().Get("from_scratch")); v {
		if err := s.store.DeleteCheckpoints(r.Context(), job.ID); err != nil {
			http.Error(w, "failed to clear checkpoints", http.StatusInternalServerError)
			return
		}
	}
	if err := s.store.RequeueForRetry(r.Context(), job.ID); err != nil {
		http.Error(w, "failed to requeue job", http.StatusInternalServerError)
		return
	}
	if err := s.queue.Enqueue(r.Context(), job.ID, job.Priority); err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": models.StatusQueued,
		"retry":  job.RetryCount + 1,
	})
}

func (s *Server) handleListFallbacks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	decisions, err := s.store.ListFallbacks(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if decisions == nil {
		decisions = []models.FallbackDecision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobId": id, "fallbacks": decisions})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return models.Job{}, false
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return models.Job{}, false
	}
	return job, true
}

func sourceFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Source-ID"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
