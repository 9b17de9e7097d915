package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "aura_jobs_submitted_total", Help: "Jobs accepted for processing"})
	JobsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "aura_jobs_completed_total", Help: "Jobs that reached Done"})
	JobsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "aura_jobs_failed_total", Help: "Jobs that reached Failed"})
	JobsCancelled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "aura_jobs_cancelled_total", Help: "Jobs cancelled by request"})
	RateLimitReject = prometheus.NewCounter(prometheus.CounterOpts{Name: "aura_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	StallsSuspected = prometheus.NewCounter(prometheus.CounterOpts{Name: "aura_stalls_suspected_total", Help: "Stall-suspected signals raised"})
	Fallbacks       = prometheus.NewCounter(prometheus.CounterOpts{Name: "aura_fallbacks_confirmed_total", Help: "Confirmed provider fallback decisions"})
	BreakerOpens    = prometheus.NewCounter(prometheus.CounterOpts{Name: "aura_breaker_opens_total", Help: "Circuit breaker open transitions"})

	RunningJobs = prometheus.NewGauge(prometheus.GaugeOpts{Name: "aura_jobs_running", Help: "Jobs currently executing"})
	QueueDepth  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "aura_queue_depth", Help: "Ready queue depth"})

	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aura_stage_duration_seconds",
		Help:    "Wall time per pipeline stage",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"stage"})
)

// Handler exposes /metrics with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			RateLimitReject,
			StallsSuspected,
			Fallbacks,
			BreakerOpens,
			RunningJobs,
			QueueDepth,
			StageDuration,
		)
	})
	return promhttp.Handler()
}
