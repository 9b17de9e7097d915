package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres. Done, failed, and cancelled
// are terminal.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusDone      = "done"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Pipeline stages in fixed execution order.
const (
	StageBrief       = "brief"
	StageScript      = "script"
	StageScenes      = "scenes"
	StageVoice       = "voice"
	StageVisuals     = "visuals"
	StageComposition = "composition"
)

// StageOrder is the canonical stage sequence. Stages never execute out of
// this order for a single job.
var StageOrder = []string{
	StageBrief,
	StageScript,
	StageScenes,
	StageVoice,
	StageVisuals,
	StageComposition,
}

// Terminal reports whether a status admits no further transitions.
func Terminal(status string) bool {
	return status == StatusDone || status == StatusFailed || status == StatusCancelled
}

// JobSpec is the immutable input captured at submission.
type JobSpec struct {
	Brief             string `json:"brief"`
	TargetDurationSec int    `json:"target_duration_sec"`
	Voice             string `json:"voice"`
	Style             string `json:"style"`
}

// Job represents one video generation job. Lower Priority dequeues first.
type Job struct {
	ID            string     `json:"id"`
	CorrelationID string     `json:"correlation_id"`
	Priority      int        `json:"priority"`
	Status        string     `json:"status"`
	Spec          JobSpec    `json:"spec"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	Errors        []JobError `json:"errors,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// JobError is one entry in a job's accumulated error list.
type JobError struct {
	Stage       string    `json:"stage"`
	Provider    string    `json:"provider,omitempty"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	At          time.Time `json:"at"`
}

// StageMetrics records per-stage performance for the final flush.
type StageMetrics struct {
	Stage      string        `json:"stage"`
	Provider   string        `json:"provider,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	Items      int           `json:"items"`
	Skipped    bool          `json:"skipped,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Checkpoint marks a completed stage and the artifact locations it produced.
// Written once per (job, stage) on success; read on resume.
type Checkpoint struct {
	JobID       string    `json:"job_id"`
	Stage       string    `json:"stage"`
	Artifacts   []string  `json:"artifacts"`
	CompletedAt time.Time `json:"completed_at"`
}

// FallbackDecision is an append-only audit record of a confirmed provider
// switch. It is never written by the stall detector on its own.
type FallbackDecision struct {
	JobID        string    `json:"job_id"`
	Stage        string    `json:"stage"`
	FromProvider string    `json:"from_provider"`
	ToProvider   string    `json:"to_provider"`
	Reason       string    `json:"reason"`
	Confirmed    bool      `json:"confirmed"`
	DecidedAt    time.Time `json:"decided_at"`
}

// ProgressEvent is one frame on a job's progress stream. Sequence numbers
// are assigned by the reporter and are strictly increasing per job.
type ProgressEvent struct {
	JobID          string  `json:"jobId"`
	Stage          string  `json:"stage"`
	OverallPercent float64 `json:"overallPercent"`
	StagePercent   float64 `json:"stagePercent"`
	Message        string  `json:"message"`
	ETASeconds     int     `json:"etaSeconds"`
	Sequence       uint64  `json:"sequence"`
	CorrelationID  string  `json:"correlationId"`
}
