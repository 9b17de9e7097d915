package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/itsacoffee/aura-video-studio/internal/models"
	"github.com/itsacoffee/aura-video-studio/internal/pipeline"
	"github.com/itsacoffee/aura-video-studio/internal/provider"
)

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	base := 30 * time.Second
	ceiling := 15 * time.Minute

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{10, ceiling},
	}
	for _, c := range cases {
		if got := RetryDelay(base, ceiling, c.attempt); got != c.want {
			t.Fatalf("attempt %d: expected %s, got %s", c.attempt, c.want, got)
		}
	}
}

func TestCheckRetryGates(t *testing.T) {
	backoffBase := 30 * time.Second
	backoffCap := 15 * time.Minute
	now := time.Now()

	base := models.Job{
		ID:         "job-1",
		Status:     models.StatusFailed,
		RetryCount: 1,
		MaxRetries: 3,
		Errors: []models.JobError{
			{Stage: models.StageVoice, Message: "throttled", Recoverable: true},
		},
	}

	if err := CheckRetry(base, backoffBase, backoffCap, now); err != nil {
		t.Fatalf("eligible job rejected: %v", err)
	}

	running := base
	running.Status = models.StatusRunning
	if err := CheckRetry(running, backoffBase, backoffCap, now); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible for running job, got %v", err)
	}

	exhausted := base
	exhausted.RetryCount = 3
	if err := CheckRetry(exhausted, backoffBase, backoffCap, now); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}

	hardFail := base
	hardFail.Errors = []models.JobError{
		{Stage: models.StageBrief, Message: "brief is empty", Recoverable: false},
	}
	if err := CheckRetry(hardFail, backoffBase, backoffCap, now); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible for non-recoverable failure, got %v", err)
	}
}

func TestCheckRetryBackoffElapsed(t *testing.T) {
	backoffBase := 30 * time.Second
	backoffCap := 15 * time.Minute
	now := time.Now()

	// RetryCount 1 means the next attempt waits base*2 = 1m.
	attempt := now.Add(-10 * time.Second)
	job := models.Job{
		ID:            "job-1",
		Status:        models.StatusFailed,
		RetryCount:    1,
		MaxRetries:    3,
		LastAttemptAt: &attempt,
		Errors: []models.JobError{
			{Stage: models.StageVoice, Message: "throttled", Recoverable: true},
		},
	}

	if err := CheckRetry(job, backoffBase, backoffCap, now); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected rejection before backoff elapsed, got %v", err)
	}

	attempt = now.Add(-2 * time.Minute)
	job.LastAttemptAt = &attempt
	if err := CheckRetry(job, backoffBase, backoffCap, now); err != nil {
		t.Fatalf("expected eligibility after backoff elapsed, got %v", err)
	}
}

func TestRecoverableClassification(t *testing.T) {
	if recoverable(fmt.Errorf("stage brief: %w", pipeline.ErrValidation)) {
		t.Fatalf("validation failures must not retry")
	}
	if recoverable(fmt.Errorf("%w: stage=voice", pipeline.ErrCancelled)) {
		t.Fatalf("cancellation must not retry")
	}
	if recoverable(context.Canceled) {
		t.Fatalf("context cancellation must not retry")
	}
	if recoverable(provider.Hardf("invalid voice id")) {
		t.Fatalf("hard provider errors must not retry")
	}
	if !recoverable(provider.Transientf("throttled")) {
		t.Fatalf("transient provider errors must retry")
	}
	if !recoverable(errors.New("connection refused")) {
		t.Fatalf("plain infrastructure errors default to retryable")
	}
}
