package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/itsacoffee/aura-video-studio/internal/telemetry"
)

// RetryPolicy bounds the retry wrapper: at most MaxAttempts calls, with
// jittered exponential backoff between them.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// Delay computes the wait before attempt n (1-based; the delay taken after
// attempt n failed). Jitter stays within the attempt's backoff slot so the
// delay is non-decreasing across attempts.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.Base
	}
	exp := float64(p.Base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > p.Max {
		wait = p.Max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

// Classifier reports whether an error is transient and therefore worth
// retrying.
type Classifier func(error) bool

// Execute runs op under the breaker and retry policy. Transient failures are
// retried up to the attempt bound; hard errors propagate immediately. Every
// outcome is reported to the breaker regardless of the retry decision.
func Execute(ctx context.Context, b *Breaker, policy RetryPolicy, transient Classifier, op func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.Allow(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			b.ReportSuccess()
			return nil
		}
		// A cancelled caller says nothing about the provider's health; only
		// real outcomes reach the shared breaker.
		if errors.Is(err, context.Canceled) {
			return err
		}
		if b.ReportFailure() {
			telemetry.BreakerOpens.Inc()
		}
		lastErr = err

		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if transient == nil || !transient(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Delay(attempt)):
		}
	}
	return lastErr
}
