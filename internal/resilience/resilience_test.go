package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute, time.Second)

	if b.ReportFailure() {
		t.Fatalf("should not open after 1 failure")
	}
	if b.ReportFailure() {
		t.Fatalf("should not open after 2 failures")
	}
	if !b.ReportFailure() {
		t.Fatalf("expected open transition on 3rd failure")
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerWindowResetsCount(t *testing.T) {
	b := NewBreaker(3, 100*time.Millisecond, time.Second)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.ReportFailure()
	b.ReportFailure()
	// Third failure lands outside the window; the streak restarts.
	now = now.Add(200 * time.Millisecond)
	if b.ReportFailure() {
		t.Fatalf("stale failures must not count toward the threshold")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %d", b.State())
	}
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	b := NewBreaker(1, time.Minute, 50*time.Millisecond)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.ReportFailure()
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open before cooldown")
	}

	now = now.Add(100 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %d", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("expected trial call admitted, got %v", err)
	}
	// Only one trial at a time.
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected second trial rejected")
	}

	b.ReportSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after trial success")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(1, time.Minute, 10*time.Millisecond)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.ReportFailure()
	now = now.Add(20 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial: %v", err)
	}
	if !b.ReportFailure() {
		t.Fatalf("expected reopen on trial failure")
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open after failed trial")
	}
}

func TestDelayNonDecreasing(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Base: 100 * time.Millisecond, Max: 2 * time.Second}
	prevMax := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		// The jitter range for attempt n is [wait/2, wait); its floor must
		// not drop below the previous attempt's floor.
		exp := p.Base * (1 << (attempt - 1))
		if exp > p.Max {
			exp = p.Max
		}
		if exp/2 < prevMax/2 {
			t.Fatalf("backoff floor decreased at attempt %d", attempt)
		}
		prevMax = exp
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			if d < exp/2 || d > exp {
				t.Fatalf("attempt %d delay %s outside [%s, %s]", attempt, d, exp/2, exp)
			}
		}
	}
}

type transientErr struct{ msg string }

func (e transientErr) Error() string   { return e.msg }
func (e transientErr) Transient() bool { return true }

func isTransient(err error) bool {
	var t interface{ Transient() bool }
	return errors.As(err, &t) && t.Transient()
}

func TestExecuteRetriesTransient(t *testing.T) {
	b := NewBreaker(10, time.Minute, time.Second)
	policy := RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}

	calls := 0
	err := Execute(context.Background(), b, policy, isTransient, func(context.Context) error {
		calls++
		if calls < 3 {
			return transientErr{"flaky"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestExecuteStopsAtAttemptBound(t *testing.T) {
	b := NewBreaker(10, time.Minute, time.Second)
	policy := RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}

	calls := 0
	err := Execute(context.Background(), b, policy, isTransient, func(context.Context) error {
		calls++
		return transientErr{"always"}
	})
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", calls)
	}
}

func TestExecuteHardErrorNoRetry(t *testing.T) {
	b := NewBreaker(10, time.Minute, time.Second)
	policy := RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}

	calls := 0
	hard := errors.New("bad request")
	err := Execute(context.Background(), b, policy, isTransient, func(context.Context) error {
		calls++
		return hard
	})
	if !errors.Is(err, hard) {
		t.Fatalf("expected hard error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("hard error must not retry, got %d calls", calls)
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	b := NewBreaker(10, time.Minute, time.Second)
	policy := RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Execute(ctx, b, policy, isTransient, func(context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("cancelled context must not invoke op")
	}
}

func TestExecuteCancellationSkipsBreaker(t *testing.T) {
	b := NewBreaker(1, time.Minute, time.Minute)
	policy := RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}

	err := Execute(context.Background(), b, policy, isTransient, func(context.Context) error {
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// Threshold is 1; a counted failure would have opened the circuit.
	if b.State() != StateClosed {
		t.Fatalf("cancellation must not count toward the breaker, state %d", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("breaker must still admit calls, got %v", err)
	}
}

func TestExecuteShortCircuitsOnOpenBreaker(t *testing.T) {
	b := NewBreaker(1, time.Minute, time.Minute)
	b.ReportFailure()
	policy := RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}

	calls := 0
	err := Execute(context.Background(), b, policy, isTransient, func(context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("open breaker must not invoke op")
	}
}
