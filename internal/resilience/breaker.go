package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is short-circuited without being
// attempted.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Breaker states.
const (
	StateClosed = iota
	StateOpen
	StateHalfOpen
)

// Breaker tracks consecutive failures for one provider. N consecutive
// failures within the rolling window open the circuit; after the cooldown a
// single trial call is allowed, closing the circuit on success and
// re-opening it on failure.
type Breaker struct {
	threshold int
	window    time.Duration
	cooldown  time.Duration

	mu          sync.Mutex
	state       int
	consecutive int
	firstFail   time.Time
	openedAt    time.Time
	trialActive bool
	now         func() time.Time
}

func NewBreaker(threshold int, window, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. In Open state it returns
// ErrCircuitOpen until the cooldown elapses, then admits one trial call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.trialActive = true
		return nil
	default: // half-open
		if b.trialActive {
			return ErrCircuitOpen
		}
		b.trialActive = true
		return nil
	}
}

// ReportSuccess records a successful call outcome.
func (b *Breaker) ReportSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutive = 0
	b.trialActive = false
}

// ReportFailure records a failed call outcome and may open the circuit.
// It returns true when this report transitioned the breaker to Open.
func (b *Breaker) ReportFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = b.now()
		b.trialActive = false
		return true
	}

	now := b.now()
	if b.consecutive == 0 || (b.window > 0 && now.Sub(b.firstFail) > b.window) {
		b.consecutive = 0
		b.firstFail = now
	}
	b.consecutive++
	if b.consecutive >= b.threshold {
		b.state = StateOpen
		b.openedAt = now
		b.consecutive = 0
		return true
	}
	return false
}

// State returns the current breaker state.
func (b *Breaker) State() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// BreakerSet is the shared per-provider breaker table.
type BreakerSet struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	window    time.Duration
	cooldown  time.Duration
}

func NewBreakerSet(threshold int, window, cooldown time.Duration) *BreakerSet {
	return &BreakerSet{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
	}
}

// For returns the breaker for a provider, creating it on first use.
func (s *BreakerSet) For(providerName string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[providerName]
	if !ok {
		b = NewBreaker(s.threshold, s.window, s.cooldown)
		s.breakers[providerName] = b
	}
	return b
}
