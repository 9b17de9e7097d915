// Package lock implements provider stickiness: a job+stage stays bound to
// one provider until an explicit, audited decision changes it.
package lock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/itsacoffee/aura-video-studio/internal/patience"
)

var ErrReleased = errors.New("provider lock already released")

// Lock binds one (job, stage) to exactly one provider. It is immutable
// except for the patience band and the release flag.
type Lock struct {
	jobID    string
	stage    string
	provider string
	lockedAt time.Time

	mu         sync.Mutex
	band       patience.Band
	released   bool
	releasedAt time.Time
}

// New validates its inputs and creates an unreleased lock.
func New(jobID, stage, providerName string) (*Lock, error) {
	if jobID == "" {
		return nil, fmt.Errorf("lock requires a job id")
	}
	if stage == "" {
		return nil, fmt.Errorf("lock requires a stage")
	}
	if providerName == "" {
		return nil, fmt.Errorf("lock requires a provider name")
	}
	return &Lock{
		jobID:    jobID,
		stage:    stage,
		provider: providerName,
		lockedAt: time.Now(),
	}, nil
}

func (l *Lock) JobID() string    { return l.jobID }
func (l *Lock) Stage() string    { return l.stage }
func (l *Lock) Provider() string { return l.provider }

// IsLockedFor reports whether the lock is still held for exactly this
// provider name. The match is case-sensitive.
func (l *Lock) IsLockedFor(providerName string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.released && l.provider == providerName
}

// Release marks the lock released. Idempotent.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.releasedAt = time.Now()
}

// Released reports whether the lock has been released.
func (l *Lock) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// Duration returns elapsed time since lock creation, frozen at release.
func (l *Lock) Duration() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return l.releasedAt.Sub(l.lockedAt)
	}
	return time.Since(l.lockedAt)
}

// SetBand updates the patience state. Only the stall detector (via the
// gateway) drives this.
func (l *Lock) SetBand(b patience.Band) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.band = b
}

// Band returns the current patience state.
func (l *Lock) Band() patience.Band {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.band
}
