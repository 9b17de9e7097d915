package lock

import (
	"fmt"
	"sync"
)

type key struct {
	jobID string
	stage string
}

// Table is the shared lock store, keyed by (job, stage). It is passed in
// explicitly wherever locks are needed; there is no package-level state.
type Table struct {
	mu    sync.RWMutex
	locks map[key]*Lock
}

func NewTable() *Table {
	return &Table{locks: make(map[key]*Lock)}
}

// Acquire creates and stores a lock for (job, stage). It fails if an
// unreleased lock already exists for the pair; a released lock is replaced.
func (t *Table) Acquire(jobID, stage, providerName string) (*Lock, error) {
	l, err := New(jobID, stage, providerName)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{jobID: jobID, stage: stage}
	if existing, ok := t.locks[k]; ok && !existing.Released() {
		return nil, fmt.Errorf("stage %s of job %s already locked to %s", stage, jobID, existing.Provider())
	}
	t.locks[k] = l
	return l, nil
}

// Get returns the current lock for (job, stage), released or not.
func (t *Table) Get(jobID, stage string) (*Lock, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.locks[key{jobID: jobID, stage: stage}]
	return l, ok
}

// ReleaseJob releases every lock held by a job and returns how many were
// still active. Used on cancellation and terminal failure.
func (t *Table) ReleaseJob(jobID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	released := 0
	for k, l := range t.locks {
		if k.jobID != jobID {
			continue
		}
		if !l.Released() {
			l.Release()
			released++
		}
	}
	return released
}

// Drop removes a job's lock entries entirely. Called after terminal state.
func (t *Table) Drop(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.locks {
		if k.jobID == jobID {
			delete(t.locks, k)
		}
	}
}

// ActiveForJob lists the unreleased locks a job currently holds.
func (t *Table) ActiveForJob(jobID string) []*Lock {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Lock
	for k, l := range t.locks {
		if k.jobID == jobID && !l.Released() {
			out = append(out, l)
		}
	}
	return out
}
