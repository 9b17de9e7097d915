// Package gateway executes provider calls under the patience policy: lock
// validation, circuit breaking, bounded retry, and stall monitoring. It
// never switches providers on its own; every switch goes through a
// confirmed, audited fallback decision.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/itsacoffee/aura-video-studio/internal/lock"
	"github.com/itsacoffee/aura-video-studio/internal/models"
	"github.com/itsacoffee/aura-video-studio/internal/patience"
	"github.com/itsacoffee/aura-video-studio/internal/provider"
	"github.com/itsacoffee/aura-video-studio/internal/resilience"
	"github.com/itsacoffee/aura-video-studio/internal/telemetry"
)

// ErrProviderNotLocked means a stage tried to call a provider without
// holding a matching active lock.
var ErrProviderNotLocked = errors.New("no active provider lock for this stage")

// Gateway event types, tagged with the job's correlation id.
const (
	EventLockCreated      = "PROVIDER_LOCK_CREATED"
	EventHeartbeat        = "PROVIDER_HEARTBEAT"
	EventLatencyChange    = "PROVIDER_LATENCY_CATEGORY_CHANGE"
	EventStallSuspected   = "PROVIDER_STALL_SUSPECTED"
	EventFallbackInitiate = "USER_FALLBACK_INITIATED"
	EventHardError        = "PROVIDER_HARD_ERROR"
	EventRequestComplete  = "PROVIDER_REQUEST_COMPLETE"
)

// Event is an observability record emitted by the gateway.
type Event struct {
	Type          string
	JobID         string
	Stage         string
	Provider      string
	CorrelationID string
	Detail        string
	At            time.Time
}

// AuditSink persists fallback decisions append-only.
type AuditSink interface {
	AppendFallback(ctx context.Context, d models.FallbackDecision) error
}

// Gateway composes the lock table, breaker set, retry policy, and stall
// detector. All shared state is passed in; the gateway owns none of it.
type Gateway struct {
	registry *provider.Registry
	locks    *lock.Table
	breakers *resilience.BreakerSet
	retry    resilience.RetryPolicy
	cloud    patience.Profile
	local    patience.Profile
	audit    AuditSink
	emit     func(Event)
}

func New(registry *provider.Registry, locks *lock.Table, breakers *resilience.BreakerSet, retry resilience.RetryPolicy, cloud, local patience.Profile, audit AuditSink, emit func(Event)) *Gateway {
	if emit == nil {
		emit = func(Event) {}
	}
	return &Gateway{
		registry: registry,
		locks:    locks,
		breakers: breakers,
		retry:    retry,
		cloud:    cloud,
		local:    local,
		audit:    audit,
		emit:     emit,
	}
}

// Locks exposes the shared lock table (for cancellation cleanup).
func (g *Gateway) Locks() *lock.Table { return g.locks }

// Provider resolves a registered provider by name.
func (g *Gateway) Provider(name string) (provider.Provider, error) {
	return g.registry.Get(name)
}

// AcquireLock binds (job, stage) to a provider and announces it.
func (g *Gateway) AcquireLock(jobID, stage, providerName, correlationID string) (*lock.Lock, error) {
	if _, err := g.registry.Get(providerName); err != nil {
		return nil, err
	}
	l, err := g.locks.Acquire(jobID, stage, providerName)
	if err != nil {
		return nil, err
	}
	g.emit(Event{
		Type:          EventLockCreated,
		JobID:         jobID,
		Stage:         stage,
		Provider:      providerName,
		CorrelationID: correlationID,
		At:            time.Now(),
	})
	return l, nil
}

// ExecuteWithPatience runs one provider call for a locked stage. The stall
// detector watches the call concurrently; its signals update the lock's
// patience band and surface as events, but the call is always allowed to
// finish. Returns the artifact or the terminal error after retries.
func (g *Gateway) ExecuteWithPatience(ctx context.Context, req provider.Request, providerName string) (provider.Artifact, error) {
	l, ok := g.locks.Get(req.JobID, req.Stage)
	if !ok || !l.IsLockedFor(providerName) {
		return provider.Artifact{}, fmt.Errorf("%w: job=%s stage=%s provider=%s", ErrProviderNotLocked, req.JobID, req.Stage, providerName)
	}

	p, err := g.registry.Get(providerName)
	if err != nil {
		return provider.Artifact{}, err
	}

	profile := g.cloud
	if provider.IsLocal(p) {
		profile = g.local
	}

	monCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	signals := patience.Monitor(monCtx, provider.StrategyFor(p), profile)

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		g.watch(signals, l, req, providerName)
	}()

	var artifact provider.Artifact
	err = resilience.Execute(ctx, g.breakers.For(providerName), g.retry, provider.IsTransient, func(ctx context.Context) error {
		a, invokeErr := p.Invoke(ctx, req)
		if invokeErr != nil {
			return invokeErr
		}
		artifact = a
		return nil
	})

	stopMonitor()
	<-watchDone

	if err != nil {
		if !provider.IsTransient(err) && !errors.Is(err, context.Canceled) {
			g.emit(Event{
				Type:          EventHardError,
				JobID:         req.JobID,
				Stage:         req.Stage,
				Provider:      providerName,
				CorrelationID: req.CorrelationID,
				Detail:        err.Error(),
				At:            time.Now(),
			})
		}
		return provider.Artifact{}, err
	}

	g.emit(Event{
		Type:          EventRequestComplete,
		JobID:         req.JobID,
		Stage:         req.Stage,
		Provider:      providerName,
		CorrelationID: req.CorrelationID,
		Detail:        fmt.Sprintf("held=%s", l.Duration().Round(time.Millisecond)),
		At:            time.Now(),
	})
	return artifact, nil
}

func (g *Gateway) watch(signals <-chan patience.Signal, l *lock.Lock, req provider.Request, providerName string) {
	for sig := range signals {
		switch sig.Kind {
		case patience.SignalHeartbeat:
			l.SetBand(sig.Band)
			g.emit(Event{
				Type:          EventHeartbeat,
				JobID:         req.JobID,
				Stage:         req.Stage,
				Provider:      providerName,
				CorrelationID: req.CorrelationID,
				Detail:        sig.Note,
				At:            time.Now(),
			})
		case patience.SignalBandChange:
			l.SetBand(sig.Band)
			g.emit(Event{
				Type:          EventLatencyChange,
				JobID:         req.JobID,
				Stage:         req.Stage,
				Provider:      providerName,
				CorrelationID: req.CorrelationID,
				Detail:        sig.Band.String(),
				At:            time.Now(),
			})
		case patience.SignalStallSuspected:
			l.SetBand(patience.BandStallSuspected)
			telemetry.StallsSuspected.Inc()
			g.emit(Event{
				Type:          EventStallSuspected,
				JobID:         req.JobID,
				Stage:         req.Stage,
				Provider:      providerName,
				CorrelationID: req.CorrelationID,
				Detail:        fmt.Sprintf("silence=%s", sig.Silence.Round(time.Second)),
				At:            time.Now(),
			})
		}
	}
}

// FallbackOptions ranks alternative providers of a class: breaker-closed
// first, then half-open, open last; name order within a rank.
func (g *Gateway) FallbackOptions(class provider.Class, exclude string) []string {
	candidates := g.registry.ByClass(class)
	type option struct {
		name string
		rank int
	}
	var opts []option
	for _, p := range candidates {
		if p.Name() == exclude {
			continue
		}
		rank := 0
		switch g.breakers.For(p.Name()).State() {
		case resilience.StateHalfOpen:
			rank = 1
		case resilience.StateOpen:
			rank = 2
		}
		opts = append(opts, option{name: p.Name(), rank: rank})
	}
	sort.Slice(opts, func(i, j int) bool {
		if opts[i].rank != opts[j].rank {
			return opts[i].rank < opts[j].rank
		}
		return opts[i].name < opts[j].name
	})
	out := make([]string, len(opts))
	for i, o := range opts {
		out[i] = o.name
	}
	return out
}

// ConfirmFallback performs the caller-confirmed provider switch for a
// stage: audit record first, then release the old lock and bind the new
// provider. The audit row is what makes the switch explainable afterwards.
func (g *Gateway) ConfirmFallback(ctx context.Context, jobID, stage, toProvider, reason, correlationID string) (*lock.Lock, error) {
	current, ok := g.locks.Get(jobID, stage)
	if !ok {
		return nil, fmt.Errorf("%w: job=%s stage=%s", ErrProviderNotLocked, jobID, stage)
	}
	from := current.Provider()
	if from == toProvider {
		return nil, fmt.Errorf("fallback target %q is already the bound provider", toProvider)
	}
	target, err := g.registry.Get(toProvider)
	if err != nil {
		return nil, err
	}
	if src, err := g.registry.Get(from); err == nil && src.Class() != target.Class() {
		return nil, fmt.Errorf("fallback target %q is class %s, want %s", toProvider, target.Class(), src.Class())
	}

	g.emit(Event{
		Type:          EventFallbackInitiate,
		JobID:         jobID,
		Stage:         stage,
		Provider:      from,
		CorrelationID: correlationID,
		Detail:        fmt.Sprintf("to=%s reason=%s", toProvider, reason),
		At:            time.Now(),
	})

	if g.audit != nil {
		err := g.audit.AppendFallback(ctx, models.FallbackDecision{
			JobID:        jobID,
			Stage:        stage,
			FromProvider: from,
			ToProvider:   toProvider,
			Reason:       reason,
			Confirmed:    true,
			DecidedAt:    time.Now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("record fallback decision: %w", err)
		}
	}

	current.Release()
	next, err := g.AcquireLock(jobID, stage, toProvider, correlationID)
	if err != nil {
		return nil, err
	}
	telemetry.Fallbacks.Inc()
	return next, nil
}
