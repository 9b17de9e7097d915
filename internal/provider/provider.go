package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class groups providers by the kind of artifact they produce.
type Class string

const (
	ClassScript Class = "script"
	ClassVoice  Class = "voice"
	ClassVisual Class = "visual"
	ClassRender Class = "render"
)

// Request is the uniform input handed to any provider.
type Request struct {
	JobID         string
	Stage         string
	CorrelationID string
	Input         map[string]any
}

// Artifact is the uniform output of a provider call. Path is set for
// file-backed artifacts, Data for small inline payloads.
type Artifact struct {
	Kind string
	Path string
	Data []byte
	Meta map[string]any
}

// Heartbeat is a point-in-time progress sample from a running call.
type Heartbeat struct {
	Tokens  int
	Chunks  int
	Percent float64
	At      time.Time
}

// Provider is the capability surface the gateway executes against. All
// providers are treated polymorphically over this set regardless of class.
type Provider interface {
	Name() string
	Class() Class

	// Invoke runs one generation call. It must honor ctx cancellation.
	Invoke(ctx context.Context, req Request) (Artifact, error)

	// Progress returns the latest heartbeat for the in-flight call.
	// ok=false means this provider cannot report heartbeats and the stall
	// detector falls back to a coarse timeout.
	Progress() (Heartbeat, bool)
}

// Local reports whether a provider runs on local hardware and therefore
// warrants the slower patience profile. Providers may implement it; the
// default is cloud.
type Local interface {
	Local() bool
}

// transientError marks an error as retryable (network/timeout class).
type transientError struct{ err error }

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Transient() bool { return true }

// hardError marks an error as non-retryable (auth/validation/quota).
type hardError struct{ err error }

func (e *hardError) Error() string { return e.err.Error() }
func (e *hardError) Unwrap() error { return e.err }
func (e *hardError) Hard() bool    { return true }

// Transientf wraps a formatted error as transient.
func Transientf(format string, args ...any) error {
	return &transientError{err: fmt.Errorf(format, args...)}
}

// Transient wraps err as transient.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Hard wraps err as a hard (non-retryable) provider error.
func Hard(err error) error {
	if err == nil {
		return nil
	}
	return &hardError{err: err}
}

// Hardf wraps a formatted error as hard.
func Hardf(format string, args ...any) error {
	return &hardError{err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err (or anything it wraps) is marked
// transient. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}

// IsHard reports whether err is marked as a hard provider failure.
func IsHard(err error) bool {
	var h interface{ Hard() bool }
	return errors.As(err, &h) && h.Hard()
}
