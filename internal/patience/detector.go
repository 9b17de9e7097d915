// Package patience classifies how long a provider call has been running
// without visible progress. It only signals upward; it never cancels or
// redirects the watched call.
package patience

import (
	"context"
	"time"

	"github.com/itsacoffee/aura-video-studio/internal/provider"
)

// Band is the current latency classification of a call.
type Band int

const (
	BandNormal Band = iota
	BandExtended
	BandDeepWait
	BandStallSuspected
)

func (b Band) String() string {
	switch b {
	case BandNormal:
		return "normal"
	case BandExtended:
		return "extended"
	case BandDeepWait:
		return "deep_wait"
	case BandStallSuspected:
		return "stall_suspected"
	default:
		return "unknown"
	}
}

// Profile holds the band thresholds for one provider locality. Silence is
// measured since the last heartbeat, or since call start when none has been
// observed. Normal is the expected completion window (used for ETA hints);
// crossing Extended or DeepWait reclassifies the call into that band;
// crossing StallThreshold raises the stall advisory. CoarseTimeout applies
// when the provider cannot report heartbeats.
type Profile struct {
	HeartbeatInterval time.Duration
	Normal            time.Duration
	Extended          time.Duration
	DeepWait          time.Duration
	StallThreshold    time.Duration
	CoarseTimeout     time.Duration
}

// SignalKind discriminates monitor output.
type SignalKind int

const (
	SignalHeartbeat SignalKind = iota
	SignalBandChange
	SignalStallSuspected
)

// Signal is one observation emitted by Monitor.
type Signal struct {
	Kind    SignalKind
	Band    Band
	Silence time.Duration
	Note    string
}

// Monitor polls strategy at the profile's heartbeat interval and emits band
// transitions and at most one StallSuspected per silence episode. A
// heartbeat resets the silence timer and may revert the band downward.
// Cancelling ctx stops monitoring immediately with no event; the channel is
// closed either way.
func Monitor(ctx context.Context, strategy provider.HeartbeatStrategy, profile Profile) <-chan Signal {
	out := make(chan Signal, 16)

	if !strategy.Supported() {
		go monitorCoarse(ctx, profile, out)
		return out
	}

	go func() {
		defer close(out)

		interval := profile.HeartbeatInterval
		if interval <= 0 {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		lastBeat := time.Now()
		band := BandNormal
		stallEmitted := false

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if progressed, note := strategy.Observe(); progressed {
					lastBeat = now
					stallEmitted = false
					if !emit(ctx, out, Signal{Kind: SignalHeartbeat, Band: band, Note: note}) {
						return
					}
				}

				silence := now.Sub(lastBeat)
				next := classify(silence, profile)
				if next != band {
					band = next
					if !emit(ctx, out, Signal{Kind: SignalBandChange, Band: band, Silence: silence}) {
						return
					}
				}
				if band == BandStallSuspected && !stallEmitted {
					stallEmitted = true
					if !emit(ctx, out, Signal{Kind: SignalStallSuspected, Band: band, Silence: silence}) {
						return
					}
				}
			}
		}
	}()
	return out
}

// monitorCoarse is the no-heartbeat fallback: a single timeout with no
// intermediate bands.
func monitorCoarse(ctx context.Context, profile Profile, out chan<- Signal) {
	defer close(out)

	timeout := profile.CoarseTimeout
	if timeout <= 0 {
		timeout = profile.StallThreshold
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		emit(ctx, out, Signal{Kind: SignalStallSuspected, Band: BandStallSuspected, Silence: timeout})
	}
	<-ctx.Done()
}

func classify(silence time.Duration, p Profile) Band {
	switch {
	case silence >= p.StallThreshold:
		return BandStallSuspected
	case silence >= p.DeepWait:
		return BandDeepWait
	case silence >= p.Extended:
		return BandExtended
	default:
		return BandNormal
	}
}

func emit(ctx context.Context, out chan<- Signal, s Signal) bool {
	select {
	case out <- s:
		return true
	case <-ctx.Done():
		return false
	}
}
