package provider

// HeartbeatStrategy decides whether a running call has made progress since
// the last sample. One strategy instance watches one call.
type HeartbeatStrategy interface {
	// Supported reports whether the watched provider emits heartbeats at
	// all. When false the stall detector uses a single coarse timeout.
	Supported() bool

	// Observe samples the provider and reports whether progress happened
	// since the previous Observe.
	Observe() (progressed bool, note string)
}

// StrategyFor picks the per-class progress interpretation: token counts for
// script providers, chunk counts for voice, percent-complete for visual and
// render.
func StrategyFor(p Provider) HeartbeatStrategy {
	if _, ok := p.Progress(); !ok {
		return noHeartbeat{}
	}
	switch p.Class() {
	case ClassScript:
		return &tokenStrategy{p: p}
	case ClassVoice:
		return &chunkStrategy{p: p}
	default:
		return &percentStrategy{p: p}
	}
}

type noHeartbeat struct{}

func (noHeartbeat) Supported() bool         { return false }
func (noHeartbeat) Observe() (bool, string) { return false, "" }

type tokenStrategy struct {
	p    Provider
	last int
}

func (s *tokenStrategy) Supported() bool { return true }

func (s *tokenStrategy) Observe() (bool, string) {
	hb, ok := s.p.Progress()
	if !ok {
		return false, ""
	}
	if hb.Tokens > s.last {
		s.last = hb.Tokens
		return true, "tokens"
	}
	return false, ""
}

type chunkStrategy struct {
	p    Provider
	last int
}

func (s *chunkStrategy) Supported() bool { return true }

func (s *chunkStrategy) Observe() (bool, string) {
	hb, ok := s.p.Progress()
	if !ok {
		return false, ""
	}
	if hb.Chunks > s.last {
		s.last = hb.Chunks
		return true, "chunks"
	}
	return false, ""
}

type percentStrategy struct {
	p    Provider
	last float64
}

func (s *percentStrategy) Supported() bool { return true }

func (s *percentStrategy) Observe() (bool, string) {
	hb, ok := s.p.Progress()
	if !ok {
		return false, ""
	}
	if hb.Percent > s.last {
		s.last = hb.Percent
		return true, "percent"
	}
	return false, ""
}
