// Package progress implements the per-job event stream: ordered sequence
// numbers, a bounded replay ring, and decoupled delivery to any number of
// subscribers.
package progress

import (
	"sync"

	"github.com/itsacoffee/aura-video-studio/internal/models"
)

// FrameKind discriminates stream frames.
type FrameKind int

const (
	// FrameEvent carries a progress event.
	FrameEvent FrameKind = iota
	// FrameMissed tells a resuming client that events fell out of the
	// replay window. Clients are informed, never silently given gaps.
	FrameMissed
)

// Frame is one unit of delivery to a subscriber.
type Frame struct {
	Kind       FrameKind
	Event      models.ProgressEvent
	MissedFrom uint64
	ResumeAt   uint64
}

// Hub fans progress events out per job. Publishing never blocks on slow
// subscribers: each subscriber has a bounded buffer and the oldest buffered
// frame is dropped when it overflows.
type Hub struct {
	mu        sync.Mutex
	ringSize  int
	subBuffer int
	jobs      map[string]*stream
}

type stream struct {
	mu   sync.Mutex
	seq  uint64
	ring []models.ProgressEvent
	subs map[*Subscriber]struct{}
}

func NewHub(ringSize, subscriberBuffer int) *Hub {
	if ringSize <= 0 {
		ringSize = 256
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = 64
	}
	return &Hub{
		ringSize:  ringSize,
		subBuffer: subscriberBuffer,
		jobs:      make(map[string]*stream),
	}
}

func (h *Hub) stream(jobID string) *stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.jobs[jobID]
	if !ok {
		s = &stream{subs: make(map[*Subscriber]struct{})}
		h.jobs[jobID] = s
	}
	return s
}

// Publish assigns the next sequence number, appends the event to the replay
// ring, and delivers it to every live subscriber. Returns the stamped event.
// Delivery happens under the stream lock so concurrent publishers cannot
// interleave frames out of sequence order; deliver never blocks, so the
// lock is never held across a slow consumer.
func (h *Hub) Publish(jobID string, ev models.ProgressEvent) models.ProgressEvent {
	s := h.stream(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	ev.Sequence = s.seq
	s.ring = append(s.ring, ev)
	if len(s.ring) > h.ringSize {
		s.ring = s.ring[len(s.ring)-h.ringSize:]
	}
	f := Frame{Kind: FrameEvent, Event: ev}
	for sub := range s.subs {
		sub.deliver(f)
	}
	return ev
}

// LastSequence returns the highest sequence published for a job.
func (h *Hub) LastSequence(jobID string) uint64 {
	s := h.stream(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Subscribe attaches a subscriber to a job's stream. With resume=true,
// buffered events with a sequence above lastSeen are replayed in order
// before live delivery; if the requested window has already been dropped a
// FrameMissed precedes the replay. The replay is buffered under the stream
// lock, so a concurrent Publish cannot slip a live frame in front of it.
func (h *Hub) Subscribe(jobID string, lastSeen uint64, resume bool) *Subscriber {
	s := h.stream(jobID)
	sub := &Subscriber{
		ch:   make(chan Frame, h.subBuffer),
		strm: s,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if resume {
		if len(s.ring) > 0 && s.ring[0].Sequence > lastSeen+1 {
			sub.deliver(Frame{
				Kind:       FrameMissed,
				MissedFrom: lastSeen + 1,
				ResumeAt:   s.ring[0].Sequence,
			})
		}
		for _, ev := range s.ring {
			if ev.Sequence > lastSeen {
				sub.deliver(Frame{Kind: FrameEvent, Event: ev})
			}
		}
	}
	s.subs[sub] = struct{}{}
	return sub
}

// Drop discards a job's stream after its retention window.
func (h *Hub) Drop(jobID string) {
	h.mu.Lock()
	s, ok := h.jobs[jobID]
	delete(h.jobs, jobID)
	h.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	for sub := range s.subs {
		delete(s.subs, sub)
	}
	s.mu.Unlock()
}

// Subscriber receives frames for one job. Frames arrive in non-decreasing
// sequence order; dropped frames are always from the oldest end. The
// channel is never closed; consumers select against their own context.
type Subscriber struct {
	ch   chan Frame
	strm *stream
}

// Frames is the delivery channel.
func (s *Subscriber) Frames() <-chan Frame { return s.ch }

// Close detaches the subscriber. Frames already buffered remain readable.
func (s *Subscriber) Close() {
	s.strm.mu.Lock()
	delete(s.strm.subs, s)
	s.strm.mu.Unlock()
}

// deliver pushes a frame without ever blocking the publisher: when the
// buffer is full the oldest buffered frame is discarded.
func (s *Subscriber) deliver(f Frame) {
	for {
		select {
		case s.ch <- f:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}
