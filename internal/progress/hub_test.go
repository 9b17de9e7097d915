package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/itsacoffee/aura-video-studio/internal/models"
)

func recvFrame(t *testing.T, sub *Subscriber) Frame {
	t.Helper()
	select {
	case f := <-sub.Frames():
		return f
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for frame")
		return Frame{}
	}
}

func TestPublishAssignsSequences(t *testing.T) {
	hub := NewHub(16, 8)
	for i := 1; i <= 3; i++ {
		ev := hub.Publish("job-1", models.ProgressEvent{JobID: "job-1"})
		if ev.Sequence != uint64(i) {
			t.Fatalf("expected sequence %d, got %d", i, ev.Sequence)
		}
	}
	if got := hub.LastSequence("job-1"); got != 3 {
		t.Fatalf("expected last sequence 3, got %d", got)
	}
	// Streams are per job.
	if got := hub.LastSequence("job-2"); got != 0 {
		t.Fatalf("expected fresh job at 0, got %d", got)
	}
}

func TestSubscribeLiveOrdering(t *testing.T) {
	hub := NewHub(16, 8)
	sub := hub.Subscribe("job-1", 0, false)
	defer sub.Close()

	hub.Publish("job-1", models.ProgressEvent{Message: "a"})
	hub.Publish("job-1", models.ProgressEvent{Message: "b"})
	hub.Publish("job-1", models.ProgressEvent{Message: "c"})

	var last uint64
	for _, want := range []string{"a", "b", "c"} {
		f := recvFrame(t, sub)
		if f.Kind != FrameEvent || f.Event.Message != want {
			t.Fatalf("expected %q, got %+v", want, f)
		}
		if f.Event.Sequence <= last {
			t.Fatalf("sequence must increase: %d after %d", f.Event.Sequence, last)
		}
		last = f.Event.Sequence
	}
}

func TestConcurrentPublishersDeliverInOrder(t *testing.T) {
	const workers = 8
	const perWorker = 200

	hub := NewHub(workers*perWorker, workers*perWorker)
	sub := hub.Subscribe("job-1", 0, false)
	defer sub.Close()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				hub.Publish("job-1", models.ProgressEvent{JobID: "job-1"})
			}
		}()
	}
	wg.Wait()

	var last uint64
	for i := 0; i < workers*perWorker; i++ {
		f := recvFrame(t, sub)
		if f.Event.Sequence <= last {
			t.Fatalf("out-of-order delivery: got seq %d after %d", f.Event.Sequence, last)
		}
		last = f.Event.Sequence
	}
}

func TestSubscribeResumeReplays(t *testing.T) {
	hub := NewHub(16, 8)
	for i := 0; i < 5; i++ {
		hub.Publish("job-1", models.ProgressEvent{})
	}

	sub := hub.Subscribe("job-1", 2, true)
	defer sub.Close()

	for want := uint64(3); want <= 5; want++ {
		f := recvFrame(t, sub)
		if f.Kind != FrameEvent || f.Event.Sequence != want {
			t.Fatalf("expected replayed sequence %d, got %+v", want, f)
		}
	}
}

func TestSubscribeResumeBeyondWindow(t *testing.T) {
	hub := NewHub(3, 8)
	for i := 0; i < 10; i++ {
		hub.Publish("job-1", models.ProgressEvent{})
	}

	// Ring holds sequences 8..10; the client last saw 1.
	sub := hub.Subscribe("job-1", 1, true)
	defer sub.Close()

	f := recvFrame(t, sub)
	if f.Kind != FrameMissed {
		t.Fatalf("expected missed_events notice first, got %+v", f)
	}
	if f.MissedFrom != 2 || f.ResumeAt != 8 {
		t.Fatalf("expected missedFrom=2 resumeAt=8, got %d/%d", f.MissedFrom, f.ResumeAt)
	}
	for want := uint64(8); want <= 10; want++ {
		f := recvFrame(t, sub)
		if f.Event.Sequence != want {
			t.Fatalf("expected %d, got %d", want, f.Event.Sequence)
		}
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	hub := NewHub(16, 2)
	sub := hub.Subscribe("job-1", 0, false)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		hub.Publish("job-1", models.ProgressEvent{})
	}

	// Buffer of 2 keeps the newest frames; drops always hit the oldest end.
	f1 := recvFrame(t, sub)
	f2 := recvFrame(t, sub)
	if f1.Event.Sequence != 4 || f2.Event.Sequence != 5 {
		t.Fatalf("expected sequences 4,5 after drops, got %d,%d", f1.Event.Sequence, f2.Event.Sequence)
	}
}

func TestDropDetachesSubscribers(t *testing.T) {
	hub := NewHub(16, 8)
	sub := hub.Subscribe("job-1", 0, false)
	hub.Publish("job-1", models.ProgressEvent{})
	hub.Drop("job-1")
	hub.Publish("job-1", models.ProgressEvent{})

	// Only the pre-drop frame is delivered.
	f := recvFrame(t, sub)
	if f.Event.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", f.Event.Sequence)
	}
	select {
	case f := <-sub.Frames():
		t.Fatalf("unexpected frame after drop: %+v", f)
	case <-time.After(20 * time.Millisecond):
	}
}
