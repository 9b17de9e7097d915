package render

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/itsacoffee/aura-video-studio/internal/provider"
)

func TestInvokeBuildsTimeline(t *testing.T) {
	l := NewLocal()
	a, err := l.Invoke(context.Background(), provider.Request{
		JobID: "job-1",
		Input: map[string]any{
			"audio_path":    "/tmp/voice.mp3",
			"image_paths":   []string{"/tmp/s0.jpg", "/tmp/s1.jpg"},
			"durations_sec": []float64{4, 6},
			"captions":      []string{"first", "second"},
		},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	var m manifest
	if err := json.Unmarshal(a.Data, &m); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if len(m.Timeline) != 2 {
		t.Fatalf("expected 2 clips, got %d", len(m.Timeline))
	}
	if m.Timeline[1].StartSec != 4 {
		t.Fatalf("clips must be laid out back to back, got start %f", m.Timeline[1].StartSec)
	}
	if m.TotalSec != 10 {
		t.Fatalf("expected total 10s, got %f", m.TotalSec)
	}
	if m.AudioPath != "/tmp/voice.mp3" || m.Timeline[0].Caption != "first" {
		t.Fatalf("manifest fields missing: %+v", m)
	}

	hb, ok := l.Progress()
	if !ok || hb.Percent != 100 {
		t.Fatalf("expected percent heartbeat at 100, got %+v", hb)
	}
}

func TestInvokeRequiresStills(t *testing.T) {
	l := NewLocal()
	_, err := l.Invoke(context.Background(), provider.Request{
		Input: map[string]any{"audio_path": "/tmp/voice.mp3"},
	})
	if err == nil || provider.IsTransient(err) {
		t.Fatalf("missing stills must be a hard error, got %v", err)
	}
}

func TestDefaultClipDuration(t *testing.T) {
	l := NewLocal()
	a, err := l.Invoke(context.Background(), provider.Request{
		Input: map[string]any{"image_paths": []string{"/tmp/s0.jpg"}},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var m manifest
	_ = json.Unmarshal(a.Data, &m)
	if m.Timeline[0].DurationSec != 5 {
		t.Fatalf("expected 5s default clip, got %f", m.Timeline[0].DurationSec)
	}
}
