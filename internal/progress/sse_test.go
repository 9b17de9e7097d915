package progress

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/itsacoffee/aura-video-studio/internal/models"
)

func TestServeSSEStreamsFrames(t *testing.T) {
	hub := NewHub(16, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeSSE(w, r, hub, "job-1", 0, false, time.Minute)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event-stream content type, got %q", ct)
	}

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	hub.Publish("job-1", models.ProgressEvent{JobID: "job-1", Stage: "script", Message: "stage started"})

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			break
		}
		lines = append(lines, line)
	}

	if len(lines) != 3 {
		t.Fatalf("expected id/event/data lines, got %v", lines)
	}
	if lines[0] != "id: 1" {
		t.Fatalf("expected id line, got %q", lines[0])
	}
	if lines[1] != "event: progress" {
		t.Fatalf("expected progress event, got %q", lines[1])
	}
	if !strings.Contains(lines[2], `"stage":"script"`) {
		t.Fatalf("expected payload with stage, got %q", lines[2])
	}
}

func TestServeSSEMissedEventsOnResume(t *testing.T) {
	hub := NewHub(2, 8)
	for i := 0; i < 6; i++ {
		hub.Publish("job-1", models.ProgressEvent{JobID: "job-1"})
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeSSE(w, r, hub, "job-1", 1, true, time.Minute)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(line, "event: missed_events") {
		t.Fatalf("expected missed_events first, got %q", line)
	}
	data, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read data: %v", err)
	}
	if !strings.Contains(data, `"missedFrom":2`) || !strings.Contains(data, `"resumeAt":5`) {
		t.Fatalf("unexpected missed payload: %q", data)
	}
}
