package progress

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ServeSSE streams a job's progress to one HTTP client as server-sent
// events. Keepalive comments go out whenever no real event has been written
// within the interval. The handler returns when the client disconnects.
func ServeSSE(w http.ResponseWriter, r *http.Request, hub *Hub, jobID string, lastSeen uint64, resume bool, keepalive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := hub.Subscribe(jobID, lastSeen, resume)
	defer sub.Close()

	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case f := <-sub.Frames():
			if err := writeFrame(w, f); err != nil {
				return
			}
			flusher.Flush()
			ticker.Reset(keepalive)
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, f Frame) error {
	switch f.Kind {
	case FrameMissed:
		data, err := json.Marshal(map[string]uint64{
			"missedFrom": f.MissedFrom,
			"resumeAt":   f.ResumeAt,
		})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "event: missed_events\ndata: %s\n\n", data)
		return err
	default:
		data, err := json.Marshal(f.Event)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", f.Event.Sequence, data)
		return err
	}
}
