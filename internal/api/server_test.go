package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/itsacoffee/aura-video-studio/internal/config"
	"github.com/itsacoffee/aura-video-studio/internal/models"
	"github.com/itsacoffee/aura-video-studio/internal/queue"
	"github.com/itsacoffee/aura-video-studio/internal/store"
)

type fakeJobStore struct {
	mu                 sync.Mutex
	jobs               map[string]models.Job
	requeued           []string
	clearedCheckpoints []string
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]models.Job)}
}

func (f *fakeJobStore) CreateJob(_ context.Context, spec models.JobSpec, priority, maxRetries int) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := models.Job{
		ID:         "job-" + spec.Brief[:1],
		Priority:   priority,
		Status:     models.StatusQueued,
		Spec:       spec,
		MaxRetries: maxRetries,
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobStore) GetJob(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobStore) MarkCancelled(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[id]
	job.Status = models.StatusCancelled
	f.jobs[id] = job
	return nil
}

func (f *fakeJobStore) RequeueForRetry(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[id]
	job.Status = models.StatusQueued
	job.RetryCount++
	f.jobs[id] = job
	f.requeued = append(f.requeued, id)
	return nil
}

func (f *fakeJobStore) DeleteCheckpoints(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearedCheckpoints = append(f.clearedCheckpoints, jobID)
	return nil
}

func (f *fakeJobStore) ListFallbacks(_ context.Context, _ string) ([]models.FallbackDecision, error) {
	return nil, nil
}

func (f *fakeJobStore) put(job models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
}

func newTestServer(t *testing.T) (*Server, *fakeJobStore, *queue.Queue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	q := queue.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)

	st := newFakeJobStore()
	cfg := config.Config{
		MaxRetries: 3,
		RetryBase:  30 * time.Second,
		RetryCap:   15 * time.Minute,
	}
	return NewServer(cfg, st, q, nil), st, q
}

func TestSubmitEnqueuesJob(t *testing.T) {
	srv, st, q := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"brief":"a film about tides","target_duration_sec":60,"priority":2}`
	resp, err := http.Post(ts.URL+"/jobs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	job, err := st.GetJob(context.Background(), "job-a")
	if err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if job.MaxRetries != 3 {
		t.Fatalf("expected default max retries, got %d", job.MaxRetries)
	}
	if got, _ := q.DequeueWithLease(context.Background()); got != job.ID {
		t.Fatalf("expected job on the queue, got %q", got)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, body := range []string{
		`{"brief":"  "}`,
		`{"brief":"ok","target_duration_sec":4000}`,
		`{"brief":"ok","priority":-1}`,
	} {
		resp, err := http.Post(ts.URL+"/jobs", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestCancelQueuedJob(t *testing.T) {
	srv, st, q := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	st.put(models.Job{ID: "job-1", Status: models.StatusQueued})
	q.Enqueue(context.Background(), "job-1", 1)

	resp, err := http.Post(ts.URL+"/jobs/job-1/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	job, _ := st.GetJob(context.Background(), "job-1")
	if job.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
	if got, _ := q.DequeueWithLease(context.Background()); got != "" {
		t.Fatalf("cancelled job still on queue: %q", got)
	}

	// Terminal jobs reject a second cancel.
	resp, _ = http.Post(ts.URL+"/jobs/job-1/cancel", "application/json", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for terminal job, got %d", resp.StatusCode)
	}
}

func TestRetryRejectedBeforeBackoff(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	attempt := time.Now().Add(-time.Second)
	st.put(models.Job{
		ID:            "job-1",
		Status:        models.StatusFailed,
		RetryCount:    1,
		MaxRetries:    3,
		LastAttemptAt: &attempt,
		Errors:        []models.JobError{{Message: "throttled", Recoverable: true}},
	})

	resp, err := http.Post(ts.URL+"/jobs/job-1/retry", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 before backoff elapsed, got %d", resp.StatusCode)
	}
}

func TestRetryFromScratchClearsCheckpoints(t *testing.T) {
	srv, st, q := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	attempt := time.Now().Add(-time.Hour)
	st.put(models.Job{
		ID:            "job-1",
		Status:        models.StatusFailed,
		RetryCount:    1,
		MaxRetries:    3,
		LastAttemptAt: &attempt,
		Errors:        []models.JobError{{Message: "throttled", Recoverable: true}},
	})

	resp, err := http.Post(ts.URL+"/jobs/job-1/retry?from_scratch=true", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	if len(st.clearedCheckpoints) != 1 || st.clearedCheckpoints[0] != "job-1" {
		t.Fatalf("expected checkpoints cleared for job-1, got %v", st.clearedCheckpoints)
	}
	if len(st.requeued) != 1 {
		t.Fatalf("expected job requeued, got %v", st.requeued)
	}
	if got, _ := q.DequeueWithLease(context.Background()); got != "job-1" {
		t.Fatalf("expected job back on the queue, got %q", got)
	}

	// A plain retry keeps the checkpoints.
	job, _ := st.GetJob(context.Background(), "job-1")
	job.Status = models.StatusFailed
	job.LastAttemptAt = &attempt
	st.put(job)
	resp, _ = http.Post(ts.URL+"/jobs/job-1/retry", "application/json", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if len(st.clearedCheckpoints) != 1 {
		t.Fatalf("plain retry must not clear checkpoints, got %v", st.clearedCheckpoints)
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/jobs/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
