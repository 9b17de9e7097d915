// Package scheduler drives job execution: it promotes and dequeues work from
// the priority queue under a concurrency cap, runs each job through the
// pipeline, and settles terminal states, retries, and retention.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/itsacoffee/aura-video-studio/internal/config"
	"github.com/itsacoffee/aura-video-studio/internal/lock"
	"github.com/itsacoffee/aura-video-studio/internal/models"
	"github.com/itsacoffee/aura-video-studio/internal/pipeline"
	"github.com/itsacoffee/aura-video-studio/internal/progress"
	"github.com/itsacoffee/aura-video-studio/internal/provider"
	"github.com/itsacoffee/aura-video-studio/internal/queue"
	"github.com/itsacoffee/aura-video-studio/internal/store"
	"github.com/itsacoffee/aura-video-studio/internal/telemetry"
)

var (
	// ErrNotEligible means the job's state does not admit a retry.
	ErrNotEligible = errors.New("job not eligible for retry")
	// ErrExhausted means the job already used its retry budget.
	ErrExhausted = errors.New("retry budget exhausted")
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkRunning(ctx context.Context, id string) error
	MarkDone(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, jobErrors []models.JobError) error
	MarkCancelled(ctx context.Context, id string) error
	RequeueForRetry(ctx context.Context, id string) error
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Runner executes one job end to end.
type Runner interface {
	Run(ctx context.Context, job models.Job) (*pipeline.Context, error)
}

// Scheduler owns the dequeue loop and the in-flight job table.
type Scheduler struct {
	store  Store
	queue  *queue.Queue
	runner Runner
	hub    *progress.Hub
	locks  *lock.Table
	cfg    config.Config

	slots chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(st Store, q *queue.Queue, runner Runner, hub *progress.Hub, locks *lock.Table, cfg config.Config) *Scheduler {
	max := cfg.MaxConcurrentJobs
	if max <= 0 {
		max = 1
	}
	return &Scheduler{
		store:   st,
		queue:   q,
		runner:  runner,
		hub:     hub,
		locks:   locks,
		cfg:     cfg,
		slots:   make(chan struct{}, max),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Run polls the queue until ctx is cancelled, then waits for in-flight jobs
// to settle.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	sweep := time.NewTicker(time.Hour)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-sweep.C:
			s.sweepRetention(ctx)
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	if n, err := s.queue.PromoteScheduled(ctx, now, 64); err != nil {
		log.Printf("promote scheduled: %v", err)
	} else if n > 0 {
		log.Printf("promoted %d scheduled jobs", n)
	}
	if ids, err := s.queue.RequeueExpired(ctx, now, 64); err != nil {
		log.Printf("requeue expired: %v", err)
	} else if len(ids) > 0 {
		log.Printf("reclaimed %d expired leases", len(ids))
	}
	if depth, err := s.queue.Depth(ctx); err == nil {
		telemetry.QueueDepth.Set(float64(depth))
	}

	for {
		select {
		case s.slots <- struct{}{}:
		default:
			return
		}
		jobID, err := s.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			<-s.slots
			if err != nil {
				log.Printf("dequeue: %v", err)
			}
			return
		}
		s.wg.Add(1)
		go func(id string) {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.runJob(ctx, id)
		}(jobID)
	}
}

func (s *Scheduler) runJob(ctx context.Context, jobID string) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		s.ack(jobID)
		return
	}
	if err != nil {
		log.Printf("job=%s load: %v", jobID, err)
		return
	}
	if models.Terminal(job.Status) {
		// Cancelled (or already settled) while queued.
		s.ack(jobID)
		return
	}

	if err := s.store.MarkRunning(ctx, jobID); err != nil {
		log.Printf("job=%s mark running: %v", jobID, err)
		return
	}
	telemetry.RunningJobs.Inc()
	defer telemetry.RunningJobs.Dec()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.track(jobID, cancel)
	defer s.untrack(jobID)

	watchDone := make(chan struct{})
	go s.watchJob(jobCtx, jobID, cancel, watchDone)

	log.Printf("job=%s priority=%d retry=%d starting", jobID, job.Priority, job.RetryCount)
	pc, runErr := s.runner.Run(jobCtx, job)
	cancel()
	<-watchDone

	s.settle(context.Background(), job, pc, runErr)
}

// watchJob extends the queue lease and watches for external cancellation
// while the job runs. Cancellation lands in Postgres via the API service;
// this poll is what turns it into a context cancel in this process.
func (s *Scheduler) watchJob(ctx context.Context, jobID string, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	interval := s.cfg.PollInterval * 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.queue.ExtendLease(ctx, jobID, s.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
				log.Printf("job=%s extend lease: %v", jobID, err)
			}
			job, err := s.store.GetJob(ctx, jobID)
			if err != nil {
				continue
			}
			if job.Status == models.StatusCancelled {
				cancel()
				return
			}
		}
	}
}

// settle records the job's terminal state or schedules a retry.
func (s *Scheduler) settle(ctx context.Context, job models.Job, pc *pipeline.Context, runErr error) {
	jobID := job.ID
	retried := false
	defer func() {
		s.locks.Drop(jobID)
		if retried {
			// The scheduled set still references the job, so only the
			// lease is released and the meta record stays.
			s.release(jobID)
			return
		}
		s.ack(jobID)
		s.expireStream(jobID)
	}()

	if runErr == nil {
		if err := s.store.MarkDone(ctx, jobID); err != nil {
			log.Printf("job=%s mark done: %v", jobID, err)
			return
		}
		telemetry.JobsCompleted.Inc()
		log.Printf("job=%s done", jobID)
		return
	}

	if errors.Is(runErr, pipeline.ErrCancelled) || errors.Is(runErr, context.Canceled) {
		if err := s.store.MarkCancelled(ctx, jobID); err != nil {
			log.Printf("job=%s mark cancelled: %v", jobID, err)
			return
		}
		telemetry.JobsCancelled.Inc()
		log.Printf("job=%s cancelled", jobID)
		return
	}

	jobErrors := job.Errors
	if pc != nil {
		jobErrors = append(jobErrors, pc.Errors()...)
	}
	if len(jobErrors) == 0 {
		jobErrors = append(jobErrors, models.JobError{
			Message:     runErr.Error(),
			Recoverable: recoverable(runErr),
			At:          time.Now().UTC(),
		})
	}

	if recoverable(runErr) && job.RetryCount < job.MaxRetries {
		if err := s.store.RequeueForRetry(ctx, jobID); err != nil {
			log.Printf("job=%s requeue: %v", jobID, err)
			return
		}
		delay := RetryDelay(s.cfg.RetryBase, s.cfg.RetryCap, job.RetryCount+1)
		if err := s.queue.Schedule(ctx, jobID, job.Priority, time.Now().Add(delay)); err != nil {
			log.Printf("job=%s schedule retry: %v", jobID, err)
			return
		}
		retried = true
		s.publishNote(job, fmt.Sprintf("retry %d/%d scheduled in %s", job.RetryCount+1, job.MaxRetries, delay.Round(time.Second)))
		log.Printf("job=%s retry %d/%d in %s: %v", jobID, job.RetryCount+1, job.MaxRetries, delay.Round(time.Second), runErr)
		return
	}

	if err := s.store.MarkFailed(ctx, jobID, jobErrors); err != nil {
		log.Printf("job=%s mark failed: %v", jobID, err)
		return
	}
	telemetry.JobsFailed.Inc()
	s.publishNote(job, "job failed: "+runErr.Error())
	log.Printf("job=%s failed: %v", jobID, runErr)
}

func (s *Scheduler) ack(jobID string) {
	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := s.queue.Ack(ctx, jobID); err != nil {
		log.Printf("job=%s ack: %v", jobID, err)
	}
}

func (s *Scheduler) release(jobID string) {
	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := s.queue.Release(ctx, jobID); err != nil {
		log.Printf("job=%s release lease: %v", jobID, err)
	}
}

func (s *Scheduler) publishNote(job models.Job, msg string) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(job.ID, models.ProgressEvent{
		JobID:         job.ID,
		Message:       msg,
		CorrelationID: job.CorrelationID,
	})
}

// expireStream keeps the progress stream readable for the retention window,
// then drops it.
func (s *Scheduler) expireStream(jobID string) {
	if s.hub == nil {
		return
	}
	window := s.cfg.RetentionWindow
	if window <= 0 {
		window = time.Hour
	}
	time.AfterFunc(window, func() { s.hub.Drop(jobID) })
}

func (s *Scheduler) track(jobID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[jobID] = cancel
}

func (s *Scheduler) untrack(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, jobID)
}

// CancelRunning cancels a job executing in this process. Returns false when
// the job is not running here; queued jobs are cancelled through the store
// and queue instead.
func (s *Scheduler) CancelRunning(jobID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Scheduler) sweepRetention(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.RetentionWindow)
	n, err := s.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		log.Printf("retention sweep: %v", err)
		return
	}
	if n > 0 {
		log.Printf("retention sweep removed %d jobs", n)
	}
}

// recoverable reports whether a run error may succeed on a later attempt.
// Validation failures, hard provider errors, and cancellations never retry.
func recoverable(err error) bool {
	if errors.Is(err, pipeline.ErrValidation) || errors.Is(err, pipeline.ErrCancelled) || errors.Is(err, context.Canceled) {
		return false
	}
	if provider.IsHard(err) {
		return false
	}
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	// Infrastructure errors (store, artifact IO) default to retryable.
	return true
}

// RetryDelay is the scheduling backoff for attempt n (1-based): base doubled
// per attempt, capped at ceiling.
func RetryDelay(base, ceiling time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

// CheckRetry gates the user-requested retry operation: only failed jobs with
// a recoverable latest error, remaining budget, and an elapsed backoff delay
// are eligible.
func CheckRetry(job models.Job, base, ceiling time.Duration, now time.Time) error {
	if job.Status != models.StatusFailed {
		return fmt.Errorf("%w: status=%s", ErrNotEligible, job.Status)
	}
	if job.RetryCount >= job.MaxRetries {
		return fmt.Errorf("%w: %d/%d attempts used", ErrExhausted, job.RetryCount, job.MaxRetries)
	}
	if n := len(job.Errors); n > 0 && !job.Errors[n-1].Recoverable {
		return fmt.Errorf("%w: last error is not recoverable", ErrNotEligible)
	}
	if job.LastAttemptAt != nil {
		delay := RetryDelay(base, ceiling, job.RetryCount+1)
		if elapsed := now.Sub(*job.LastAttemptAt); elapsed < delay {
			return fmt.Errorf("%w: not yet eligible, %s of %s backoff remaining",
				ErrNotEligible, (delay - elapsed).Round(time.Second), delay)
		}
	}
	return nil
}
