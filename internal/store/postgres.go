package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itsacoffee/aura-video-studio/internal/models"
)

// ErrNotFound is returned when a job id has no row.
var ErrNotFound = errors.New("job not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJob inserts a queued job with a fresh id and correlation id.
func (s *Store) CreateJob(ctx context.Context, spec models.JobSpec, priority, maxRetries int) (models.Job, error) {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal spec: %w", err)
	}
	now := time.Now().UTC()
	job := models.Job{
		ID:            uuid.New().String(),
		CorrelationID: uuid.New().String(),
		Priority:      priority,
		Status:        models.StatusQueued,
		Spec:          spec,
		MaxRetries:    maxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, correlation_id, priority, status, spec, retry_count, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
	`, job.ID, job.CorrelationID, job.Priority, job.Status, specJSON, job.MaxRetries, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, correlation_id, priority, status, spec, retry_count, max_retries, last_attempt_at, last_error, errors, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var specJSON, errsJSON []byte
	var lastAttempt pgtype.Timestamptz
	var lastErr pgtype.Text

	err := row.Scan(&job.ID, &job.CorrelationID, &job.Priority, &job.Status, &specJSON,
		&job.RetryCount, &job.MaxRetries, &lastAttempt, &lastErr, &errsJSON,
		&job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(specJSON, &job.Spec); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal spec: %w", err)
	}
	if len(errsJSON) > 0 {
		if err := json.Unmarshal(errsJSON, &job.Errors); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal errors: %w", err)
		}
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time
		job.LastAttemptAt = &t
	}
	if lastErr.Valid {
		v := lastErr.String
		job.LastError = &v
	}
	return job, nil
}

// MarkRunning transitions a job to running and stamps the attempt time.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_attempt_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id, models.StatusRunning)
	return err
}

// MarkDone transitions a job to done and clears any last error.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.StatusDone)
	return err
}

// MarkFailed records the terminal error list and transitions to failed.
func (s *Store) MarkFailed(ctx context.Context, id string, jobErrors []models.JobError) error {
	errsJSON, err := json.Marshal(jobErrors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	var last *string
	if n := len(jobErrors); n > 0 {
		last = &jobErrors[n-1].Message
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, errors = $3, last_error = $4, updated_at = NOW() WHERE id = $1
	`, id, models.StatusFailed, errsJSON, last)
	return err
}

// MarkCancelled transitions a job to cancelled.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.StatusCancelled)
	return err
}

// RequeueForRetry bumps the retry counter and returns the job to queued.
// Callers gate eligibility (attempt limit, backoff) before this.
func (s *Store) RequeueForRetry(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, retry_count = retry_count + 1, updated_at = NOW() WHERE id = $1
	`, id, models.StatusQueued)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveCheckpoint writes a stage completion marker. Repeating the write for
// the same (job, stage) leaves the original record unchanged.
func (s *Store) SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error {
	artifactsJSON, err := json.Marshal(cp.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO checkpoints (job_id, stage, artifacts, completed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id, stage) DO NOTHING
	`, cp.JobID, cp.Stage, artifactsJSON, cp.CompletedAt)
	return err
}

// LoadCheckpoints returns a job's completed stages in completion order.
func (s *Store) LoadCheckpoints(ctx context.Context, jobID string) ([]models.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, stage, artifacts, completed_at
		FROM checkpoints WHERE job_id = $1 ORDER BY completed_at
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []models.Checkpoint
	for rows.Next() {
		var cp models.Checkpoint
		var artifactsJSON []byte
		if err := rows.Scan(&cp.JobID, &cp.Stage, &artifactsJSON, &cp.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if err := json.Unmarshal(artifactsJSON, &cp.Artifacts); err != nil {
			return nil, fmt.Errorf("unmarshal artifacts: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DeleteCheckpoints invalidates all of a job's checkpoints (restart from
// scratch).
func (s *Store) DeleteCheckpoints(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE job_id = $1`, jobID)
	return err
}

// AppendFallback adds one row to the append-only fallback audit log.
func (s *Store) AppendFallback(ctx context.Context, d models.FallbackDecision) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fallback_decisions (job_id, stage, from_provider, to_provider, reason, confirmed, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, d.JobID, d.Stage, d.FromProvider, d.ToProvider, d.Reason, d.Confirmed, d.DecidedAt)
	return err
}

// ListFallbacks returns a job's fallback audit trail in decision order.
func (s *Store) ListFallbacks(ctx context.Context, jobID string) ([]models.FallbackDecision, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, stage, from_provider, to_provider, reason, confirmed, decided_at
		FROM fallback_decisions WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query fallbacks: %w", err)
	}
	defer rows.Close()

	var out []models.FallbackDecision
	for rows.Next() {
		var d models.FallbackDecision
		if err := rows.Scan(&d.JobID, &d.Stage, &d.FromProvider, &d.ToProvider, &d.Reason, &d.Confirmed, &d.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan fallback: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteTerminalBefore archives jobs that reached a terminal state before
// the cutoff, together with their checkpoints and audit rows.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		DELETE FROM checkpoints WHERE job_id IN (
			SELECT id FROM jobs WHERE status IN ($1, $2, $3) AND updated_at < $4
		)
	`, models.StatusDone, models.StatusFailed, models.StatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", err)
	}
	_, err = tx.Exec(ctx, `
		DELETE FROM fallback_decisions WHERE job_id IN (
			SELECT id FROM jobs WHERE status IN ($1, $2, $3) AND updated_at < $4
		)
	`, models.StatusDone, models.StatusFailed, models.StatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete fallbacks: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		DELETE FROM jobs WHERE status IN ($1, $2, $3) AND updated_at < $4
	`, models.StatusDone, models.StatusFailed, models.StatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return tag.RowsAffected(), nil
}
