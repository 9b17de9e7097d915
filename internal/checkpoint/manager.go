// Package checkpoint persists per-stage completion markers so a resumed job
// skips stages that already finished.
package checkpoint

import (
	"context"
	"time"

	"github.com/itsacoffee/aura-video-studio/internal/models"
)

// Store is the persistence surface the manager needs.
type Store interface {
	SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error
	LoadCheckpoints(ctx context.Context, jobID string) ([]models.Checkpoint, error)
	DeleteCheckpoints(ctx context.Context, jobID string) error
}

// Manager mediates checkpoint reads and writes for the pipeline.
type Manager struct {
	store Store
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Save marks a stage complete with its artifact locations. Idempotent per
// (job, stage): a second save with the same artifacts changes nothing.
func (m *Manager) Save(ctx context.Context, jobID, stage string, artifacts []string) error {
	return m.store.SaveCheckpoint(ctx, models.Checkpoint{
		JobID:       jobID,
		Stage:       stage,
		Artifacts:   artifacts,
		CompletedAt: time.Now().UTC(),
	})
}

// Completed returns the job's checkpointed stages keyed by stage name.
func (m *Manager) Completed(ctx context.Context, jobID string) (map[string]models.Checkpoint, error) {
	cps, err := m.store.LoadCheckpoints(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Checkpoint, len(cps))
	for _, cp := range cps {
		out[cp.Stage] = cp
	}
	return out, nil
}

// Invalidate deletes a job's checkpoints for a restart from scratch.
func (m *Manager) Invalidate(ctx context.Context, jobID string) error {
	return m.store.DeleteCheckpoints(ctx, jobID)
}
