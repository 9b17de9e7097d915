package checkpoint

import (
	"context"
	"testing"

	"github.com/itsacoffee/aura-video-studio/internal/models"
)

// memStore mirrors the Postgres semantics: first write per (job, stage)
// wins.
type memStore struct {
	cps map[string]models.Checkpoint
}

func newMemStore() *memStore {
	return &memStore{cps: make(map[string]models.Checkpoint)}
}

func (m *memStore) SaveCheckpoint(_ context.Context, cp models.Checkpoint) error {
	key := cp.JobID + "/" + cp.Stage
	if _, ok := m.cps[key]; ok {
		return nil
	}
	m.cps[key] = cp
	return nil
}

func (m *memStore) LoadCheckpoints(_ context.Context, jobID string) ([]models.Checkpoint, error) {
	var out []models.Checkpoint
	for _, cp := range m.cps {
		if cp.JobID == jobID {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (m *memStore) DeleteCheckpoints(_ context.Context, jobID string) error {
	for key, cp := range m.cps {
		if cp.JobID == jobID {
			delete(m.cps, key)
		}
	}
	return nil
}

func TestManagerSaveAndCompleted(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newMemStore())

	if err := m.Save(ctx, "job-1", models.StageScript, []string{"/tmp/script.txt"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := m.Save(ctx, "job-1", models.StageVoice, []string{"/tmp/voice.mp3"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	done, err := m.Completed(ctx, "job-1")
	if err != nil {
		t.Fatalf("completed: %v", err)
	}
	if len(done) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(done))
	}
	cp, ok := done[models.StageScript]
	if !ok || cp.Artifacts[0] != "/tmp/script.txt" {
		t.Fatalf("script checkpoint missing or wrong: %+v", cp)
	}
}

func TestManagerSaveIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newMemStore())

	if err := m.Save(ctx, "job-1", models.StageScript, []string{"first.txt"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := m.Save(ctx, "job-1", models.StageScript, []string{"second.txt"}); err != nil {
		t.Fatalf("save again: %v", err)
	}

	done, _ := m.Completed(ctx, "job-1")
	if got := done[models.StageScript].Artifacts[0]; got != "first.txt" {
		t.Fatalf("repeat save must not overwrite, got %s", got)
	}
}

func TestManagerInvalidate(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newMemStore())

	m.Save(ctx, "job-1", models.StageScript, nil)
	m.Save(ctx, "job-2", models.StageScript, nil)
	if err := m.Invalidate(ctx, "job-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	done, _ := m.Completed(ctx, "job-1")
	if len(done) != 0 {
		t.Fatalf("expected no checkpoints after invalidate, got %d", len(done))
	}
	other, _ := m.Completed(ctx, "job-2")
	if len(other) != 1 {
		t.Fatalf("other job's checkpoints must survive")
	}
}
