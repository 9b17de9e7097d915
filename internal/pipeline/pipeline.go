// Package pipeline runs the six-stage video generation flow for one job:
// brief validation, script generation, scene parsing, voice synthesis,
// visual generation, and composition. Stages execute strictly in order,
// checkpoint on success, and resume by skipping checkpointed stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/itsacoffee/aura-video-studio/internal/artifacts"
	"github.com/itsacoffee/aura-video-studio/internal/checkpoint"
	"github.com/itsacoffee/aura-video-studio/internal/config"
	"github.com/itsacoffee/aura-video-studio/internal/gateway"
	"github.com/itsacoffee/aura-video-studio/internal/models"
	"github.com/itsacoffee/aura-video-studio/internal/progress"
	"github.com/itsacoffee/aura-video-studio/internal/provider"
	"github.com/itsacoffee/aura-video-studio/internal/telemetry"
)

var (
	// ErrCancelled means the job's context was cancelled; the job stops
	// silently without marking providers unhealthy.
	ErrCancelled = errors.New("job cancelled")
	// ErrValidation means the job spec cannot produce a video. Not
	// recoverable by retry.
	ErrValidation = errors.New("invalid job spec")
)

// stageSpan maps a stage to its slice of overall percent. Start is where
// the stage begins on the overall bar, End where it completes.
type stageSpan struct {
	Start float64
	End   float64
}

var stageSpans = map[string]stageSpan{
	models.StageBrief:       {0, 5},
	models.StageScript:      {5, 30},
	models.StageScenes:      {30, 35},
	models.StageVoice:       {35, 55},
	models.StageVisuals:     {55, 85},
	models.StageComposition: {85, 100},
}

// Pipeline wires the gateway, checkpoint manager, artifact store, and
// progress hub into a runnable job executor. One Pipeline serves many
// concurrent jobs; all per-job state lives in the Context.
type Pipeline struct {
	gw    *gateway.Gateway
	cps   *checkpoint.Manager
	store artifacts.Store
	hub   *progress.Hub
	cfg   config.Config
}

func New(gw *gateway.Gateway, cps *checkpoint.Manager, store artifacts.Store, hub *progress.Hub, cfg config.Config) *Pipeline {
	return &Pipeline{gw: gw, cps: cps, store: store, hub: hub, cfg: cfg}
}

type stageFunc func(ctx context.Context, pc *Context) ([]string, string, error)

// Run executes the job from its first incomplete stage. It returns the
// populated Context together with the terminal error, if any, so the caller
// can persist accumulated errors and metrics either way.
func (p *Pipeline) Run(ctx context.Context, job models.Job) (*Context, error) {
	pc := NewContext(job)
	defer pc.RunCleanups()

	done, err := p.cps.Completed(ctx, job.ID)
	if err != nil {
		return pc, fmt.Errorf("load checkpoints: %w", err)
	}

	startedAt := pc.StartedAt()
	stages := map[string]stageFunc{
		models.StageBrief:       p.runBrief,
		models.StageScript:      p.runScript,
		models.StageScenes:      p.runScenes,
		models.StageVoice:       p.runVoice,
		models.StageVisuals:     p.runVisuals,
		models.StageComposition: p.runComposition,
	}

	for _, stage := range models.StageOrder {
		if err := ctx.Err(); err != nil {
			return pc, p.cancelled(pc, stage)
		}

		if cp, ok := done[stage]; ok {
			if err := p.restore(pc, cp); err != nil {
				// Checkpoint artifacts are gone; rerun the stage.
				log.Printf("job=%s stage=%s checkpoint unusable, rerunning: %v", job.ID, stage, err)
			} else {
				pc.AddMetrics(models.StageMetrics{Stage: stage, Skipped: true, FinishedAt: time.Now().UTC()})
				p.publish(pc, stage, stageSpans[stage].End, 100, "restored from checkpoint", startedAt)
				continue
			}
		}

		p.publish(pc, stage, stageSpans[stage].Start, 0, "stage started", startedAt)
		stageStart := time.Now()
		artifactPaths, providerName, err := stages[stage](ctx, pc)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
				return pc, p.cancelled(pc, stage)
			}
			pc.AddError(models.JobError{
				Stage:       stage,
				Provider:    providerName,
				Message:     err.Error(),
				Recoverable: provider.IsTransient(err),
				At:          time.Now().UTC(),
			})
			return pc, fmt.Errorf("stage %s: %w", stage, err)
		}

		elapsed := time.Since(stageStart)
		telemetry.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
		pc.AddMetrics(models.StageMetrics{
			Stage:      stage,
			Provider:   providerName,
			Duration:   elapsed,
			Items:      len(artifactPaths),
			FinishedAt: time.Now().UTC(),
		})
		pc.SetStageArtifacts(stage, artifactPaths)

		if err := p.cps.Save(ctx, job.ID, stage, artifactPaths); err != nil {
			return pc, fmt.Errorf("checkpoint stage %s: %w", stage, err)
		}
		p.publish(pc, stage, stageSpans[stage].End, 100, "stage complete", startedAt)
	}

	p.publish(pc, models.StageComposition, 100, 100, "job complete", startedAt)
	return pc, nil
}

// cancelled releases the job's locks and returns the silent-stop error.
func (p *Pipeline) cancelled(pc *Context, stage string) error {
	p.gw.Locks().ReleaseJob(pc.Job.ID)
	return fmt.Errorf("%w: stage=%s", ErrCancelled, stage)
}

// publish emits a progress frame through the hub.
func (p *Pipeline) publish(pc *Context, stage string, overall, stagePct float64, msg string, startedAt time.Time) {
	p.hub.Publish(pc.Job.ID, models.ProgressEvent{
		JobID:          pc.Job.ID,
		Stage:          stage,
		OverallPercent: overall,
		StagePercent:   stagePct,
		Message:        msg,
		ETASeconds:     estimateETA(startedAt, overall),
		CorrelationID:  pc.Job.CorrelationID,
	})
}

// publishSceneProgress reports visual fan-out progress as scenes finish,
// interpolating the overall percent across the stage's span.
func (p *Pipeline) publishSceneProgress(pc *Context, finished, total int) {
	if total <= 0 {
		return
	}
	span := stageSpans[models.StageVisuals]
	frac := float64(finished) / float64(total)
	overall := span.Start + (span.End-span.Start)*frac
	msg := fmt.Sprintf("scene %d/%d finished", finished, total)
	p.publish(pc, models.StageVisuals, overall, frac*100, msg, pc.StartedAt())
}

// estimateETA extrapolates remaining time from elapsed wall time and the
// overall percent. Zero until there is enough signal to extrapolate from.
func estimateETA(startedAt time.Time, overall float64) int {
	if overall < 1 || overall >= 100 {
		return 0
	}
	elapsed := time.Since(startedAt).Seconds()
	return int(elapsed * (100 - overall) / overall)
}

// callLocked resolves the provider currently bound to the stage and runs the
// call through the gateway. A confirmed fallback between attempts swaps the
// lock, so a stale-lock failure is retried once against the new binding.
func (p *Pipeline) callLocked(ctx context.Context, pc *Context, stage string, input map[string]any) (provider.Artifact, string, error) {
	for attempt := 0; ; attempt++ {
		l, ok := p.gw.Locks().Get(pc.Job.ID, stage)
		if !ok {
			return provider.Artifact{}, "", fmt.Errorf("%w: job=%s stage=%s", gateway.ErrProviderNotLocked, pc.Job.ID, stage)
		}
		name := l.Provider()
		a, err := p.gw.ExecuteWithPatience(ctx, provider.Request{
			JobID:         pc.Job.ID,
			Stage:         stage,
			CorrelationID: pc.Job.CorrelationID,
			Input:         input,
		}, name)
		if errors.Is(err, gateway.ErrProviderNotLocked) && attempt == 0 {
			continue
		}
		return a, name, err
	}
}

// lockStage binds the stage to its configured default provider and returns
// a release func. The binding survives until the stage finishes or a
// confirmed fallback replaces it.
func (p *Pipeline) lockStage(pc *Context, stage, providerName string) (func(), error) {
	if _, err := p.gw.AcquireLock(pc.Job.ID, stage, providerName, pc.Job.CorrelationID); err != nil {
		return nil, err
	}
	return func() {
		if l, ok := p.gw.Locks().Get(pc.Job.ID, stage); ok {
			l.Release()
		}
	}, nil
}
