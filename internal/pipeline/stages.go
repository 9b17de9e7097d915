package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/itsacoffee/aura-video-studio/internal/models"
	"github.com/itsacoffee/aura-video-studio/internal/provider"
)

const defaultTargetSec = 60

// runBrief validates the submitted spec. No provider is involved; a bad
// brief fails the job without a retry.
func (p *Pipeline) runBrief(_ context.Context, pc *Context) ([]string, string, error) {
	spec := pc.Job.Spec
	if strings.TrimSpace(spec.Brief) == "" {
		return nil, "", fmt.Errorf("%w: brief is empty", ErrValidation)
	}
	if spec.TargetDurationSec < 0 || spec.TargetDurationSec > 3600 {
		return nil, "", fmt.Errorf("%w: target duration %ds out of range", ErrValidation, spec.TargetDurationSec)
	}
	return nil, "", nil
}

// runScript generates the narration script through the locked script
// provider.
func (p *Pipeline) runScript(ctx context.Context, pc *Context) ([]string, string, error) {
	release, err := p.lockStage(pc, models.StageScript, p.cfg.ScriptProvider)
	if err != nil {
		return nil, p.cfg.ScriptProvider, err
	}
	defer release()

	target := pc.Job.Spec.TargetDurationSec
	if target <= 0 {
		target = defaultTargetSec
	}
	a, name, err := p.callLocked(ctx, pc, models.StageScript, map[string]any{
		"brief":               pc.Job.Spec.Brief,
		"target_duration_sec": target,
		"style":               pc.Job.Spec.Style,
	})
	if err != nil {
		return nil, name, err
	}
	script := strings.TrimSpace(string(a.Data))
	if script == "" {
		return nil, name, provider.Hardf("script provider returned empty output")
	}
	pc.SetScript(script)

	path, err := p.store.Put(ctx, pc.Job.ID+"/script.txt", []byte(script), "text/plain")
	if err != nil {
		return nil, name, fmt.Errorf("store script: %w", err)
	}
	return []string{path}, name, nil
}

// runScenes parses the script into a scene plan locally and allocates
// per-scene durations weighted by narration length.
func (p *Pipeline) runScenes(ctx context.Context, pc *Context) ([]string, string, error) {
	plan := planScenes(pc.Job.Spec, pc.Script())
	if len(plan.Scenes) == 0 {
		return nil, "", fmt.Errorf("%w: script yields no scenes", ErrValidation)
	}
	pc.SetPlan(plan)

	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("marshal scene plan: %w", err)
	}
	path, err := p.store.Put(ctx, pc.Job.ID+"/scenes.json", data, "application/json")
	if err != nil {
		return nil, "", fmt.Errorf("store scene plan: %w", err)
	}
	return []string{path}, "", nil
}

// runVoice synthesizes the full narration through the locked voice provider.
func (p *Pipeline) runVoice(ctx context.Context, pc *Context) ([]string, string, error) {
	release, err := p.lockStage(pc, models.StageVoice, p.cfg.VoiceProvider)
	if err != nil {
		return nil, p.cfg.VoiceProvider, err
	}
	defer release()

	voice := pc.Job.Spec.Voice
	if voice == "" {
		voice = p.cfg.PollyVoice
	}
	a, name, err := p.callLocked(ctx, pc, models.StageVoice, map[string]any{
		"script": pc.Script(),
		"voice":  voice,
	})
	if err != nil {
		return nil, name, err
	}

	path, err := p.store.Put(ctx, pc.Job.ID+"/voice.mp3", a.Data, a.Kind)
	if err != nil {
		return nil, name, fmt.Errorf("store narration: %w", err)
	}
	pc.SetVoicePath(path)
	return []string{path}, name, nil
}

// runVisuals generates one still per scene with a bounded worker pool. The
// stage is lenient: individual scene failures are recorded as recoverable
// errors and the stage succeeds as long as at least one still rendered.
func (p *Pipeline) runVisuals(ctx context.Context, pc *Context) ([]string, string, error) {
	release, err := p.lockStage(pc, models.StageVisuals, p.cfg.VisualProvider)
	if err != nil {
		return nil, p.cfg.VisualProvider, err
	}
	defer release()

	plan := pc.Plan()
	paths := make([]string, len(plan.Scenes))
	var (
		mu       sync.Mutex
		lastErr  error
		finished atomic.Int64
	)
	sceneDone := func() {
		p.publishSceneProgress(pc, int(finished.Add(1)), len(plan.Scenes))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.VisualWorkers)
	for i, scene := range plan.Scenes {
		i, scene := i, scene
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a, name, err := p.callLocked(gctx, pc, models.StageVisuals, map[string]any{
				"prompt": scene.Prompt,
				"style":  pc.Job.Spec.Style,
				"scene":  scene.Index,
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				pc.AddError(models.JobError{
					Stage:       models.StageVisuals,
					Provider:    name,
					Message:     fmt.Sprintf("scene %d: %v", scene.Index, err),
					Recoverable: provider.IsTransient(err),
					At:          time.Now().UTC(),
				})
				mu.Lock()
				lastErr = err
				mu.Unlock()
				sceneDone()
				return nil
			}
			key := fmt.Sprintf("%s/visuals/scene-%03d.jpg", pc.Job.ID, scene.Index)
			path, err := p.store.Put(gctx, key, a.Data, a.Kind)
			if err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
				sceneDone()
				return nil
			}
			paths[i] = path
			sceneDone()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, p.currentProvider(pc, models.StageVisuals), err
	}

	var rendered []string
	for _, path := range paths {
		if path != "" {
			rendered = append(rendered, path)
		}
	}
	if len(rendered) == 0 {
		if lastErr != nil {
			return nil, p.currentProvider(pc, models.StageVisuals), fmt.Errorf("all %d scenes failed: %w", len(plan.Scenes), lastErr)
		}
		return nil, "", provider.Hardf("no scene stills produced")
	}
	pc.SetVisualPaths(paths)
	return rendered, p.currentProvider(pc, models.StageVisuals), nil
}

// runComposition binds narration and stills into the final composition
// manifest through the locked render provider. Scenes without a still are
// dropped from the timeline.
func (p *Pipeline) runComposition(ctx context.Context, pc *Context) ([]string, string, error) {
	release, err := p.lockStage(pc, models.StageComposition, p.cfg.RenderProvider)
	if err != nil {
		return nil, p.cfg.RenderProvider, err
	}
	defer release()

	plan := pc.Plan()
	visuals := pc.VisualPaths()
	var (
		images    []string
		durations []float64
		captions  []string
	)
	for i, scene := range plan.Scenes {
		if i >= len(visuals) || visuals[i] == "" {
			continue
		}
		images = append(images, visuals[i])
		durations = append(durations, scene.DurationSec)
		captions = append(captions, scene.Text)
	}

	a, name, err := p.callLocked(ctx, pc, models.StageComposition, map[string]any{
		"audio_path":    pc.VoicePath(),
		"image_paths":   images,
		"durations_sec": durations,
		"captions":      captions,
	})
	if err != nil {
		return nil, name, err
	}

	path, err := p.store.Put(ctx, pc.Job.ID+"/composition.json", a.Data, a.Kind)
	if err != nil {
		return nil, name, fmt.Errorf("store composition: %w", err)
	}
	pc.SetRenderPath(path)
	return []string{path}, name, nil
}

func (p *Pipeline) currentProvider(pc *Context, stage string) string {
	if l, ok := p.gw.Locks().Get(pc.Job.ID, stage); ok {
		return l.Provider()
	}
	return ""
}

// restore rehydrates stage outputs from a checkpoint's artifacts so later
// stages can run. Remote artifact locations cannot be read back here; in
// that case the error makes the caller rerun the stage.
func (p *Pipeline) restore(pc *Context, cp models.Checkpoint) error {
	switch cp.Stage {
	case models.StageBrief:
	case models.StageScript:
		data, err := readBack(cp.Artifacts)
		if err != nil {
			return err
		}
		pc.SetScript(string(data))
	case models.StageScenes:
		data, err := readBack(cp.Artifacts)
		if err != nil {
			return err
		}
		var plan models.ScenePlan
		if err := json.Unmarshal(data, &plan); err != nil {
			return fmt.Errorf("decode scene plan: %w", err)
		}
		pc.SetPlan(plan)
	case models.StageVoice:
		if len(cp.Artifacts) == 0 {
			return fmt.Errorf("voice checkpoint has no artifact")
		}
		pc.SetVoicePath(cp.Artifacts[0])
	case models.StageVisuals:
		if len(cp.Artifacts) == 0 {
			return fmt.Errorf("visuals checkpoint has no artifacts")
		}
		pc.SetVisualPaths(cp.Artifacts)
	case models.StageComposition:
		if len(cp.Artifacts) == 0 {
			return fmt.Errorf("composition checkpoint has no artifact")
		}
		pc.SetRenderPath(cp.Artifacts[0])
	default:
		return fmt.Errorf("unknown stage %q", cp.Stage)
	}
	pc.SetStageArtifacts(cp.Stage, cp.Artifacts)
	return nil
}

func readBack(paths []string) ([]byte, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("checkpoint has no artifact")
	}
	if strings.Contains(paths[0], "://") {
		return nil, fmt.Errorf("artifact %s is not readable locally", paths[0])
	}
	return os.ReadFile(paths[0])
}

// planScenes splits the script into scenes and allocates durations
// proportional to each scene's narration length, scaled to the target.
func planScenes(spec models.JobSpec, script string) models.ScenePlan {
	texts := splitScenes(script)
	if len(texts) == 0 {
		return models.ScenePlan{}
	}

	target := float64(spec.TargetDurationSec)
	if target <= 0 {
		target = defaultTargetSec
	}

	totalWords := 0
	words := make([]int, len(texts))
	for i, t := range texts {
		words[i] = len(strings.Fields(t))
		totalWords += words[i]
	}

	plan := models.ScenePlan{}
	for i, t := range texts {
		dur := target / float64(len(texts))
		if totalWords > 0 {
			dur = target * float64(words[i]) / float64(totalWords)
		}
		plan.Scenes = append(plan.Scenes, models.Scene{
			Index:       i,
			Text:        t,
			Prompt:      scenePrompt(t, spec.Style),
			DurationSec: dur,
		})
		plan.TotalSec += dur
	}
	return plan
}

// splitScenes prefers paragraph breaks; a single-paragraph script is split
// into sentence pairs instead.
func splitScenes(script string) []string {
	var out []string
	for _, para := range strings.Split(script, "\n\n") {
		if p := strings.TrimSpace(para); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 1 {
		return out
	}
	if len(out) == 0 {
		return nil
	}

	sentences := splitSentences(out[0])
	if len(sentences) <= 1 {
		return out
	}
	var scenes []string
	for i := 0; i < len(sentences); i += 2 {
		end := i + 2
		if end > len(sentences) {
			end = len(sentences)
		}
		scenes = append(scenes, strings.Join(sentences[i:end], " "))
	}
	return scenes
}

func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(b.String()); s != "" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// scenePrompt condenses a scene's narration into an image prompt.
func scenePrompt(text, style string) string {
	words := strings.Fields(text)
	if len(words) > 14 {
		words = words[:14]
	}
	prompt := strings.Join(words, " ")
	if style != "" {
		prompt = prompt + ", " + style + " style"
	}
	return prompt
}
