package pipeline

import (
	"sync"
	"time"

	"github.com/itsacoffee/aura-video-studio/internal/models"
)

// Context is the per-job execution state: stage artifacts, accumulated
// errors, metrics, and temp-resource cleanups. Exactly one pipeline run
// owns a Context; the visual stage mutates it from worker goroutines, hence
// the lock.
type Context struct {
	Job       models.Job
	startedAt time.Time

	mu           sync.Mutex
	script       string
	plan         models.ScenePlan
	voicePath    string
	visualPaths  []string
	renderPath   string
	stagePaths   map[string][]string
	errs         []models.JobError
	metrics      []models.StageMetrics
	cleanups     []func()
}

func NewContext(job models.Job) *Context {
	return &Context{
		Job:        job,
		startedAt:  time.Now(),
		stagePaths: make(map[string][]string),
	}
}

// StartedAt is when this run began; ETA extrapolation is relative to it.
func (c *Context) StartedAt() time.Time { return c.startedAt }

func (c *Context) SetScript(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = s
}

func (c *Context) Script() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.script
}

func (c *Context) SetPlan(p models.ScenePlan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plan = p
}

func (c *Context) Plan() models.ScenePlan {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plan
}

func (c *Context) SetVoicePath(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voicePath = p
}

func (c *Context) VoicePath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voicePath
}

// SetVisualPaths stores the scene stills in scene order; entries for failed
// scenes are empty strings.
func (c *Context) SetVisualPaths(paths []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.visualPaths = paths
}

func (c *Context) VisualPaths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.visualPaths))
	copy(out, c.visualPaths)
	return out
}

func (c *Context) SetRenderPath(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renderPath = p
}

func (c *Context) RenderPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renderPath
}

// SetStageArtifacts records the persisted locations a stage produced; these
// are what checkpoints store.
func (c *Context) SetStageArtifacts(stage string, paths []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stagePaths[stage] = paths
}

func (c *Context) StageArtifacts(stage string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stagePaths[stage]
}

// AddError appends to the job's error list.
func (c *Context) AddError(e models.JobError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, e)
}

func (c *Context) Errors() []models.JobError {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.JobError, len(c.errs))
	copy(out, c.errs)
	return out
}

func (c *Context) AddMetrics(m models.StageMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, m)
}

func (c *Context) Metrics() []models.StageMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.StageMetrics, len(c.metrics))
	copy(out, c.metrics)
	return out
}

// RegisterCleanup queues a temp-resource release to run when the job
// reaches a terminal state.
func (c *Context) RegisterCleanup(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups = append(c.cleanups, fn)
}

// RunCleanups runs registered cleanups in reverse order, once.
func (c *Context) RunCleanups() {
	c.mu.Lock()
	fns := c.cleanups
	c.cleanups = nil
	c.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
