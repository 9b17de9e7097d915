// Package render assembles the final composition from the stage artifacts.
// The local renderer produces a composition manifest consumed by the
// downstream encoder; it reports percent-complete heartbeats per scene and
// runs under the slower local patience profile.
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/itsacoffee/aura-video-studio/internal/provider"
)

const Name = "local-render"

type Local struct {
	percentBits atomic.Uint64
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Name() string          { return Name }
func (l *Local) Class() provider.Class { return provider.ClassRender }
func (l *Local) Local() bool           { return true }

func (l *Local) Progress() (provider.Heartbeat, bool) {
	return provider.Heartbeat{Percent: math.Float64frombits(l.percentBits.Load()), At: time.Now()}, true
}

// manifest is the renderer's output: a timeline binding each scene's still
// and narration window.
type manifest struct {
	Version   int            `json:"version"`
	JobID     string         `json:"job_id"`
	AudioPath string         `json:"audio_path"`
	Timeline  []manifestClip `json:"timeline"`
	TotalSec  float64        `json:"total_sec"`
}

type manifestClip struct {
	Index       int     `json:"index"`
	ImagePath   string  `json:"image_path"`
	StartSec    float64 `json:"start_sec"`
	DurationSec float64 `json:"duration_sec"`
	Caption     string  `json:"caption,omitempty"`
}

func (l *Local) Invoke(ctx context.Context, req provider.Request) (provider.Artifact, error) {
	audioPath, _ := req.Input["audio_path"].(string)
	images, _ := req.Input["image_paths"].([]string)
	durations, _ := req.Input["durations_sec"].([]float64)
	captions, _ := req.Input["captions"].([]string)

	if len(images) == 0 {
		return provider.Artifact{}, provider.Hardf("render request has no scene stills")
	}

	m := manifest{Version: 1, JobID: req.JobID, AudioPath: audioPath}
	var at float64
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return provider.Artifact{}, err
		}
		dur := 5.0
		if i < len(durations) && durations[i] > 0 {
			dur = durations[i]
		}
		clip := manifestClip{Index: i, ImagePath: img, StartSec: at, DurationSec: dur}
		if i < len(captions) {
			clip.Caption = captions[i]
		}
		m.Timeline = append(m.Timeline, clip)
		at += dur
		l.percentBits.Store(math.Float64bits(float64(i+1) / float64(len(images)) * 100))
	}
	m.TotalSec = at

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return provider.Artifact{}, fmt.Errorf("marshal manifest: %w", err)
	}
	return provider.Artifact{
		Kind: "application/json",
		Data: data,
		Meta: map[string]any{"scenes": len(m.Timeline), "total_sec": m.TotalSec},
	}, nil
}
