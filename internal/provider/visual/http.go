// Package visual produces scene stills, either from a remote image
// generation endpoint or a local placeholder renderer.
package visual

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"

	"github.com/itsacoffee/aura-video-studio/internal/provider"
)

const Name = "http-visual"

// HTTP posts scene prompts to an image generation endpoint and normalizes
// the result to the configured frame size. With no endpoint configured it
// renders a deterministic placeholder still so local development works
// without a backing service. Percent heartbeats come from download
// progress.
type HTTP struct {
	endpoint   string
	httpClient *http.Client
	width      int
	height     int

	progress progressGauge
}

func NewHTTP(endpoint string, width, height int, timeout time.Duration) *HTTP {
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 720
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTP{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		width:      width,
		height:     height,
	}
}

func (h *HTTP) Name() string          { return Name }
func (h *HTTP) Class() provider.Class { return provider.ClassVisual }

func (h *HTTP) Progress() (provider.Heartbeat, bool) {
	return provider.Heartbeat{Percent: h.progress.load(), At: time.Now()}, true
}

func (h *HTTP) Invoke(ctx context.Context, req provider.Request) (provider.Artifact, error) {
	prompt, _ := req.Input["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return provider.Artifact{}, provider.Hardf("visual request has an empty prompt")
	}

	var img image.Image
	var err error
	if h.endpoint == "" {
		img = h.placeholder(prompt)
	} else {
		img, err = h.generate(ctx, req, prompt)
		if err != nil {
			return provider.Artifact{}, err
		}
	}

	img = imaging.Fill(img, h.width, h.height, imaging.Center, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return provider.Artifact{}, fmt.Errorf("encode still: %w", err)
	}
	h.progress.add(100)

	return provider.Artifact{
		Kind: "image/jpeg",
		Data: buf.Bytes(),
		Meta: map[string]any{"width": h.width, "height": h.height},
	}, nil
}

func (h *HTTP) generate(ctx context.Context, req provider.Request, prompt string) (image.Image, error) {
	style, _ := req.Input["style"].(string)
	body, err := json.Marshal(map[string]any{
		"prompt": prompt,
		"style":  style,
		"width":  h.width,
		"height": h.height,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, provider.Transient(fmt.Errorf("call visual endpoint: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, provider.Transientf("visual endpoint status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, provider.Hardf("visual endpoint status %d", resp.StatusCode)
	}

	data, err := h.readWithProgress(resp)
	if err != nil {
		return nil, provider.Transient(fmt.Errorf("read image: %w", err))
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, provider.Hardf("decode generated image: %v", err)
	}
	return img, nil
}

func (h *HTTP) readWithProgress(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	total := resp.ContentLength
	chunk := make([]byte, 64*1024)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if total > 0 {
				h.progress.set(float64(buf.Len()) / float64(total) * 100)
			} else {
				h.progress.add(1)
			}
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// placeholder renders a flat still with a prompt-derived hue.
func (h *HTTP) placeholder(prompt string) image.Image {
	var sum int
	for _, r := range prompt {
		sum += int(r)
	}
	c := color.NRGBA{
		R: uint8(40 + sum%160),
		G: uint8(40 + (sum/3)%160),
		B: uint8(40 + (sum/7)%160),
		A: 255,
	}
	return imaging.New(h.width, h.height, c)
}

// progressGauge is a monotone float the heartbeat strategy can poll.
// Concurrent scene calls share it, so the stall detector sees aggregate
// forward movement for the stage's single lock, not per-scene progress: one
// advancing download keeps the band quiet while another scene is stuck.
// Per-scene outcomes still surface through the stage's recorded errors.
type progressGauge struct {
	bits atomic.Uint64
}

func (g *progressGauge) load() float64 {
	return math.Float64frombits(g.bits.Load())
}

func (g *progressGauge) set(v float64) {
	for {
		old := g.bits.Load()
		if math.Float64frombits(old) >= v {
			return
		}
		if g.bits.CompareAndSwap(old, math.Float64bits(v)) {
			return
		}
	}
}

func (g *progressGauge) add(delta float64) {
	for {
		old := g.bits.Load()
		next := math.Float64frombits(old) + delta
		if g.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}
