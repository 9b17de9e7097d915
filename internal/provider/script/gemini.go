// Package script generates narration scripts from a content brief via the
// Gemini API.
package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/itsacoffee/aura-video-studio/internal/provider"
)

const Name = "gemini-script"

// Gemini streams script generation so the gateway's stall detector can
// observe token progress mid-call.
type Gemini struct {
	client *genai.Client
	model  string
	tokens atomic.Int64
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Name() string          { return Name }
func (g *Gemini) Class() provider.Class { return provider.ClassScript }

func (g *Gemini) Progress() (provider.Heartbeat, bool) {
	return provider.Heartbeat{Tokens: int(g.tokens.Load()), At: time.Now()}, true
}

func (g *Gemini) Invoke(ctx context.Context, req provider.Request) (provider.Artifact, error) {
	brief, _ := req.Input["brief"].(string)
	if strings.TrimSpace(brief) == "" {
		return provider.Artifact{}, provider.Hardf("script request has an empty brief")
	}
	duration, _ := req.Input["target_duration_sec"].(int)
	if duration <= 0 {
		duration = 60
	}
	style, _ := req.Input["style"].(string)

	model := g.client.GenerativeModel(g.model)
	model.SetTemperature(0.7)

	prompt := buildPrompt(brief, duration, style)
	iter := model.GenerateContentStream(ctx, genai.Text(prompt))

	var sb strings.Builder
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return provider.Artifact{}, classify(err)
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if text, ok := part.(genai.Text); ok {
					sb.WriteString(string(text))
					g.tokens.Add(int64(len(strings.Fields(string(text)))))
				}
			}
		}
	}

	script := strings.TrimSpace(sb.String())
	if script == "" {
		return provider.Artifact{}, provider.Transientf("gemini returned an empty script")
	}
	return provider.Artifact{
		Kind: "text/plain",
		Data: []byte(script),
		Meta: map[string]any{"model": g.model, "words": len(strings.Fields(script))},
	}, nil
}

func (g *Gemini) Close() error {
	return g.client.Close()
}

func buildPrompt(brief string, duration int, style string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write a narration script for a %d second video.\n", duration)
	if style != "" {
		fmt.Fprintf(&sb, "Tone and style: %s.\n", style)
	}
	sb.WriteString("Separate scenes with blank lines. Narration text only, no stage directions.\n\n")
	sb.WriteString("Brief:\n")
	sb.WriteString(brief)
	return sb.String()
}

// classify maps API failures onto the retry taxonomy: throttling and server
// faults are transient, auth/validation are hard.
func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code >= 500 {
			return provider.Transient(err)
		}
		return provider.Hard(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return provider.Transient(err)
}
