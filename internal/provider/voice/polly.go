// Package voice synthesizes narration audio with Amazon Polly.
package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/itsacoffee/aura-video-studio/internal/provider"
)

const Name = "polly-voice"

// synthClient narrows the Polly SDK surface so tests can stub it.
type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Polly reads the synthesized audio stream in chunks so the stall detector
// sees chunk-count heartbeats.
type Polly struct {
	client synthClient
	voice  string
	engine string
	chunks atomic.Int64
}

func NewPolly(ctx context.Context, region, voice, engine string) (*Polly, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewPollyWithClient(polly.NewFromConfig(awsCfg), voice, engine), nil
}

// NewPollyWithClient injects a synth client (tests).
func NewPollyWithClient(client synthClient, voice, engine string) *Polly {
	if voice == "" {
		voice = "Joanna"
	}
	if engine == "" {
		engine = "neural"
	}
	return &Polly{client: client, voice: voice, engine: engine}
}

func (p *Polly) Name() string          { return Name }
func (p *Polly) Class() provider.Class { return provider.ClassVoice }

func (p *Polly) Progress() (provider.Heartbeat, bool) {
	return provider.Heartbeat{Chunks: int(p.chunks.Load()), At: time.Now()}, true
}

func (p *Polly) Invoke(ctx context.Context, req provider.Request) (provider.Artifact, error) {
	text, _ := req.Input["script"].(string)
	if strings.TrimSpace(text) == "" {
		return provider.Artifact{}, provider.Hardf("voice request has an empty script")
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(p.engine, "neural") {
		engine = pollytypes.EngineNeural
	}

	out, err := p.client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(p.voice),
	})
	if err != nil {
		return provider.Artifact{}, classify(err)
	}
	if out == nil || out.AudioStream == nil {
		return provider.Artifact{}, provider.Transientf("polly returned an empty audio stream")
	}
	defer out.AudioStream.Close()

	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)
	for {
		n, readErr := out.AudioStream.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			p.chunks.Add(1)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return provider.Artifact{}, provider.Transient(fmt.Errorf("read audio stream: %w", readErr))
		}
	}
	if buf.Len() == 0 {
		return provider.Artifact{}, provider.Transientf("polly produced no audio")
	}

	return provider.Artifact{
		Kind: "audio/mpeg",
		Data: buf.Bytes(),
		Meta: map[string]any{"voice": p.voice, "engine": p.engine, "bytes": buf.Len()},
	}, nil
}

// classify maps Polly failures onto the retry taxonomy. Throttling is
// transient; validation and auth faults are hard; plain transport errors
// retry.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case strings.Contains(code, "Throttling"), strings.Contains(code, "ServiceUnavailable"), strings.Contains(code, "Internal"):
			return provider.Transient(err)
		default:
			return provider.Hard(err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return provider.Transient(err)
}
