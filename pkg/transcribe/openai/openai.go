// Package openai provides an OpenAI-backed transcription provider using the
// audio transcription API (whisper-1). It implements the transcribe.Provider
// interface.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/echocast/echocast/pkg/transcribe"
)

const defaultModel = string(oai.AudioModelWhisper1)

// Option is a functional option for configuring the Provider.
type Option func(*config)

type config struct {
	model   string
	baseURL string
	timeout time.Duration
}

// WithModel overrides the transcription model. Default whisper-1.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithBaseURL points the client at an API-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout bounds each transcription request. Default 60s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Provider implements transcribe.Provider backed by the OpenAI audio API.
type Provider struct {
	client oai.Client
	model  string
}

var _ transcribe.Provider = (*Provider)(nil)

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	cfg := config{
		model:   defaultModel,
		timeout: 60 * time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
	}, nil
}

// Transcribe uploads the utterance as a WAV file and returns the recognised
// text. The language tag and free-text prompt from req are forwarded as
// recognition hints.
func (p *Provider) Transcribe(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
	if len(req.PCM) == 0 {
		return transcribe.Result{}, errors.New("openai: empty utterance")
	}
	sr := req.SampleRate
	if sr <= 0 {
		sr = 16000
	}
	wav := transcribe.EncodeWAV(req.PCM, sr)

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model: oai.AudioModel(p.model),
	}
	if req.Language != "" {
		params.Language = oai.String(req.Language)
	}
	if req.Prompt != "" {
		params.Prompt = oai.String(req.Prompt)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("openai: transcription request: %w", err)
	}
	return transcribe.Result{Text: resp.Text}, nil
}
