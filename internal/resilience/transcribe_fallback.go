package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/echocast/echocast/pkg/transcribe"
)

// ErrAllBackendsFailed is returned when every transcription backend in a
// [TranscribeFallback] fails or has an open circuit breaker.
var ErrAllBackendsFailed = errors.New("resilience: all transcription backends failed")

// FallbackConfig configures the per-backend circuit breaker created for each
// provider in a [TranscribeFallback].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// backend pairs a transcription provider with its dedicated circuit breaker.
type backend struct {
	name     string
	provider transcribe.Provider
	breaker  *CircuitBreaker
}

// TranscribeFallback implements [transcribe.Provider] with automatic failover
// across multiple transcription backends (e.g. OpenAI primary, local whisper
// fallback). Each backend has its own circuit breaker, so an unreachable
// primary stops being tried while it is down instead of adding its timeout to
// every utterance.
//
// Backends must all be registered before the first Transcribe call.
type TranscribeFallback struct {
	backends []backend
	cfg      FallbackConfig
}

var _ transcribe.Provider = (*TranscribeFallback)(nil)

// NewTranscribeFallback creates a [TranscribeFallback] with primary as the
// preferred backend. Additional backends are registered with
// [TranscribeFallback.AddFallback] and tried in registration order.
func NewTranscribeFallback(primary transcribe.Provider, primaryName string, cfg FallbackConfig) *TranscribeFallback {
	f := &TranscribeFallback{cfg: cfg}
	f.add(primaryName, primary)
	return f
}

// AddFallback registers an additional transcription backend after the primary.
func (f *TranscribeFallback) AddFallback(name string, provider transcribe.Provider) {
	f.add(name, provider)
}

func (f *TranscribeFallback) add(name string, provider transcribe.Provider) {
	cbCfg := f.cfg.CircuitBreaker
	cbCfg.Name = name
	f.backends = append(f.backends, backend{
		name:     name,
		provider: provider,
		breaker:  NewCircuitBreaker(cbCfg),
	})
}

// Transcribe runs the request against the first healthy backend. Backends
// with an open breaker are skipped; a failing backend is logged and the next
// one is tried. Returns [ErrAllBackendsFailed] wrapped with the last error
// when the whole chain is exhausted.
func (f *TranscribeFallback) Transcribe(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
	var lastErr error
	for i := range f.backends {
		b := &f.backends[i]

		var res transcribe.Result
		err := b.breaker.Execute(func() error {
			var callErr error
			res, callErr = b.provider.Transcribe(ctx, req)
			return callErr
		})
		if err == nil {
			return res, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping transcription backend, circuit open", "backend", b.name)
		} else {
			slog.Warn("transcription backend failed, trying next",
				"backend", b.name, "error", err)
		}
	}
	return transcribe.Result{}, fmt.Errorf("%w: %v", ErrAllBackendsFailed, lastErr)
}
