// Package app wires all echocast subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the live session until the context is cancelled,
// and Shutdown tears everything down in order.
//
// For testing, inject mock implementations through the [Providers] struct
// (the capture mock, the transcribe mock, fake players). When the archive is
// not configured, transcript archiving is simply disabled.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/echocast/echocast/internal/archive"
	"github.com/echocast/echocast/internal/config"
	"github.com/echocast/echocast/internal/observe"
	"github.com/echocast/echocast/internal/playback"
	"github.com/echocast/echocast/pkg/capture"
	"github.com/echocast/echocast/pkg/transcribe"
)

// shutdownGrace bounds the session teardown when Run's context is cancelled.
const shutdownGrace = 10 * time.Second

// Providers holds one interface value per external collaborator slot.
// Populated by main.go via the config registry.
type Providers struct {
	// Capture delivers live audio frames and video chunks.
	Capture capture.Source

	// Recorder optionally records fresh chunks on demand for the last-resort
	// matching rung. Nil disables the record-now fallback.
	Recorder capture.Recorder

	// Transcriber converts utterance audio to text. Usually a
	// [resilience.TranscribeFallback] wrapping the configured backends.
	Transcriber transcribe.Provider

	// Players are the two output slots the scheduler crossfades between.
	Players [2]playback.Player
}

// App owns all subsystem lifetimes and orchestrates the replay pipeline.
type App struct {
	cfg      *config.Config
	sessions *SessionManager
	arch     *archive.Store
	metrics  *observe.Metrics

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithArchive injects an archive store instead of creating one from config.
func WithArchive(s *archive.Store) Option {
	return func(a *App) { a.arch = s }
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Capture == nil {
		return nil, fmt.Errorf("app: capture source is required")
	}
	if providers.Transcriber == nil {
		return nil, fmt.Errorf("app: transcriber is required")
	}

	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.arch == nil && cfg.Archive.PostgresDSN != "" {
		store, err := archive.NewStore(ctx, cfg.Archive.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: init archive: %w", err)
		}
		a.arch = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Providers: providers,
		Archive:   a.arch,
		Metrics:   a.metrics,
	})

	return a, nil
}

// Sessions returns the session manager for control surfaces (health checks,
// config watcher callbacks).
func (a *App) Sessions() *SessionManager { return a.sessions }

// Archive returns the archive store, nil when archiving is disabled.
func (a *App) Archive() *archive.Store { return a.arch }

// Run starts a replay session and blocks until ctx is cancelled, then stops
// the session. Returns the context error.
func (a *App) Run(ctx context.Context) error {
	if err := a.sessions.Start(ctx); err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}

	slog.Info("app running")
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.sessions.Stop(stopCtx); err != nil {
		slog.Warn("session stop error", "err", err)
	}

	return ctx.Err()
}

// Shutdown tears down remaining subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.sessions.IsActive() {
			if err := a.sessions.Stop(ctx); err != nil {
				slog.Warn("session stop error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
