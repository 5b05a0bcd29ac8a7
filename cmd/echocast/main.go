// Command echocast is the main entry point for the echocast replay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/echocast/echocast/internal/app"
	"github.com/echocast/echocast/internal/config"
	"github.com/echocast/echocast/internal/health"
	"github.com/echocast/echocast/internal/observe"
	"github.com/echocast/echocast/internal/playback"
	"github.com/echocast/echocast/internal/resilience"
	"github.com/echocast/echocast/pkg/capture/wsfeed"
	"github.com/echocast/echocast/pkg/media"
	"github.com/echocast/echocast/pkg/transcribe"
	oaitranscribe "github.com/echocast/echocast/pkg/transcribe/openai"
	"github.com/echocast/echocast/pkg/transcribe/whisper"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "echocast: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "echocast: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("echocast starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "echocast"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinTranscribers(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, providers, app.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher: hot-apply tunables ────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if old.Server.LogLevel != new.Server.LogLevel {
			level.Set(slogLevel(new.Server.LogLevel))
			slog.Info("log level changed", "level", new.Server.LogLevel)
		}
		application.Sessions().Apply(old, new)
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── Health + metrics endpoints ────────────────────────────────────────────
	var server *http.Server
	if cfg.Server.ListenAddr != "" {
		server = newHTTPServer(cfg.Server.ListenAddr, application, metrics)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "err", err)
			}
		}()
	}

	// ── Caption log ───────────────────────────────────────────────────────────
	go captionLoop(ctx, application.Sessions())

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
	}

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinTranscribers wires all built-in transcription backends into
// reg. Each factory receives a config.ProviderEntry and constructs the
// provider from the real implementation packages.
func registerBuiltinTranscribers(reg *config.Registry) {
	reg.RegisterTranscriber("openai", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []oaitranscribe.Option
		if entry.Model != "" {
			opts = append(opts, oaitranscribe.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaitranscribe.WithBaseURL(entry.BaseURL))
		}
		return oaitranscribe.New(entry.APIKey, opts...)
	})

	reg.RegisterTranscriber("whisper", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterTranscriber("whisper-native", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	for _, name := range config.ValidProviderNames {
		slog.Debug("registered provider", "kind", "transcriber", "name", name)
	}
}

// buildProviders instantiates the capture source and the transcription chain
// named in cfg and returns them in an [app.Providers] struct.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	// ── Capture feed ──────────────────────────────────────────────────────────
	if cfg.Capture.FeedURL == "" {
		return nil, fmt.Errorf("capture.feed_url is required")
	}
	var feedOpts []wsfeed.Option
	if cfg.Capture.ChunkDurationMs > 0 {
		feedOpts = append(feedOpts, wsfeed.WithChunkDuration(cfg.Capture.ChunkDurationMs))
	}
	feed, err := wsfeed.New(cfg.Capture.FeedURL, cfg.Capture.FeedToken, feedOpts...)
	if err != nil {
		return nil, fmt.Errorf("create capture feed: %w", err)
	}
	ps.Capture = feed
	ps.Recorder = feed
	slog.Info("capture feed configured", "url", cfg.Capture.FeedURL)

	// ── Transcriber chain ─────────────────────────────────────────────────────
	if cfg.Transcriber.Primary.Name == "" {
		return nil, fmt.Errorf("transcriber.primary is required")
	}
	primary, err := reg.CreateTranscriber(cfg.Transcriber.Primary)
	if err != nil {
		return nil, fmt.Errorf("create transcriber %q: %w", cfg.Transcriber.Primary.Name, err)
	}
	slog.Info("provider created", "kind", "transcriber", "name", cfg.Transcriber.Primary.Name)

	chain := resilience.NewTranscribeFallback(primary, cfg.Transcriber.Primary.Name, resilience.FallbackConfig{})
	for _, entry := range cfg.Transcriber.Fallbacks {
		fb, err := reg.CreateTranscriber(entry)
		if err != nil {
			return nil, fmt.Errorf("create fallback transcriber %q: %w", entry.Name, err)
		}
		chain.AddFallback(entry.Name, fb)
		slog.Info("provider created", "kind", "transcriber-fallback", "name", entry.Name)
	}
	ps.Transcriber = chain

	// ── Playback slots ────────────────────────────────────────────────────────
	ps.Players = [2]playback.Player{
		&logPlayer{slot: 0},
		&logPlayer{slot: 1},
	}

	return ps, nil
}

// ── HTTP surface ──────────────────────────────────────────────────────────────

// newHTTPServer builds the health + metrics server.
func newHTTPServer(addr string, application *app.App, metrics *observe.Metrics) *http.Server {
	checkers := []health.Checker{
		{
			Name: "session",
			Check: func(ctx context.Context) error {
				if !application.Sessions().IsActive() {
					return fmt.Errorf("no active session")
				}
				return nil
			},
		},
	}
	if arch := application.Archive(); arch != nil {
		checkers = append(checkers, health.Checker{Name: "archive", Check: arch.Ping})
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:    addr,
		Handler: observe.Middleware(metrics)(mux),
	}
}

// captionLoop logs the current caption whenever it changes, which doubles as
// a minimal render surface for headless deployments.
func captionLoop(ctx context.Context, sessions *app.SessionManager) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			text, ok := sessions.CurrentSubtitle()
			if !ok {
				text = ""
			}
			if text != last {
				last = text
				if text != "" {
					slog.Info("caption", "text", text)
				}
			}
		}
	}
}

// ── Playback sink ─────────────────────────────────────────────────────────────

// logPlayer is the built-in playback slot for headless deployments: it logs
// clip transitions instead of rendering frames. Real render surfaces plug in
// through the same interface.
type logPlayer struct {
	slot int
	clip *media.Clip
}

func (p *logPlayer) Load(clip *media.Clip) error {
	p.clip = clip
	slog.Debug("slot loaded", "slot", p.slot,
		"window_start_ms", clip.Window().StartMs,
		"duration_ms", clip.DurationMs(),
	)
	return nil
}

func (p *logPlayer) Play() error {
	if p.clip == nil {
		return fmt.Errorf("play on empty slot %d", p.slot)
	}
	slog.Info("slot playing", "slot", p.slot, "window_start_ms", p.clip.Window().StartMs)
	return nil
}

func (p *logPlayer) Stop() {
	p.clip = nil
}

func (p *logPlayer) SetOpacity(v float64) {}

var _ playback.Player = (*logPlayer)(nil)

// ── Helpers ───────────────────────────────────────────────────────────────────

// slogLevel maps a config log level to its slog equivalent.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
