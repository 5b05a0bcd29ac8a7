package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known transcription backend names. Used by
// [Validate] to warn about unrecognised names.
var ValidProviderNames = []string{"openai", "whisper", "whisper-native"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Capture
	if cfg.Capture.ChunkDurationMs < 0 {
		errs = append(errs, fmt.Errorf("capture.chunk_duration_ms %d must not be negative", cfg.Capture.ChunkDurationMs))
	}
	if cfg.Capture.StallTimeout < 0 {
		errs = append(errs, fmt.Errorf("capture.stall_timeout %s must not be negative", cfg.Capture.StallTimeout))
	}
	if cfg.Capture.FeedURL != "" && cfg.Capture.FeedToken == "" {
		slog.Warn("capture.feed_url is set but capture.feed_token is empty; the relay will likely reject the connection")
	}

	// Segmenter
	if t := cfg.Segmenter.SilenceThreshold; t != 0 && (t < 0.01 || t > 0.2) {
		errs = append(errs, fmt.Errorf("segmenter.silence_threshold %.3f is out of range [0.01, 0.2]", t))
	}
	if cfg.Segmenter.MinFrames < 0 || cfg.Segmenter.MaxFrames < 0 {
		errs = append(errs, errors.New("segmenter frame counts must not be negative"))
	}
	if cfg.Segmenter.MinFrames > 0 && cfg.Segmenter.MaxFrames > 0 &&
		cfg.Segmenter.MinFrames >= cfg.Segmenter.MaxFrames {
		errs = append(errs, fmt.Errorf("segmenter.min_frames %d must be below segmenter.max_frames %d",
			cfg.Segmenter.MinFrames, cfg.Segmenter.MaxFrames))
	}

	// Buffer
	if cfg.Buffer.MaxChunks < 0 {
		errs = append(errs, fmt.Errorf("buffer.max_chunks %d must not be negative", cfg.Buffer.MaxChunks))
	}
	if cfg.Buffer.MaxAgeMs < 0 {
		errs = append(errs, fmt.Errorf("buffer.max_age_ms %d must not be negative", cfg.Buffer.MaxAgeMs))
	}

	// Matcher
	if cfg.Matcher.SlackMs < 0 {
		errs = append(errs, fmt.Errorf("matcher.slack_ms %d must not be negative", cfg.Matcher.SlackMs))
	}
	if cfg.Matcher.RecentFallback < 0 {
		errs = append(errs, fmt.Errorf("matcher.recent_fallback %d must not be negative", cfg.Matcher.RecentFallback))
	}

	// Playback
	if cfg.Playback.CrossfadeMs < 0 {
		errs = append(errs, fmt.Errorf("playback.crossfade_ms %d must not be negative", cfg.Playback.CrossfadeMs))
	}
	if o := cfg.Playback.SubtitleOffsetMs; o < -5000 || o > 5000 {
		errs = append(errs, fmt.Errorf("playback.subtitle_offset_ms %d is out of range [-5000, 5000]", o))
	}

	// Transcriber
	validateProviderName("transcriber.primary", cfg.Transcriber.Primary.Name)
	for i, fb := range cfg.Transcriber.Fallbacks {
		prefix := fmt.Sprintf("transcriber.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		validateProviderName(prefix, fb.Name)
	}
	if cfg.Transcriber.Primary.Name == "" && len(cfg.Transcriber.Fallbacks) > 0 {
		errs = append(errs, errors.New("transcriber.fallbacks configured without transcriber.primary"))
	}
	if cfg.Transcriber.Primary.Name == "" {
		slog.Warn("no transcription backend configured; utterances will be segmented but never transcribed")
	}

	// Archive
	if cfg.Archive.PostgresDSN == "" {
		slog.Debug("archive.postgres_dsn is empty; transcript archiving disabled")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
