package config_test

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/echocast/echocast/internal/config"
)

const watcherBaseYAML = `
server:
  log_level: info
segmenter:
  silence_threshold: 0.05
  min_frames: 10
  max_frames: 100
matcher:
  slack_ms: 3000
transcriber:
  primary:
    name: openai
    api_key: sk-test
`

const watcherTunedYAML = `
server:
  log_level: debug
segmenter:
  silence_threshold: 0.08
  min_frames: 10
  max_frames: 100
matcher:
  slack_ms: 5000
transcriber:
  primary:
    name: openai
    api_key: sk-test
`

const watcherBrokenYAML = `
server:
  log_level: bananas
`

// watchedFile writes content to a temp config file and returns its path.
func watchedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	rewrite(t, path, content)
	return path
}

func rewrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

func TestWatcherInitialLoad(t *testing.T) {
	t.Parallel()
	path := watchedFile(t, watcherBaseYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() = nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo || cfg.Matcher.SlackMs != 3000 {
		t.Errorf("loaded log_level=%q slack_ms=%d, want info/3000",
			cfg.Server.LogLevel, cfg.Matcher.SlackMs)
	}
}

func TestWatcherInitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/config.yaml", nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatcherReportsEdit(t *testing.T) {
	t.Parallel()
	path := watchedFile(t, watcherBaseYAML)

	type pair struct{ old, new *config.Config }
	seen := make(chan pair, 1)

	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		select {
		case seen <- pair{old, new}:
		default:
		}
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Let a poll pass before editing so the mtime moves.
	time.Sleep(100 * time.Millisecond)
	rewrite(t, path, watcherTunedYAML)

	select {
	case p := <-seen:
		if p.old.Segmenter.SilenceThreshold != 0.05 {
			t.Errorf("old threshold = %v, want 0.05", p.old.Segmenter.SilenceThreshold)
		}
		if p.new.Segmenter.SilenceThreshold != 0.08 || p.new.Server.LogLevel != config.LogDebug {
			t.Errorf("new threshold=%v log_level=%q, want 0.08/debug",
				p.new.Segmenter.SilenceThreshold, p.new.Server.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("edit was not reported")
	}

	if cur := w.Current(); cur.Matcher.SlackMs != 5000 {
		t.Errorf("Current() slack_ms = %d, want 5000", cur.Matcher.SlackMs)
	}
}

func TestWatcherKeepsConfigOnInvalidEdit(t *testing.T) {
	t.Parallel()
	path := watchedFile(t, watcherBaseYAML)

	var calls atomic.Int32
	w, err := config.NewWatcher(path, func(_, _ *config.Config) {
		calls.Add(1)
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	rewrite(t, path, watcherBrokenYAML)
	time.Sleep(300 * time.Millisecond)

	if n := calls.Load(); n != 0 {
		t.Errorf("callback fired %d times for invalid config, want 0", n)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() log_level = %q, want the pre-edit info", cur.Server.LogLevel)
	}
}

func TestWatcherIgnoresTouch(t *testing.T) {
	t.Parallel()
	path := watchedFile(t, watcherBaseYAML)

	var calls atomic.Int32
	w, err := config.NewWatcher(path, func(_, _ *config.Config) {
		calls.Add(1)
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	later := time.Now().Add(time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("touch: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if n := calls.Load(); n != 0 {
		t.Errorf("callback fired %d times for mtime-only change, want 0", n)
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	t.Parallel()
	path := watchedFile(t, watcherBaseYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
