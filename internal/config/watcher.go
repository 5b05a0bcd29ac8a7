package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a config file and reports content changes so hot-reloadable
// tunables (silence threshold, retention, slack, crossfade) can be applied to
// a live session without a restart. Polling keeps the dependency surface
// small; a replay server reloads rarely enough that fsnotify buys nothing.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config
	// mtime + content hash of the last accepted file. The mtime screens out
	// unchanged files cheaply; the hash screens out touch-without-edit.
	mtime time.Time
	sum   [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path, starts a background polling loop, and
// invokes onChange(old, new) whenever the file's content changes and parses
// as a valid config. Invalid edits are logged and ignored; the previous
// config stays current.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, sum, mtime, err := w.readFile()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.sum = sum
	w.mtime = mtime

	go w.loop()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop terminates the polling loop. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if old, cfg, changed := w.reload(); changed {
				slog.Info("configuration reloaded", "path", w.path)
				if w.onChange != nil {
					// Outside the lock so the callback may call Current.
					w.onChange(old, cfg)
				}
			}
		}
	}
}

// reload re-reads the file if its mtime moved and swaps in the new config
// when the content actually differs and validates.
func (w *Watcher) reload() (old, cfg *Config, changed bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: stat failed", "path", w.path, "err", err)
		return nil, nil, false
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if unchanged {
		return nil, nil, false
	}

	cfg, sum, mtime, err := w.readFile()
	if err != nil {
		slog.Warn("config watcher: rejected invalid config", "path", w.path, "err", err)
		return nil, nil, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if sum == w.sum {
		// Touched but identical.
		w.mtime = mtime
		return nil, nil, false
	}
	old = w.current
	w.current = cfg
	w.sum = sum
	w.mtime = mtime
	return old, cfg, true
}

// readFile parses and validates the config file and returns it alongside the
// content hash and modification time used for change detection.
func (w *Watcher) readFile() (*Config, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
