// Package lifecycle tracks ownership of temporary playable media resources.
//
// Every clip handle created by the matcher is registered here and must be
// released exactly once when the clip is superseded or the session ends.
// Release is idempotent: session teardown races with in-flight matches and
// transcriptions, so a handle may legitimately be released by both the
// scheduler transition path and the teardown sweep.
package lifecycle

import (
	"log/slog"
	"sync"

	"github.com/echocast/echocast/pkg/media"
)

// Releaser is called exactly once when a handle is released, with the payload
// registered at acquisition. Implementations free the underlying resource
// (e.g., revoke a player source URI, return a buffer to a pool).
type Releaser func(h media.Handle)

// Manager issues and tracks playable resource handles. All methods are safe
// for concurrent use.
type Manager struct {
	mu      sync.Mutex
	next    media.Handle
	active  map[media.Handle]Releaser
	onCount func(outstanding int)
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		next:   1,
		active: make(map[media.Handle]Releaser),
	}
}

// SetGauge registers a callback invoked with the outstanding handle count
// after every acquire and release. Used to drive the observability gauge.
func (m *Manager) SetGauge(fn func(outstanding int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCount = fn
}

// Acquire registers a new resource and returns its handle. The releaser may
// be nil when the resource needs no explicit cleanup beyond tracking.
func (m *Manager) Acquire(release Releaser) media.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.next
	m.next++
	if release == nil {
		release = func(media.Handle) {}
	}
	m.active[h] = release
	m.notifyLocked()
	return h
}

// Release frees the resource behind h. Releasing an unknown or
// already-released handle is a no-op.
func (m *Manager) Release(h media.Handle) {
	m.mu.Lock()
	release, ok := m.active[h]
	if ok {
		delete(m.active, h)
		m.notifyLocked()
	}
	m.mu.Unlock()

	if ok {
		release(h)
	}
}

// ReleaseAll frees every outstanding resource. Called unconditionally on
// session teardown.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	released := make(map[media.Handle]Releaser, len(m.active))
	for h, r := range m.active {
		released[h] = r
	}
	m.active = make(map[media.Handle]Releaser)
	m.notifyLocked()
	m.mu.Unlock()

	if len(released) > 0 {
		slog.Debug("lifecycle: releasing outstanding handles", "count", len(released))
	}
	for h, r := range released {
		r(h)
	}
}

// Outstanding returns the number of currently held handles.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// notifyLocked invokes the gauge callback. Must be called with m.mu held.
func (m *Manager) notifyLocked() {
	if m.onCount != nil {
		m.onCount(len(m.active))
	}
}
