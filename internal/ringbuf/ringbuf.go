// Package ringbuf provides a bounded, time-ordered store of recently captured
// video chunks.
//
// The buffer enforces both a maximum chunk count and a maximum age; chunks
// exceeding either limit are evicted on every [Buffer.Push]. Appends come from
// a single capture writer while matchers query concurrently, so all read
// paths return point-in-time copies — a matcher never iterates storage that
// the writer may be mutating.
package ringbuf

import (
	"sync"

	"github.com/echocast/echocast/pkg/media"
)

// Buffer is a bounded, time-ordered chunk store. All methods are safe for
// concurrent use.
type Buffer struct {
	mu       sync.RWMutex
	chunks   []*media.VideoChunk
	maxSize  int
	maxAgeMs int64
	nowMs    func() int64

	dropped int64 // total chunks evicted, for observability
}

// Option configures a [Buffer].
type Option func(*Buffer)

// WithClock overrides the timeline clock used for age eviction. The function
// must return the current time in milliseconds since the recording epoch.
// Intended for tests and for sessions that pin the epoch at start.
func WithClock(now func() int64) Option {
	return func(b *Buffer) {
		if now != nil {
			b.nowMs = now
		}
	}
}

// New creates a buffer retaining at most maxSize chunks, evicting chunks
// whose capture timestamp is older than maxAgeMs behind the current timeline
// position.
func New(maxSize int, maxAgeMs int64, opts ...Option) *Buffer {
	b := &Buffer{
		chunks:   make([]*media.VideoChunk, 0, maxSize),
		maxSize:  maxSize,
		maxAgeMs: maxAgeMs,
		nowMs:    func() int64 { return 0 },
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Push appends a chunk and evicts anything that exceeds the configured size
// or age limits. Chunks must arrive in strictly ascending CapturedAt order;
// a chunk whose timestamp does not advance past the newest stored chunk is
// dropped, preserving the no-duplicate-timestamp invariant.
func (b *Buffer) Push(chunk *media.VideoChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n := len(b.chunks); n > 0 && chunk.CapturedAt <= b.chunks[n-1].CapturedAt {
		b.dropped++
		return
	}
	b.chunks = append(b.chunks, chunk)
	b.evict()
}

// ChunksInWindow returns every chunk whose nominal interval overlaps the
// window widened by slackMs on both sides, in ascending CapturedAt order.
// An empty result is the caller's cue to apply its fallback policy; the
// buffer itself never guesses.
func (b *Buffer) ChunksInWindow(w media.Window, slackMs int64) []*media.VideoChunk {
	wide := w.Widen(slackMs)

	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*media.VideoChunk
	for _, c := range b.chunks {
		if c.Overlaps(wide.StartMs, wide.EndMs) {
			out = append(out, c)
		}
	}
	return out
}

// Recent returns up to n of the newest chunks in ascending CapturedAt order.
func (b *Buffer) Recent(n int) []*media.VideoChunk {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > len(b.chunks) {
		n = len(b.chunks)
	}
	out := make([]*media.VideoChunk, n)
	copy(out, b.chunks[len(b.chunks)-n:])
	return out
}

// Snapshot returns a point-in-time copy of all stored chunks in ascending
// CapturedAt order.
func (b *Buffer) Snapshot() []*media.VideoChunk {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*media.VideoChunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}

// Len returns the number of stored chunks.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunks)
}

// Dropped returns the total number of chunks evicted or rejected since the
// buffer was created.
func (b *Buffer) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// SetRetention adjusts the size and age limits at runtime. The next Push
// applies the new limits.
func (b *Buffer) SetRetention(maxSize int, maxAgeMs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if maxSize > 0 {
		b.maxSize = maxSize
	}
	if maxAgeMs > 0 {
		b.maxAgeMs = maxAgeMs
	}
	b.evict()
}

// evict removes chunks that are too old or exceed maxSize.
// Must be called with b.mu held.
//
// Survivors are copied to a fresh backing array so evicted payloads do not
// pin memory for the rest of the session.
func (b *Buffer) evict() {
	cutoff := b.nowMs() - b.maxAgeMs

	start := 0
	for start < len(b.chunks) && b.chunks[start].CapturedAt < cutoff {
		start++
	}
	keep := b.chunks[start:]

	if len(keep) > b.maxSize {
		start += len(keep) - b.maxSize
		keep = b.chunks[start:]
	}

	if start > 0 {
		b.dropped += int64(start)
		fresh := make([]*media.VideoChunk, len(keep), b.maxSize)
		copy(fresh, keep)
		b.chunks = fresh
	}
}
