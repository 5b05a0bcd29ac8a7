// Package matcher selects and concatenates ring-buffer chunks into playable
// clips for a transcript segment's time window.
//
// The matcher never returns "no clip" while any capture exists: when the
// window query misses it falls back to the most recent chunks, and when the
// buffer is empty it records a short live clip directly from the capture
// source. Only clip construction itself can fail.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/echocast/echocast/internal/lifecycle"
	"github.com/echocast/echocast/internal/ringbuf"
	"github.com/echocast/echocast/pkg/media"
)

// ErrClipBuild indicates chunk payload concatenation failed. Match retries
// the record-now fallback once before surfacing it.
var ErrClipBuild = errors.New("matcher: clip build failed")

// Rung identifies which fallback rung produced a clip.
type Rung string

const (
	// RungWindow means the window query matched buffered chunks.
	RungWindow Rung = "window"
	// RungRecent means the window missed and the newest chunks were used.
	RungRecent Rung = "recent"
	// RungRecord means the buffer was empty and a live capture was recorded.
	RungRecord Rung = "record"
)

// LiveRecorder records chunks directly from the capture source. Used for the
// record-now fallback when the ring buffer holds nothing at all.
type LiveRecorder interface {
	RecordChunks(ctx context.Context, d time.Duration) ([]*media.VideoChunk, error)
}

// Config tunes the matcher. Zero fields take defaults.
type Config struct {
	// SlackMs extends the query window on both sides.
	SlackMs int64

	// RecentCount is the number of newest chunks used when the window misses.
	RecentCount int

	// ContextPad is the number of extra chunks appended on each side of a
	// window match for lead-in and lead-out continuity.
	ContextPad int

	// MaxClipChunks caps the clip length after padding. Chunks farther from
	// the window midpoint are trimmed first.
	MaxClipChunks int

	// RecordDuration is the length of the record-now live capture.
	RecordDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.SlackMs <= 0 {
		c.SlackMs = 3000
	}
	if c.RecentCount <= 0 {
		c.RecentCount = 8
	}
	if c.ContextPad <= 0 {
		c.ContextPad = 2
	}
	if c.MaxClipChunks <= 0 {
		c.MaxClipChunks = 16
	}
	if c.RecordDuration <= 0 {
		c.RecordDuration = 8 * time.Second
	}
	return c
}

// Matcher builds clips from the ring buffer. Safe for concurrent use; the
// buffer serves point-in-time snapshots and clips never share mutable state.
type Matcher struct {
	cfg      Config
	buffer   *ringbuf.Buffer
	handles  *lifecycle.Manager
	recorder LiveRecorder

	// onRung, when set, is invoked once per produced clip with the rung that
	// produced it.
	onRung func(Rung)
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithLiveRecorder enables the record-now fallback.
func WithLiveRecorder(r LiveRecorder) Option {
	return func(m *Matcher) { m.recorder = r }
}

// WithRungObserver registers a callback fired with the fallback rung of every
// produced clip.
func WithRungObserver(fn func(Rung)) Option {
	return func(m *Matcher) { m.onRung = fn }
}

// New returns a Matcher reading from buffer and registering clip handles with
// handles.
func New(cfg Config, buffer *ringbuf.Buffer, handles *lifecycle.Manager, opts ...Option) *Matcher {
	m := &Matcher{
		cfg:     cfg.withDefaults(),
		buffer:  buffer,
		handles: handles,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetSlack adjusts the query slack at runtime.
func (m *Matcher) SetSlack(slackMs int64) {
	if slackMs > 0 {
		m.cfg.SlackMs = slackMs
	}
}

// Match produces a clip for the segment's window. seg may be nil only for
// callers that want raw footage of a window; the record-now fallback always
// produces a segment-less clip.
func (m *Matcher) Match(ctx context.Context, w media.Window, seg *media.TranscriptSegment) (*media.Clip, error) {
	chunks := m.buffer.ChunksInWindow(w, m.cfg.SlackMs)
	rung := RungWindow

	if len(chunks) > 0 {
		chunks = m.pad(chunks, w)
	} else if recent := m.buffer.Recent(m.cfg.RecentCount); len(recent) > 0 {
		chunks, rung = recent, RungRecent
	} else {
		live, err := m.recordNow(ctx)
		if err != nil {
			return nil, err
		}
		chunks, rung = live, RungRecord
		seg = nil
	}

	clip, err := m.build(chunks, seg)
	if err != nil && rung != RungRecord && errors.Is(err, ErrClipBuild) {
		// Buffered chunks the build cannot use are no better than an empty
		// buffer; fall through to a live capture.
		live, lerr := m.recordNow(ctx)
		if lerr != nil {
			return nil, lerr
		}
		chunks, rung, seg = live, RungRecord, nil
		clip, err = m.build(chunks, seg)
	}
	if err != nil {
		return nil, err
	}
	if m.onRung != nil {
		m.onRung(rung)
	}
	return clip, nil
}

// pad extends a window match with up to ContextPad chunks on each side, then
// trims back to MaxClipChunks preferring chunks nearest the window midpoint.
func (m *Matcher) pad(matched []*media.VideoChunk, w media.Window) []*media.VideoChunk {
	snap := m.buffer.Snapshot()

	first, last := -1, -1
	for i, c := range snap {
		if c.CapturedAt == matched[0].CapturedAt {
			first = i
		}
		if c.CapturedAt == matched[len(matched)-1].CapturedAt {
			last = i
		}
	}
	if first < 0 || last < 0 {
		return trimToMid(matched, w.Mid(), m.cfg.MaxClipChunks)
	}

	lo := first - m.cfg.ContextPad
	if lo < 0 {
		lo = 0
	}
	hi := last + m.cfg.ContextPad
	if hi > len(snap)-1 {
		hi = len(snap) - 1
	}
	out := make([]*media.VideoChunk, hi-lo+1)
	copy(out, snap[lo:hi+1])
	return trimToMid(out, w.Mid(), m.cfg.MaxClipChunks)
}

// trimToMid drops boundary chunks until at most limit remain, removing at
// each step whichever end chunk lies farther from mid.
func trimToMid(chunks []*media.VideoChunk, mid int64, limit int) []*media.VideoChunk {
	for len(chunks) > limit {
		headDist := dist(chunks[0].CapturedAt+chunks[0].DurationMs/2, mid)
		tailDist := dist(chunks[len(chunks)-1].CapturedAt+chunks[len(chunks)-1].DurationMs/2, mid)
		if headDist >= tailDist {
			chunks = chunks[1:]
		} else {
			chunks = chunks[:len(chunks)-1]
		}
	}
	return chunks
}

func dist(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

func (m *Matcher) recordNow(ctx context.Context) ([]*media.VideoChunk, error) {
	if m.recorder == nil {
		return nil, fmt.Errorf("matcher: buffer empty and no live recorder: %w", ErrClipBuild)
	}
	chunks, err := m.recorder.RecordChunks(ctx, m.cfg.RecordDuration)
	if err != nil {
		return nil, fmt.Errorf("matcher: record-now capture: %w", err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("matcher: record-now produced no chunks: %w", ErrClipBuild)
	}
	return chunks, nil
}

// build concatenates chunk payloads and registers the clip's handle.
func (m *Matcher) build(chunks []*media.VideoChunk, seg *media.TranscriptSegment) (*media.Clip, error) {
	total := 0
	for _, c := range chunks {
		total += len(c.Payload)
	}
	if total == 0 {
		return nil, fmt.Errorf("matcher: %d chunks with empty payloads: %w", len(chunks), ErrClipBuild)
	}

	data := make([]byte, 0, total)
	for _, c := range chunks {
		data = append(data, c.Payload...)
	}

	clip := &media.Clip{
		Chunks:  chunks,
		Segment: seg,
		Data:    data,
	}
	clip.Handle = m.handles.Acquire(func(media.Handle) {
		// Drop the concatenated payload so it is collectable as soon as the
		// scheduler retires the clip; the source chunks stay owned by the
		// ring buffer.
		clip.Data = nil
	})
	return clip, nil
}
