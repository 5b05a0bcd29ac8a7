// Package capture defines the contract between the live capture source and
// the engine.
//
// A source pushes timestamped frames into a Sink: audio frames feed the
// segmenter, video chunks feed the ring buffer. Timestamps are monotonic
// milliseconds since the session's recording epoch, set once when the source
// starts.
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/echocast/echocast/pkg/media"
)

// ErrSourceStalled is reported when a source delivers no frames within the
// stall timeout. The engine flushes partial segmenter state and keeps the
// session alive.
var ErrSourceStalled = errors.New("capture: source stalled")

// Sink receives frames pushed by a Source. Callbacks run on the source's
// delivery goroutine and must not block for long.
type Sink struct {
	// OnAudio delivers one decoded audio frame captured at atMs.
	OnAudio func(frame media.AudioFrame, atMs int64)

	// OnVideo delivers one video chunk. The chunk is owned by the receiver.
	OnVideo func(chunk *media.VideoChunk)
}

// Source is a live capture feed. Implementations deliver frames to the sink
// until the context is cancelled or Stop is called.
type Source interface {
	// Start begins delivery. It returns once the feed is established; frame
	// delivery continues on background goroutines.
	Start(ctx context.Context, sink Sink) error

	// Stop halts delivery and releases the feed. Idempotent.
	Stop() error
}

// Recorder captures video directly, bypassing the ring buffer. Used for the
// record-now fallback when nothing is buffered yet.
type Recorder interface {
	// RecordChunks records approximately d of live video and returns the
	// chunks in capture order.
	RecordChunks(ctx context.Context, d time.Duration) ([]*media.VideoChunk, error)
}
