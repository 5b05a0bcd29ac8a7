// Package media defines the core value types flowing through the echocast
// pipeline: captured video chunks, audio frames, segmented utterances,
// transcript segments, and assembled clips.
//
// All timestamps are monotonic milliseconds relative to a single recording
// epoch established once per session. Video chunk capture, utterance windows,
// and transcript windows all share this timeline, which is what makes
// window-overlap matching possible.
package media

import "time"

// Handle is an opaque reference to a playable media resource issued by the
// lifecycle manager. The zero value is never a valid handle.
type Handle uint64

// Window is a half-open time span [StartMs, EndMs] on the recording timeline.
type Window struct {
	// StartMs is the window start in milliseconds since the recording epoch.
	StartMs int64

	// EndMs is the window end in milliseconds since the recording epoch.
	EndMs int64
}

// Mid returns the midpoint of the window.
func (w Window) Mid() int64 {
	return (w.StartMs + w.EndMs) / 2
}

// Widen returns a copy of the window extended by slack milliseconds on both sides.
func (w Window) Widen(slackMs int64) Window {
	return Window{StartMs: w.StartMs - slackMs, EndMs: w.EndMs + slackMs}
}

// Contains reports whether t lies within the window.
func (w Window) Contains(t int64) bool {
	return t >= w.StartMs && t <= w.EndMs
}

// VideoChunk is one encoded video fragment captured from the live stream.
// Chunks are immutable once created and owned by the ring buffer; clips
// reference them without copying. The nominal duration is deliberately tagged
// larger than the capture interval (capture every 2 s, tag 2.5 s) so that
// consecutive chunks overlap and window matching has slack for imprecise
// utterance boundaries.
type VideoChunk struct {
	// Payload is the encoded video data. Never mutated after construction.
	Payload []byte

	// CapturedAt is the capture timestamp in milliseconds since the recording
	// epoch. Unique per chunk within one session.
	CapturedAt int64

	// DurationMs is the nominal duration of the chunk in milliseconds.
	DurationMs int64
}

// End returns the end of the chunk's nominal interval on the recording timeline.
func (c *VideoChunk) End() int64 {
	return c.CapturedAt + c.DurationMs
}

// Overlaps reports whether the chunk's interval [CapturedAt, End] overlaps
// the span [startMs, endMs].
func (c *VideoChunk) Overlaps(startMs, endMs int64) bool {
	return c.CapturedAt <= endMs && c.End() >= startMs
}

// AudioFrame is a single fixed-size buffer of signed 16-bit PCM samples with
// its derived amplitude. Frames are transient: the segmenter either folds them
// into an utterance accumulation or discards them.
type AudioFrame struct {
	// Samples is the raw PCM data for one frame.
	Samples []int16

	// Volume is the mean absolute amplitude normalised to [0, 1].
	Volume float64
}

// NewAudioFrame wraps samples in an AudioFrame, computing the volume scalar.
func NewAudioFrame(samples []int16) AudioFrame {
	var sum int64
	for _, s := range samples {
		if s < 0 {
			sum -= int64(s)
		} else {
			sum += int64(s)
		}
	}
	v := 0.0
	if len(samples) > 0 {
		v = float64(sum) / float64(len(samples)) / 32768.0
	}
	return AudioFrame{Samples: samples, Volume: v}
}

// Utterance is one bounded span of speech cut from the audio stream by the
// segmenter. Ownership transfers to the transcription dispatch; the segmenter
// keeps no reference after emission.
type Utterance struct {
	// PCM is the concatenated sample data of all accumulated frames.
	PCM []int16

	// Window is the utterance's span on the recording timeline.
	Window Window
}

// TranscriptSegment is the transcription result for one utterance. Immutable
// after creation; appended to the transcript log in arrival order, which due
// to variable transcription latency is not necessarily window order.
type TranscriptSegment struct {
	// ID uniquely identifies the segment within a session. IDs are assigned
	// sequentially in arrival order.
	ID int64

	// Text is the transcribed speech.
	Text string

	// Window is the originating utterance's span on the recording timeline.
	Window Window

	// EstimatedDurationMs is the expected spoken duration, derived from word
	// count (500 ms per word, 2 s minimum).
	EstimatedDurationMs int64

	// ReceivedAt records when the transcription result arrived.
	ReceivedAt time.Time
}

// EstimateDuration returns the heuristic spoken duration for text with the
// given number of words.
func EstimateDuration(wordCount int) int64 {
	const perWordMs, minMs = 500, 2000
	d := int64(wordCount) * perWordMs
	if d < minMs {
		return minMs
	}
	return d
}

// Clip is an assembled, playable sequence of video chunks selected to match a
// transcript segment's window. Chunks are shared immutable references into the
// ring buffer; Data is the concatenated payload handed to the player. A clip
// is owned exclusively by the playback scheduler once handed off, and its
// Handle must be released exactly once.
type Clip struct {
	// Chunks are the source chunks in ascending CapturedAt order.
	Chunks []*VideoChunk

	// Segment is the transcript this clip was assembled for. Nil when the clip
	// came from the record-now fallback.
	Segment *TranscriptSegment

	// Data is the concatenated chunk payload.
	Data []byte

	// Handle is the playable resource handle registered with the lifecycle
	// manager.
	Handle Handle
}

// Window returns the span covered by the clip's chunks, or the zero Window
// for an empty clip.
func (c *Clip) Window() Window {
	if len(c.Chunks) == 0 {
		return Window{}
	}
	return Window{
		StartMs: c.Chunks[0].CapturedAt,
		EndMs:   c.Chunks[len(c.Chunks)-1].End(),
	}
}

// DurationMs returns the nominal playback duration of the clip.
func (c *Clip) DurationMs() int64 {
	w := c.Window()
	return w.EndMs - w.StartMs
}
