// Package segmenter cuts the continuous audio stream into utterances using
// silence detection.
//
// The segmenter is a pure state machine over the frame stream: it accumulates
// frames, counts consecutive below-threshold frames, and declares an utterance
// boundary when enough silence follows enough speech — or when a hard frame
// cap is reached, bounding latency during continuous speech. It owns no
// goroutines and is driven by a single-threaded consumer of the audio stream.
package segmenter

import (
	"sync"

	"github.com/echocast/echocast/pkg/media"
)

// Default tuning. Frame duration is determined by the capture source
// (typically ~40 ms per 4096-sample frame at 44.1 kHz, matching the original
// capture cadence these defaults were tuned against).
const (
	// DefaultSilenceThreshold is the normalised amplitude below which a frame
	// counts as silence.
	DefaultSilenceThreshold = 0.05

	// DefaultMinFrames is the minimum accumulation length before a cut is
	// considered, so leading silence never produces a boundary.
	DefaultMinFrames = 10

	// DefaultMaxFrames is the hard accumulation cap that forces a cut even in
	// continuous speech.
	DefaultMaxFrames = 100

	// DefaultSilenceRun is the number of consecutive silent frames that
	// triggers a cut once the minimum accumulation is met.
	DefaultSilenceRun = 5
)

// Config holds the segmenter tuning knobs. Zero fields take defaults.
type Config struct {
	// SilenceThreshold is the normalised amplitude below which a frame is silent.
	SilenceThreshold float64

	// MinFrames is the minimum accumulation before a silence cut is allowed.
	MinFrames int

	// MaxFrames is the hard cap forcing a cut regardless of silence.
	MaxFrames int

	// SilenceRun is the consecutive-silent-frame count that triggers a cut.
	SilenceRun int
}

func (c Config) withDefaults() Config {
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.MinFrames <= 0 {
		c.MinFrames = DefaultMinFrames
	}
	if c.MaxFrames <= 0 {
		c.MaxFrames = DefaultMaxFrames
	}
	if c.SilenceRun <= 0 {
		c.SilenceRun = DefaultSilenceRun
	}
	return c
}

// Segmenter accumulates audio frames and emits utterances at silence
// boundaries. Construct one per session and drop it at session end.
//
// Push and Flush are intended to be called from the single audio consumer
// goroutine; SetThreshold may be called concurrently (config hot-reload).
type Segmenter struct {
	mu  sync.Mutex
	cfg Config

	frames     []media.AudioFrame
	sampleLen  int
	silenceRun int
	startMs    int64
}

// New creates a Segmenter whose first accumulation starts at startMs on the
// recording timeline.
func New(cfg Config, startMs int64) *Segmenter {
	return &Segmenter{
		cfg:     cfg.withDefaults(),
		startMs: startMs,
	}
}

// Push feeds one frame captured at nowMs into the accumulator. It returns a
// non-nil utterance when the frame completes a boundary, transferring
// ownership of the accumulated audio to the caller.
func (s *Segmenter) Push(frame media.AudioFrame, nowMs int64) *media.Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames = append(s.frames, frame)
	s.sampleLen += len(frame.Samples)

	if frame.Volume < s.cfg.SilenceThreshold && len(s.frames) >= s.cfg.MinFrames {
		s.silenceRun++
	} else {
		s.silenceRun = 0
	}

	cut := (s.silenceRun >= s.cfg.SilenceRun && len(s.frames) >= s.cfg.MinFrames) ||
		len(s.frames) >= s.cfg.MaxFrames
	if !cut {
		return nil
	}
	return s.emitLocked(nowMs)
}

// Flush emits any partial accumulation of at least MinFrames as a final
// utterance. Called when the capture source stalls so trailing speech is not
// dropped silently. Returns nil when the accumulation is too short to be a
// meaningful utterance (it is discarded either way).
func (s *Segmenter) Flush(nowMs int64) *media.Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) < s.cfg.MinFrames {
		s.resetLocked(nowMs)
		return nil
	}
	return s.emitLocked(nowMs)
}

// SetThreshold adjusts the silence threshold at runtime without disturbing
// the current accumulation.
func (s *Segmenter) SetThreshold(v float64) {
	if v <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.SilenceThreshold = v
}

// SetLimits adjusts the frame-count tuning at runtime. Non-positive values
// leave the corresponding limit unchanged.
func (s *Segmenter) SetLimits(minFrames, maxFrames, silenceRun int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if minFrames > 0 {
		s.cfg.MinFrames = minFrames
	}
	if maxFrames > 0 {
		s.cfg.MaxFrames = maxFrames
	}
	if silenceRun > 0 {
		s.cfg.SilenceRun = silenceRun
	}
}

// Pending returns the current accumulation length in frames.
func (s *Segmenter) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// emitLocked concatenates the accumulation into an utterance and resets the
// state machine. Must be called with s.mu held.
func (s *Segmenter) emitLocked(nowMs int64) *media.Utterance {
	pcm := make([]int16, 0, s.sampleLen)
	for _, f := range s.frames {
		pcm = append(pcm, f.Samples...)
	}
	u := &media.Utterance{
		PCM:    pcm,
		Window: media.Window{StartMs: s.startMs, EndMs: nowMs},
	}
	s.resetLocked(nowMs)
	return u
}

// resetLocked clears the accumulation and starts the next window at nowMs.
// Must be called with s.mu held.
func (s *Segmenter) resetLocked(nowMs int64) {
	s.frames = nil
	s.sampleLen = 0
	s.silenceRun = 0
	s.startMs = nowMs
}
