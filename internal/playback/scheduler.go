// Package playback drives the two-slot clip playback state machine and
// subtitle timing.
//
// The scheduler owns exactly two output slots. One shows the current clip
// while the other preloads its successor; a timed crossfade swaps them.
// Subtitle text is re-derived from elapsed playback time mapped back into the
// recording timeline, so caption correctness does not depend on which
// physical clip is on screen.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/echocast/echocast/internal/lifecycle"
	"github.com/echocast/echocast/pkg/media"
)

// ErrPlaybackBlocked is returned when the presentation layer refuses to start
// playback without an explicit user trigger. The scheduler does not retry on
// its own; call Resume after the trigger.
var ErrPlaybackBlocked = errors.New("playback: blocked, user action required")

// ErrSlotsBusy is returned by Enqueue when both slots are occupied. The
// caller must wait for the current clip to be retired.
var ErrSlotsBusy = errors.New("playback: current and next slots occupied")

// State tags the scheduler state machine.
type State int

const (
	// Idle means no clip is loaded.
	Idle State = iota
	// Playing means the current slot is on screen with no successor queued.
	Playing
	// Preloading means a successor clip is loaded in the off-screen slot.
	Preloading
	// Transitioning means a crossfade between the slots is in flight.
	Transitioning
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Playing:
		return "playing"
	case Preloading:
		return "preloading"
	case Transitioning:
		return "transitioning"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Player is one output slot of the presentation layer. Implementations render
// clips; they hold no scheduling logic.
type Player interface {
	// Load prepares a clip in this slot without affecting what is on screen.
	Load(clip *media.Clip) error
	// Play starts the loaded clip. Returns ErrPlaybackBlocked when the
	// runtime requires a user gesture first.
	Play() error
	// Stop halts and unloads the slot.
	Stop()
	// SetOpacity sets the slot's visibility in [0,1].
	SetOpacity(v float64)
}

// SubtitleSource resolves the active caption for a recording-timeline
// position. *transcript.Store satisfies it.
type SubtitleSource interface {
	Lookup(atMs int64) (seg *media.TranscriptSegment, ok bool)
}

// Clock abstracts time for the crossfade and subtitle mapping. Tests inject a
// fake; production uses SystemClock.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock is the real-time Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time        { return time.Now() }
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

// Config tunes the scheduler. Zero fields take defaults.
type Config struct {
	// CrossfadeDuration is the slot swap fade window.
	CrossfadeDuration time.Duration

	// CrossfadeSteps is the number of opacity increments per fade.
	CrossfadeSteps int

	// SubtitleOffsetMs shifts subtitle lookups on the recording timeline.
	// Positive values show captions later.
	SubtitleOffsetMs int64
}

func (c Config) withDefaults() Config {
	if c.CrossfadeDuration <= 0 {
		c.CrossfadeDuration = 450 * time.Millisecond
	}
	if c.CrossfadeSteps <= 0 {
		c.CrossfadeSteps = 10
	}
	return c
}

// Scheduler is the playback state machine. Only one transition may be in
// flight at a time; all exported methods are safe for concurrent use.
type Scheduler struct {
	cfg       Config
	slots     [2]Player
	subtitles SubtitleSource
	handles   *lifecycle.Manager
	clock     Clock

	// transMu serialises transitions so the crossfade never overlaps another
	// state change. mu guards the fields below and is never held across a
	// fade.
	transMu sync.Mutex
	mu      sync.RWMutex

	state   State
	blocked bool

	current     *media.Clip
	next        *media.Clip
	currentSlot int

	// playStart and playBaseMs anchor elapsed playback time to the recording
	// timeline for subtitle lookup.
	playStart  time.Time
	playBaseMs int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the scheduler clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// New returns an Idle scheduler over the two output slots.
func New(cfg Config, slots [2]Player, subtitles SubtitleSource, handles *lifecycle.Manager, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:       cfg.withDefaults(),
		slots:     slots,
		subtitles: subtitles,
		handles:   handles,
		clock:     SystemClock{},
		state:     Idle,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current state tag.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Blocked reports whether playback is waiting for an explicit user trigger.
func (s *Scheduler) Blocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocked
}

// Current returns the on-screen clip, nil when Idle.
func (s *Scheduler) Current() *media.Clip {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Enqueue hands a clip to the scheduler. From Idle it starts playing
// immediately; while Playing it is preloaded into the off-screen slot. When
// both slots are occupied ErrSlotsBusy is returned and the clip's handle is
// released, since the scheduler never holds a third clip.
func (s *Scheduler) Enqueue(clip *media.Clip) error {
	s.transMu.Lock()
	defer s.transMu.Unlock()

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case Idle:
		return s.startFirst(clip)
	case Playing:
		return s.preload(clip)
	default:
		s.handles.Release(clip.Handle)
		return fmt.Errorf("playback: enqueue in state %s: %w", state, ErrSlotsBusy)
	}
}

func (s *Scheduler) startFirst(clip *media.Clip) error {
	slot := s.slots[0]
	if err := slot.Load(clip); err != nil {
		s.handles.Release(clip.Handle)
		return fmt.Errorf("playback: load first clip: %w", err)
	}
	slot.SetOpacity(1)

	s.mu.Lock()
	s.current = clip
	s.currentSlot = 0
	s.state = Playing
	s.anchorLocked(clip)
	s.mu.Unlock()

	if err := slot.Play(); err != nil {
		if errors.Is(err, ErrPlaybackBlocked) {
			s.mu.Lock()
			s.blocked = true
			s.mu.Unlock()
		}
		return err
	}
	return nil
}

func (s *Scheduler) preload(clip *media.Clip) error {
	off := s.offSlot()
	if err := s.slots[off].Load(clip); err != nil {
		s.handles.Release(clip.Handle)
		return fmt.Errorf("playback: preload clip: %w", err)
	}
	s.slots[off].SetOpacity(0)

	s.mu.Lock()
	s.next = clip
	s.state = Preloading
	s.mu.Unlock()
	return nil
}

// Advance is called when the current clip reaches its end. When a preloaded
// successor is ready it crossfades to it and reports true; otherwise the
// scheduler holds on the last frame and reports false so the caller can poll.
func (s *Scheduler) Advance() (bool, error) {
	s.transMu.Lock()
	defer s.transMu.Unlock()

	s.mu.Lock()
	if s.state != Preloading || s.next == nil {
		s.mu.Unlock()
		return false, nil
	}
	s.state = Transitioning
	retiring := s.current
	promoted := s.next
	from := s.currentSlot
	to := 1 - from
	s.mu.Unlock()

	if err := s.slots[to].Play(); err != nil {
		s.mu.Lock()
		s.state = Preloading
		if errors.Is(err, ErrPlaybackBlocked) {
			s.blocked = true
		}
		s.mu.Unlock()
		return false, err
	}

	s.crossfade(from, to)
	s.slots[from].Stop()
	s.handles.Release(retiring.Handle)

	s.mu.Lock()
	s.current = promoted
	s.next = nil
	s.currentSlot = to
	s.state = Playing
	s.anchorLocked(promoted)
	s.mu.Unlock()
	return true, nil
}

// crossfade fades slot from out and slot to in over the configured window.
// This is the longest bounded wait in the engine.
func (s *Scheduler) crossfade(from, to int) {
	s.mu.RLock()
	steps := s.cfg.CrossfadeSteps
	step := s.cfg.CrossfadeDuration / time.Duration(steps)
	s.mu.RUnlock()
	for i := 1; i <= steps; i++ {
		f := float64(i) / float64(steps)
		s.slots[to].SetOpacity(f)
		s.slots[from].SetOpacity(1 - f)
		s.clock.Sleep(step)
	}
}

// Resume retries a blocked playback start after an explicit user trigger.
// No-op when playback is not blocked.
func (s *Scheduler) Resume() error {
	s.transMu.Lock()
	defer s.transMu.Unlock()

	s.mu.Lock()
	if !s.blocked || s.current == nil {
		s.mu.Unlock()
		return nil
	}
	slot := s.currentSlot
	clip := s.current
	s.mu.Unlock()

	if err := s.slots[slot].Play(); err != nil {
		return err
	}

	s.mu.Lock()
	s.blocked = false
	s.anchorLocked(clip)
	s.mu.Unlock()
	return nil
}

// Stop flushes the scheduler to Idle, stopping both slots and releasing any
// held clip handles. Safe to call repeatedly and during teardown races.
func (s *Scheduler) Stop() {
	s.transMu.Lock()
	defer s.transMu.Unlock()

	s.mu.Lock()
	current, next := s.current, s.next
	s.current, s.next = nil, nil
	s.state = Idle
	s.blocked = false
	s.mu.Unlock()

	for _, slot := range s.slots {
		slot.Stop()
	}
	if current != nil {
		s.handles.Release(current.Handle)
	}
	if next != nil {
		s.handles.Release(next.Handle)
	}
}

// CurrentSubtitle maps elapsed playback time into the recording timeline and
// resolves the caption for that position. ok is false when Idle, when
// playback is blocked, or when no confident caption exists there.
func (s *Scheduler) CurrentSubtitle() (text string, ok bool) {
	s.mu.RLock()
	if s.state == Idle || s.current == nil || s.blocked {
		s.mu.RUnlock()
		return "", false
	}
	atMs := s.playBaseMs + s.clock.Now().Sub(s.playStart).Milliseconds() + s.cfg.SubtitleOffsetMs
	s.mu.RUnlock()

	seg, found := s.subtitles.Lookup(atMs)
	if !found {
		return "", false
	}
	return seg.Text, true
}

// Remaining reports how much of the current clip is left to play. ok is
// false when nothing is on screen.
func (s *Scheduler) Remaining() (left time.Duration, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == Idle || s.current == nil {
		return 0, false
	}
	elapsed := s.clock.Now().Sub(s.playStart)
	left = time.Duration(s.current.DurationMs())*time.Millisecond - elapsed
	if left < 0 {
		left = 0
	}
	return left, true
}

// SetCrossfade adjusts the fade window at runtime.
func (s *Scheduler) SetCrossfade(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.CrossfadeDuration = d
}

// SetSubtitleOffset adjusts the caption timing offset at runtime. Values are
// clamped to ±5000ms.
func (s *Scheduler) SetSubtitleOffset(offsetMs int64) {
	switch {
	case offsetMs > 5000:
		offsetMs = 5000
	case offsetMs < -5000:
		offsetMs = -5000
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.SubtitleOffsetMs = offsetMs
}

func (s *Scheduler) offSlot() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return 1 - s.currentSlot
}

// anchorLocked re-anchors the subtitle timeline to the start of clip. Must be
// called with s.mu held.
func (s *Scheduler) anchorLocked(clip *media.Clip) {
	s.playStart = s.clock.Now()
	s.playBaseMs = clip.Window().StartMs
}
