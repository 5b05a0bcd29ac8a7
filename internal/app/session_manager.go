package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/echocast/echocast/internal/archive"
	"github.com/echocast/echocast/internal/config"
	"github.com/echocast/echocast/internal/lifecycle"
	"github.com/echocast/echocast/internal/matcher"
	"github.com/echocast/echocast/internal/observe"
	"github.com/echocast/echocast/internal/playback"
	"github.com/echocast/echocast/internal/ringbuf"
	"github.com/echocast/echocast/internal/segmenter"
	"github.com/echocast/echocast/internal/transcript"
	"github.com/echocast/echocast/pkg/capture"
	"github.com/echocast/echocast/pkg/media"
	"github.com/echocast/echocast/pkg/transcribe"
)

// defaultStallTimeout flushes the segmenter when no audio frame has arrived
// for this long.
const defaultStallTimeout = 3 * time.Second

// pumpInterval is how often the playback pump checks whether the current clip
// has finished.
const pumpInterval = 100 * time.Millisecond

// SessionInfo holds metadata about an active replay session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// StartedAt is the recording epoch: the wall-clock zero of the session's
	// millisecond timeline.
	StartedAt time.Time
}

// SessionManager manages the lifecycle of replay sessions. Only one session
// can be active at a time (enforced by mutex). All exported methods are safe
// for concurrent use.
type SessionManager struct {
	mu     sync.Mutex
	active bool
	info   SessionInfo
	cancel context.CancelFunc
	group  *errgroup.Group

	// epoch increments on every Start. In-flight transcriptions carry the
	// epoch they were dispatched under; results from a stopped session are
	// discarded.
	epoch int64

	// Live pipeline for the active session.
	seg     *segmenter.Segmenter
	buffer  *ringbuf.Buffer
	store   *transcript.Store
	match   *matcher.Matcher
	sched   *playback.Scheduler
	handles *lifecycle.Manager

	// lastAudioMs is the timeline position of the most recent audio frame,
	// for the stall watchdog. -1 before the first frame.
	lastAudioMs atomic.Int64

	// feedMu guards the playback feed cursor: the timeline position and ID
	// of the last segment handed to the scheduler. Segments after the cursor
	// are pending replay.
	feedMu      sync.Mutex
	feedStartMs int64
	feedID      int64

	// timeline converts wall clock to session-relative milliseconds.
	timeline func() int64

	// Dependencies injected at construction.
	cfg       *config.Config
	providers *Providers
	arch      *archive.Store
	metrics   *observe.Metrics

	// outstanding mirrors the lifecycle gauge for delta-style metric export.
	outstanding int64
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Providers *Providers

	// Archive is optional; nil disables transcript archiving.
	Archive *archive.Store

	// Metrics is optional; nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &SessionManager{
		cfg:       cfg.Config,
		providers: cfg.Providers,
		arch:      cfg.Archive,
		metrics:   m,
	}
}

// Start begins a new replay session. It builds the live pipeline (segmenter,
// ring buffer, transcript store, matcher, scheduler), connects the capture
// source, and starts the watchdog and playback pump.
//
// Returns an error if a session is already active.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active {
		return fmt.Errorf("session: a session is already active (id=%s)", sm.info.SessionID)
	}

	now := time.Now().UTC()
	sessionID := "session-" + now.Format("20060102T150405Z")
	sm.timeline = func() int64 { return time.Since(now).Milliseconds() }
	sm.lastAudioMs.Store(-1)

	sm.handles = lifecycle.New()
	sm.handles.SetGauge(sm.exportOutstanding)

	bufCfg := sm.cfg.Buffer
	sm.buffer = ringbuf.New(bufCfg.MaxChunks, bufCfg.MaxAgeMs, ringbuf.WithClock(sm.timeline))

	sm.seg = segmenter.New(segmenter.Config{
		SilenceThreshold: sm.cfg.Segmenter.SilenceThreshold,
		MinFrames:        sm.cfg.Segmenter.MinFrames,
		MaxFrames:        sm.cfg.Segmenter.MaxFrames,
		SilenceRun:       sm.cfg.Segmenter.ConsecutiveSilence,
	}, 0)

	sm.store = transcript.NewStore()
	sm.feedMu.Lock()
	sm.feedStartMs, sm.feedID = -1, 0
	sm.feedMu.Unlock()

	matchOpts := []matcher.Option{
		matcher.WithRungObserver(func(r matcher.Rung) {
			sm.metrics.RecordMatchRung(context.Background(), string(r))
		}),
	}
	if sm.providers.Recorder != nil {
		matchOpts = append(matchOpts, matcher.WithLiveRecorder(sm.providers.Recorder))
	}
	sm.match = matcher.New(matcher.Config{
		SlackMs:     sm.cfg.Matcher.SlackMs,
		RecentCount: sm.cfg.Matcher.RecentFallback,
		ContextPad:  sm.cfg.Matcher.ContextPad,
	}, sm.buffer, sm.handles, matchOpts...)

	playCfg := playback.Config{
		SubtitleOffsetMs: sm.cfg.Playback.SubtitleOffsetMs,
	}
	if sm.cfg.Playback.CrossfadeMs > 0 {
		playCfg.CrossfadeDuration = time.Duration(sm.cfg.Playback.CrossfadeMs) * time.Millisecond
	}
	sm.sched = playback.New(playCfg, sm.providers.Players, sm.store, sm.handles)

	sm.epoch++
	epoch := sm.epoch

	// Session-scoped context for the capture source and background loops.
	sessionCtx, cancel := context.WithCancel(context.Background())

	if err := sm.providers.Capture.Start(sessionCtx, sm.sink(epoch)); err != nil {
		cancel()
		return fmt.Errorf("session: start capture: %w", err)
	}

	stall := sm.cfg.Capture.StallTimeout
	if stall <= 0 {
		stall = defaultStallTimeout
	}

	g, gctx := errgroup.WithContext(sessionCtx)
	g.Go(func() error { return sm.watchdog(gctx, epoch, stall) })
	g.Go(func() error { return sm.pump(gctx) })

	sm.active = true
	sm.cancel = cancel
	sm.group = g
	sm.info = SessionInfo{SessionID: sessionID, StartedAt: now}

	sm.metrics.ActiveSessions.Add(sessionCtx, 1)
	slog.Info("session started", "session_id", sessionID)
	return nil
}

// Stop gracefully ends the active session. Teardown order: capture source,
// segmenter (partial accumulation is discarded), background loops, scheduler,
// then all outstanding resource handles.
//
// Returns an error if no session is active.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.active {
		return fmt.Errorf("session: no active session to stop")
	}
	sessionID := sm.info.SessionID

	if err := sm.providers.Capture.Stop(); err != nil {
		slog.Warn("session: capture stop error", "session_id", sessionID, "err", err)
	}

	// Discard whatever the segmenter accumulated; there is no point
	// transcribing a cut-off utterance whose clip will never play.
	sm.seg.Flush(sm.timeline())

	sm.cancel()
	if err := sm.group.Wait(); err != nil && err != context.Canceled {
		slog.Warn("session: background loop error", "session_id", sessionID, "err", err)
	}

	sm.sched.Stop()
	sm.handles.ReleaseAll()

	sm.active = false
	sm.cancel = nil
	sm.group = nil
	sm.info = SessionInfo{}

	sm.metrics.ActiveSessions.Add(ctx, -1)
	slog.Info("session stopped", "session_id", sessionID)
	return nil
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns metadata about the active session. Zero value when none.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// CurrentSubtitle returns the caption for the current playback position.
func (sm *SessionManager) CurrentSubtitle() (string, bool) {
	sm.mu.Lock()
	sched := sm.sched
	sm.mu.Unlock()
	if sched == nil {
		return "", false
	}
	return sched.CurrentSubtitle()
}

// Resume restarts playback after it was blocked by a failed transition.
func (sm *SessionManager) Resume() error {
	sm.mu.Lock()
	sched := sm.sched
	sm.mu.Unlock()
	if sched == nil {
		return fmt.Errorf("session: no active session")
	}
	return sched.Resume()
}

// Transcript returns the full session transcript assembled so far.
func (sm *SessionManager) Transcript() string {
	sm.mu.Lock()
	store := sm.store
	sm.mu.Unlock()
	if store == nil {
		return ""
	}
	return store.Transcript()
}

// Apply hot-applies tunable changes from a config diff to the live session.
// Sections requiring a restart (capture, transcriber, archive) are ignored.
func (sm *SessionManager) Apply(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Any() {
		return
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg = new
	if !sm.active {
		return
	}

	if d.SegmenterChanged {
		sm.seg.SetThreshold(new.Segmenter.SilenceThreshold)
		sm.seg.SetLimits(new.Segmenter.MinFrames, new.Segmenter.MaxFrames, new.Segmenter.ConsecutiveSilence)
		slog.Info("applied segmenter config", "threshold", new.Segmenter.SilenceThreshold)
	}
	if d.BufferChanged {
		sm.buffer.SetRetention(new.Buffer.MaxChunks, new.Buffer.MaxAgeMs)
		slog.Info("applied buffer retention", "max_chunks", new.Buffer.MaxChunks, "max_age_ms", new.Buffer.MaxAgeMs)
	}
	if d.MatcherChanged {
		sm.match.SetSlack(new.Matcher.SlackMs)
		slog.Info("applied matcher slack", "slack_ms", new.Matcher.SlackMs)
	}
	if d.PlaybackChanged {
		sm.sched.SetCrossfade(time.Duration(new.Playback.CrossfadeMs) * time.Millisecond)
		sm.sched.SetSubtitleOffset(new.Playback.SubtitleOffsetMs)
		slog.Info("applied playback config", "crossfade_ms", new.Playback.CrossfadeMs, "subtitle_offset_ms", new.Playback.SubtitleOffsetMs)
	}
}

// ─── Pipeline plumbing ───────────────────────────────────────────────────────

// sink returns the capture sink that feeds the live pipeline. Audio frames go
// to the segmenter, video chunks to the ring buffer.
func (sm *SessionManager) sink(epoch int64) capture.Sink {
	return capture.Sink{
		OnAudio: func(frame media.AudioFrame, atMs int64) {
			sm.lastAudioMs.Store(atMs)
			if utt := sm.seg.Push(frame, atMs); utt != nil {
				sm.metrics.RecordUtterance(context.Background(), "cut")
				sm.dispatch(epoch, utt)
			}
		},
		OnVideo: func(chunk *media.VideoChunk) {
			sm.buffer.Push(chunk)
			sm.metrics.BufferedChunks.Add(context.Background(), 1)
		},
	}
}

// dispatch sends an utterance to the transcription gateway without blocking
// the capture path. The result lands in the transcript store and the playback
// feed is nudged; results arriving after the session stopped are discarded.
func (sm *SessionManager) dispatch(epoch int64, utt *media.Utterance) {
	go func() {
		ctx, span := observe.StartSpan(context.Background(), "utterance.process")
		defer span.End()

		sm.mu.Lock()
		req := transcribe.Request{
			PCM:        utt.PCM,
			SampleRate: sm.sampleRate(),
			Language:   sm.cfg.Transcriber.Language,
			Prompt:     sm.cfg.Transcriber.Prompt,
		}
		sm.mu.Unlock()

		tctx, tspan := observe.StartSpan(ctx, "utterance.transcribe")
		start := time.Now()
		res, err := sm.providers.Transcriber.Transcribe(tctx, req)
		tspan.End()
		sm.metrics.TranscriptionDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			slog.Warn("transcription failed", "window_start_ms", utt.Window.StartMs, "err", err)
			return
		}
		if res.Text == "" {
			return
		}

		sm.mu.Lock()
		stale := !sm.active || sm.epoch != epoch
		store, match, sched, arch := sm.store, sm.match, sm.sched, sm.arch
		sessionID := sm.info.SessionID
		sm.mu.Unlock()
		if stale {
			slog.Debug("discarding transcription from stopped session", "text", res.Text)
			return
		}

		seg, added := store.Add(res.Text, utt.Window)
		if !added {
			sm.metrics.DedupedSegments.Add(ctx, 1)
			return
		}

		if arch != nil {
			if err := arch.Save(ctx, sessionID, seg); err != nil {
				slog.Warn("archive write failed", "segment_id", seg.ID, "err", err)
			}
		}

		sm.feed(ctx, store, match, sched)
	}()
}

// feed pulls unplayed segments from the transcript store in timeline order
// and hands their clips to the scheduler until both slots are occupied.
// Segments arriving while the slots are busy stay pending in the store; the
// pump feeds again after every promotion, so a burst of fast transcription
// results is replayed in full rather than dropped against a full scheduler.
func (sm *SessionManager) feed(ctx context.Context, store *transcript.Store, match *matcher.Matcher, sched *playback.Scheduler) {
	sm.feedMu.Lock()
	defer sm.feedMu.Unlock()

	for {
		switch sched.State() {
		case playback.Idle, playback.Playing:
		default:
			return
		}
		if sched.Blocked() {
			return
		}
		seg, ok := store.NextAfter(sm.feedStartMs, sm.feedID)
		if !ok {
			return
		}

		mctx, mspan := observe.StartSpan(ctx, "clip.assemble")
		buildStart := time.Now()
		clip, err := match.Match(mctx, seg.Window, seg)
		mspan.End()
		sm.metrics.ClipBuildDuration.Record(ctx, time.Since(buildStart).Seconds())
		if err != nil {
			slog.Warn("clip match failed", "segment_id", seg.ID, "err", err)
			sm.feedStartMs, sm.feedID = seg.Window.StartMs, seg.ID
			continue
		}

		err = sched.Enqueue(clip)
		switch {
		case err == nil:
			sm.feedStartMs, sm.feedID = seg.Window.StartMs, seg.ID
		case errors.Is(err, playback.ErrSlotsBusy):
			// Raced with another feeder; the segment stays pending for the
			// next pass.
			return
		case errors.Is(err, playback.ErrPlaybackBlocked):
			// The clip is loaded and waits for Resume.
			sm.feedStartMs, sm.feedID = seg.Window.StartMs, seg.ID
			return
		default:
			slog.Warn("clip enqueue failed", "segment_id", seg.ID, "err", err)
			sm.feedStartMs, sm.feedID = seg.Window.StartMs, seg.ID
			return
		}
	}
}

// watchdog flushes the segmenter when the audio feed stalls so a trailing
// utterance is not stuck waiting for silence frames that never come.
func (sm *SessionManager) watchdog(ctx context.Context, epoch int64, stall time.Duration) error {
	ticker := time.NewTicker(stall / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			last := sm.lastAudioMs.Load()
			if last < 0 || sm.seg.Pending() == 0 {
				continue
			}
			nowMs := sm.timeline()
			if nowMs-last < stall.Milliseconds() {
				continue
			}
			if utt := sm.seg.Flush(nowMs); utt != nil {
				slog.Warn("audio feed stalled, flushing segmenter",
					"err", capture.ErrSourceStalled,
					"stalled_ms", nowMs-last,
					"window_start_ms", utt.Window.StartMs)
				sm.metrics.RecordUtterance(ctx, "flush")
				sm.dispatch(epoch, utt)
			}
		}
	}
}

// pump drives scheduler transitions: when the current clip has played out and
// a successor is preloaded, it advances with a crossfade and pulls the next
// pending segment into the freed slot. While a slot is free it keeps the feed
// moving so segments that arrived against a full scheduler are not stranded.
// Blocked playback is left for an explicit Resume.
func (sm *SessionManager) pump(ctx context.Context) error {
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()

	var prevDropped int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if dropped := sm.buffer.Dropped(); dropped > prevDropped {
				sm.metrics.DroppedChunks.Add(ctx, dropped-prevDropped)
				sm.metrics.BufferedChunks.Add(ctx, -(dropped - prevDropped))
				prevDropped = dropped
			}

			switch sm.sched.State() {
			case playback.Preloading:
				if sm.sched.Blocked() {
					continue
				}
				if left, ok := sm.sched.Remaining(); !ok || left > 0 {
					continue
				}
				advanced, err := sm.sched.Advance()
				if err != nil {
					slog.Warn("playback advance failed", "err", err)
					continue
				}
				if advanced {
					sm.feed(ctx, sm.store, sm.match, sm.sched)
				}
			case playback.Idle, playback.Playing:
				sm.feed(ctx, sm.store, sm.match, sm.sched)
			}
		}
	}
}

// exportOutstanding mirrors the lifecycle handle gauge into metrics.
func (sm *SessionManager) exportOutstanding(n int) {
	delta := int64(n) - atomic.LoadInt64(&sm.outstanding)
	atomic.StoreInt64(&sm.outstanding, int64(n))
	sm.metrics.OutstandingHandles.Add(context.Background(), delta)
}

// sampleRate returns the configured capture sample rate, defaulting to 48kHz.
func (sm *SessionManager) sampleRate() int {
	if sm.cfg.Capture.SampleRate > 0 {
		return sm.cfg.Capture.SampleRate
	}
	return 48000
}
