// Package mock provides test doubles for the capture package interfaces.
//
// Source records Start/Stop calls and lets tests push frames into the sink
// directly. It also implements capture.Recorder with a canned chunk list.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/echocast/echocast/pkg/capture"
	"github.com/echocast/echocast/pkg/media"
)

// Source is a mock implementation of capture.Source and capture.Recorder.
type Source struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned from Start.
	StartErr error

	// RecordChunksResult is returned by RecordChunks.
	RecordChunksResult []*media.VideoChunk

	// RecordErr, if non-nil, is returned from RecordChunks.
	RecordErr error

	// StartCalls is the number of times Start was called.
	StartCalls int

	// StopCalls is the number of times Stop was called.
	StopCalls int

	// RecordCalls records the requested duration of every RecordChunks call.
	RecordCalls []time.Duration

	sink    capture.Sink
	started bool
}

var (
	_ capture.Source   = (*Source)(nil)
	_ capture.Recorder = (*Source)(nil)
)

// Start records the call and retains the sink for PushAudio/PushVideo.
func (s *Source) Start(ctx context.Context, sink capture.Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCalls++
	if s.StartErr != nil {
		return s.StartErr
	}
	s.sink = sink
	s.started = true
	return nil
}

// Stop records the call.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls++
	s.started = false
	return nil
}

// RecordChunks returns the canned result.
func (s *Source) RecordChunks(ctx context.Context, d time.Duration) ([]*media.VideoChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RecordCalls = append(s.RecordCalls, d)
	if s.RecordErr != nil {
		return nil, s.RecordErr
	}
	return s.RecordChunksResult, nil
}

// Started reports whether the source is between Start and Stop.
func (s *Source) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// PushAudio delivers an audio frame to the retained sink. No-op before Start.
func (s *Source) PushAudio(frame media.AudioFrame, atMs int64) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink.OnAudio != nil {
		sink.OnAudio(frame, atMs)
	}
}

// PushVideo delivers a video chunk to the retained sink. No-op before Start.
func (s *Source) PushVideo(chunk *media.VideoChunk) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink.OnVideo != nil {
		sink.OnVideo(chunk)
	}
}
