// Package transcribe defines the Provider interface for transcription
// backends.
//
// A provider wraps a batch speech-to-text service (OpenAI's audio API or a
// local whisper.cpp instance) behind a uniform request/response call. The
// engine dispatches one request per utterance; latency is unbounded but
// typically sub-second to a few seconds, and completion order is unrelated to
// dispatch order.
//
// Implementations must be safe for concurrent use.
package transcribe

import "context"

// Request carries one utterance's audio and recognition hints.
type Request struct {
	// PCM is the utterance audio as signed 16-bit mono samples.
	PCM []int16

	// SampleRate is the PCM sample rate in Hz.
	SampleRate int

	// Language is the BCP-47 language tag for recognition (e.g. "en", "de").
	// Empty lets the provider auto-detect, if supported.
	Language string

	// Prompt is a free-text context hint improving recognition of uncommon
	// vocabulary (speaker names, topic terms).
	Prompt string
}

// Result is a completed transcription.
type Result struct {
	// Text is the recognised text, possibly empty for pure silence.
	Text string
}

// Provider is the abstraction over any transcription backend.
type Provider interface {
	// Transcribe converts one utterance to text. Implementations must respect
	// context cancellation; a cancelled request must not leak resources.
	Transcribe(ctx context.Context, req Request) (Result, error)
}
