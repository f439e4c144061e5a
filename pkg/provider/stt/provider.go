// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider turns one complete utterance of caller audio into text. The
// call pipeline segments audio itself, so providers are consumed as a single
// request/response operation rather than a streaming session: each Transcribe
// call carries the whole utterance and returns the final transcript.
//
// Implementations must be safe for concurrent use; many calls transcribe in
// parallel against the same provider instance.
package stt

import (
	"context"
	"time"
)

// Request is one utterance to be transcribed.
type Request struct {
	// Audio is 16-bit signed little-endian mono PCM.
	Audio []byte

	// SampleRate of Audio in Hz.
	SampleRate int

	// Language is a BCP-47 tag (e.g. "en-US"). Empty lets the provider
	// auto-detect or fall back to its configured default.
	Language string
}

// Transcript is the text recognised in a [Request].
type Transcript struct {
	// Text is the recognised text. It may be empty when the audio contained
	// only noise; callers treat that as "nothing was said", not as an error.
	Text string

	// Confidence is the provider's confidence in [0, 1], or 0 when the
	// provider does not report one.
	Confidence float64

	// Language is the detected or requested language, if known.
	Language string

	// Duration is the audio length the provider processed.
	Duration time.Duration
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe sends the utterance to the backend and blocks until the final
	// transcript is available or ctx is cancelled.
	Transcribe(ctx context.Context, req Request) (*Transcript, error)
}
