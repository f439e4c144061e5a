// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider turns one response text into linear PCM audio. The call
// pipeline encodes that audio into fixed-size telephony frames itself, so
// providers only need to return the whole utterance along with its sample
// rate.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice selects the voice a provider should speak with.
type Voice struct {
	// ID is the provider-specific voice identifier. Providers with a single
	// default voice accept an empty ID.
	ID string

	// Language is an optional BCP-47 tag for multilingual models.
	Language string

	// SpeedFactor scales speaking rate. 1.0 (or 0) is the provider default.
	SpeedFactor float64
}

// Audio is synthesized speech.
type Audio struct {
	// PCM is 16-bit signed little-endian mono audio.
	PCM []byte

	// SampleRate of PCM in Hz.
	SampleRate int
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with voice and blocks until all audio is
	// available or ctx is cancelled.
	Synthesize(ctx context.Context, text string, voice Voice) (*Audio, error)
}
