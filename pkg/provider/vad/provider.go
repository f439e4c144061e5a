// Package vad defines the interfaces for Voice Activity Detection engines.
//
// A VAD engine scores individual PCM frames for the presence of speech. It
// does not decide where utterances begin or end: the call segmenter turns the
// per-frame scores into utterance boundaries using its own thresholds and
// duration counters, so engines stay simple and interchangeable.
//
// A [SessionHandle] may carry per-stream state (noise estimates, model hidden
// state) and is therefore owned by exactly one audio stream. The [Engine] that
// creates sessions must be safe for concurrent use.
package vad

// Config describes the audio a VAD session will receive.
type Config struct {
	// SampleRate of the 16-bit mono PCM frames in Hz.
	SampleRate int

	// FrameSizeMs is the nominal frame length. Sessions tolerate frames of
	// other lengths but may be tuned for this one.
	FrameSizeMs int
}

// SessionHandle scores the frames of a single audio stream.
type SessionHandle interface {
	// ProcessFrame returns the speech probability in [0, 1] for one frame of
	// 16-bit little-endian mono PCM.
	ProcessFrame(frame []byte) (float64, error)

	// Reset clears any per-stream state, e.g. after a barge-in.
	Reset()

	// Close releases resources held by the session.
	Close() error
}

// Engine creates VAD sessions.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}
