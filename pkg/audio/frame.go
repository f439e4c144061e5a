package audio

import "time"

// AudioFrame is a fixed-size chunk of encoded audio as it travels over the
// telephony transport. Frames are immutable once created: producers allocate
// a fresh Data slice per frame and consumers must not modify it.
type AudioFrame struct {
	// Seq is the frame's position within its stream, starting at zero.
	Seq uint64

	// Data holds the encoded payload (G.711 μ-law for telephony).
	Data []byte

	// SampleRate of the encoded payload in Hz (8000 for telephony).
	SampleRate int

	// Duration is the nominal playback length of the frame.
	Duration time.Duration

	// Timestamp is the frame's offset from the start of its stream.
	Timestamp time.Duration
}
