package audio

import "time"

// DefaultFrameDuration is the frame length used by telephony transports.
const DefaultFrameDuration = 20 * time.Millisecond

// Framer splits an encoded payload into fixed-duration [AudioFrame] values.
// It assumes one byte per sample, which holds for G.711.
type Framer struct {
	// SampleRate of the encoded payload in Hz.
	SampleRate int

	// Duration of each frame.
	Duration time.Duration

	// Pad is the byte used to fill a short final frame.
	Pad byte
}

// TelephonyFramer returns a Framer for 20 ms μ-law frames at 8 kHz.
func TelephonyFramer() Framer {
	return Framer{SampleRate: TelephonyRate, Duration: DefaultFrameDuration, Pad: MuLawSilence}
}

// FrameSize returns the number of bytes in one frame.
func (f Framer) FrameSize() int {
	n := int(int64(f.SampleRate) * int64(f.Duration) / int64(time.Second))
	if n <= 0 {
		return 1
	}
	return n
}

// Split cuts encoded into frames numbered from startSeq. The final frame is
// padded to full size so every frame plays for exactly f.Duration.
func (f Framer) Split(encoded []byte, startSeq uint64) []AudioFrame {
	size := f.FrameSize()
	frames := make([]AudioFrame, 0, (len(encoded)+size-1)/size)
	for off := 0; off < len(encoded); off += size {
		data := make([]byte, size)
		n := copy(data, encoded[off:])
		for i := n; i < size; i++ {
			data[i] = f.Pad
		}
		seq := startSeq + uint64(len(frames))
		frames = append(frames, AudioFrame{
			Seq:        seq,
			Data:       data,
			SampleRate: f.SampleRate,
			Duration:   f.Duration,
			Timestamp:  time.Duration(len(frames)) * f.Duration,
		})
	}
	return frames
}
