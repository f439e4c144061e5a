package audio

import (
	"errors"
	"fmt"
)

// TelephonyRate is the sample rate of narrow-band telephone audio in Hz.
const TelephonyRate = 8000

// ErrMalformedFrame is returned when a frame cannot be decoded or encoded.
// The call loop drops such frames instead of terminating the call.
var ErrMalformedFrame = errors.New("audio: malformed frame")

// Codec converts between the transport's wire encoding and the linear PCM
// format consumed by transcription and produced by synthesis.
//
// Implementations must be stateless: every call converts its input
// independently so that no partial-frame state leaks between frames or calls.
type Codec interface {
	// Decode converts one encoded frame to 16-bit mono PCM at PCMRate.
	Decode(frame []byte) ([]byte, error)

	// Encode converts 16-bit mono PCM at PCMRate to the wire encoding.
	Encode(pcm []byte) ([]byte, error)

	// PCMRate is the linear sample rate in Hz.
	PCMRate() int

	// WireRate is the encoded sample rate in Hz.
	WireRate() int
}

// TelephonyCodec converts between G.711 μ-law at 8 kHz and 16-bit mono PCM at
// a wide-band rate. The zero value is not usable; construct with
// [NewTelephonyCodec].
type TelephonyCodec struct {
	pcmRate int
}

var _ Codec = TelephonyCodec{}

// NewTelephonyCodec returns a codec producing PCM at pcmRate. A non-positive
// rate selects 16 kHz.
func NewTelephonyCodec(pcmRate int) TelephonyCodec {
	if pcmRate <= 0 {
		pcmRate = 16000
	}
	return TelephonyCodec{pcmRate: pcmRate}
}

// Decode expands μ-law to linear PCM and upsamples it to the PCM rate.
func (c TelephonyCodec) Decode(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	return ResampleMono16(MuLawToPCM(frame), TelephonyRate, c.pcmRate), nil
}

// Encode downsamples linear PCM to 8 kHz and compresses it to μ-law.
func (c TelephonyCodec) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d in 16-bit PCM", ErrMalformedFrame, len(pcm))
	}
	return PCMToMuLaw(ResampleMono16(pcm, c.pcmRate, TelephonyRate)), nil
}

// PCMRate implements [Codec].
func (c TelephonyCodec) PCMRate() int { return c.pcmRate }

// WireRate implements [Codec].
func (c TelephonyCodec) WireRate() int { return TelephonyRate }
