package audio

// G.711 μ-law companding as used by the public telephone network and the
// Twilio Media Streams API.

const (
	muLawBias = 0x84
	muLawClip = 32635

	// MuLawSilence is the μ-law encoding of a zero sample.
	MuLawSilence byte = 0xFF
)

// MuLawEncode compresses one linear sample to μ-law.
func MuLawEncode(s int16) byte {
	sample := int(s)
	sign := 0
	if sample < 0 {
		sample = -sample
		sign = 0x80
	}
	if sample > muLawClip {
		sample = muLawClip
	}
	sample += muLawBias

	exponent := 7
	for mask := 0x4000; sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (sample >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// MuLawDecode expands one μ-law byte to a linear sample.
func MuLawDecode(u byte) int16 {
	u = ^u
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)
	sample := ((mantissa << 3) + muLawBias) << exponent
	sample -= muLawBias
	if u&0x80 != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// MuLawToPCM expands a μ-law payload into little-endian int16 PCM at the same
// sample rate.
func MuLawToPCM(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		s := MuLawDecode(u)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// PCMToMuLaw compresses little-endian int16 PCM into μ-law at the same
// sample rate. A trailing odd byte is ignored.
func PCMToMuLaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = MuLawEncode(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}
	return out
}
