package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// ResampleMono16 converts little-endian 16-bit mono PCM from srcRate to
// dstRate by linear interpolation. The output holds round(n*dstRate/srcRate)
// samples so playback duration is kept. Equal or invalid rates return pcm
// as is.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	n := len(pcm) / 2
	m := int((int64(n)*int64(dstRate) + int64(srcRate)/2) / int64(srcRate))
	if m == 0 {
		return nil
	}
	at := func(i int) float64 {
		if i >= n {
			i = n - 1
		}
		return float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}

	out := make([]byte, 2*m)
	step := float64(srcRate) / float64(dstRate)
	for i := range m {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		v := at(j) + (at(j+1)-at(j))*frac
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(math.Round(v))))
	}
	return out
}

// Samples decodes little-endian int16 PCM into samples. A trailing odd byte
// is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// PCM encodes samples as little-endian int16 PCM.
func PCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCMDuration returns the playback length of n bytes of 16-bit mono PCM at
// sampleRate.
func PCMDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := int64(n / 2)
	return time.Duration(samples * int64(time.Second) / int64(sampleRate))
}

// PCMBytes returns the number of bytes of 16-bit mono PCM that play for d at
// sampleRate.
func PCMBytes(d time.Duration, sampleRate int) int {
	return int(int64(d)*int64(sampleRate)/int64(time.Second)) * 2
}
