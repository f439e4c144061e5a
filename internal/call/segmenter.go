package call

import (
	"fmt"
	"time"

	"github.com/MrWong99/dialtone/pkg/audio"
	"github.com/MrWong99/dialtone/pkg/provider/vad"
)

// Segmenter defaults.
const (
	DefaultVADThreshold    = 0.5
	DefaultSilenceDuration = 700 * time.Millisecond
	DefaultMaxUtterance    = 15 * time.Second
	DefaultMinUtterance    = 200 * time.Millisecond
)

// SegmentState is the segmenter's position in the silence / speech cycle.
type SegmentState int

const (
	// SegmentSilence: no speech is being accumulated.
	SegmentSilence SegmentState = iota

	// SegmentVoiced: a voiced run is being accumulated.
	SegmentVoiced

	// SegmentFlushing: the previous utterance was cut at the maximum length
	// and the continuing speech is being accumulated as the next one.
	SegmentFlushing
)

// String returns the lower-case name of the state.
func (s SegmentState) String() string {
	switch s {
	case SegmentSilence:
		return "silence"
	case SegmentVoiced:
		return "voiced"
	case SegmentFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// SegmenterConfig tunes utterance boundary detection. Zero fields take the
// package defaults.
type SegmenterConfig struct {
	// SampleRate of the PCM passed to [Segmenter.Process].
	SampleRate int

	// Threshold is the VAD probability at or above which a frame is voiced.
	Threshold float64

	// SilenceDuration of consecutive unvoiced audio ends an utterance.
	SilenceDuration time.Duration

	// MaxUtterance forces an utterance to be emitted once reached.
	MaxUtterance time.Duration

	// MinUtterance discards voiced runs shorter than this as noise.
	MinUtterance time.Duration
}

func (c SegmenterConfig) withDefaults() SegmenterConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultVADThreshold
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = DefaultSilenceDuration
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = DefaultMaxUtterance
	}
	if c.MinUtterance < 0 {
		c.MinUtterance = 0
	} else if c.MinUtterance == 0 {
		c.MinUtterance = DefaultMinUtterance
	}
	return c
}

// Result describes one processed frame.
type Result struct {
	// Voiced reports whether the frame scored at or above the threshold.
	Voiced bool

	// Probability is the raw VAD score.
	Probability float64

	// Duration of the processed frame.
	Duration time.Duration

	// State after the frame was processed.
	State SegmentState

	// Utterance is non-nil when the frame completed an utterance.
	Utterance *Utterance
}

// Segmenter turns a stream of PCM frames into utterances using a VAD
// session. It is not safe for concurrent use; [Session.Process] serialises
// access.
type Segmenter struct {
	cfg SegmenterConfig
	vad vad.SessionHandle

	state      SegmentState
	buf        []byte
	voicedLen  int           // bytes of buf up to and including the last voiced frame
	buffered   time.Duration // duration of buf
	silenceRun time.Duration // consecutive unvoiced audio at the tail of buf
}

// NewSegmenter returns a segmenter scoring frames with v.
func NewSegmenter(cfg SegmenterConfig, v vad.SessionHandle) *Segmenter {
	return &Segmenter{cfg: cfg.withDefaults(), vad: v}
}

// State returns the current segmentation state.
func (s *Segmenter) State() SegmentState { return s.state }

// Buffered returns the duration of audio accumulated for the pending
// utterance.
func (s *Segmenter) Buffered() time.Duration { return s.buffered }

// Process scores pcm and advances the state machine. A non-nil
// Result.Utterance is returned on the frame that completes an utterance.
func (s *Segmenter) Process(pcm []byte) (Result, error) {
	p, err := s.vad.ProcessFrame(pcm)
	if err != nil {
		return Result{State: s.state}, fmt.Errorf("call: segment: vad: %w", err)
	}
	voiced := p >= s.cfg.Threshold
	d := audio.PCMDuration(len(pcm), s.cfg.SampleRate)
	res := Result{Voiced: voiced, Probability: p, Duration: d}

	switch s.state {
	case SegmentSilence:
		if voiced {
			s.state = SegmentVoiced
			s.buf = append(s.buf[:0], pcm...)
			s.voicedLen = len(s.buf)
			s.buffered = d
			s.silenceRun = 0
		}

	case SegmentVoiced, SegmentFlushing:
		s.buf = append(s.buf, pcm...)
		s.buffered += d
		if voiced {
			s.state = SegmentVoiced
			s.voicedLen = len(s.buf)
			s.silenceRun = 0
		} else {
			s.silenceRun += d
		}

		switch {
		case s.silenceRun >= s.cfg.SilenceDuration:
			res.Utterance = s.emit(false)
			s.state = SegmentSilence
			s.silenceRun = 0
		case s.buffered >= s.cfg.MaxUtterance:
			res.Utterance = s.emit(true)
			s.state = SegmentFlushing
		}
	}

	res.State = s.state
	return res, nil
}

// emit hands off the voiced portion of the buffer and starts a fresh one.
// Runs shorter than MinUtterance are dropped unless forced.
func (s *Segmenter) emit(forced bool) *Utterance {
	pcm := s.buf[:s.voicedLen]
	s.buf = nil
	s.voicedLen = 0
	s.buffered = 0

	d := audio.PCMDuration(len(pcm), s.cfg.SampleRate)
	if len(pcm) == 0 || (!forced && d < s.cfg.MinUtterance) {
		return nil
	}
	return &Utterance{
		PCM:        pcm,
		SampleRate: s.cfg.SampleRate,
		Duration:   d,
		Forced:     forced,
		EndedAt:    time.Now(),
	}
}

// Reset discards any pending audio and returns to [SegmentSilence].
func (s *Segmenter) Reset() {
	s.state = SegmentSilence
	s.buf = nil
	s.voicedLen = 0
	s.buffered = 0
	s.silenceRun = 0
	if s.vad != nil {
		s.vad.Reset()
	}
}
