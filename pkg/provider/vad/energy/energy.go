// Package energy implements a VAD engine based on short-term signal energy.
//
// Each frame's RMS level in dBFS is mapped linearly onto [0, 1] between a
// floor (silence) and a ceiling (clear speech). Telephone audio has a
// predictable level range, so this detector is a reasonable default that needs
// no model files and no cgo.
package energy

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/dialtone/pkg/audio"
	"github.com/MrWong99/dialtone/pkg/provider/vad"
)

const (
	// DefaultFloorDBFS maps to probability 0.
	DefaultFloorDBFS = -50.0

	// DefaultCeilingDBFS maps to probability 1.
	DefaultCeilingDBFS = -25.0

	fullScale = 32768.0
)

var _ vad.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithRange sets the dBFS levels mapped to probability 0 and 1.
func WithRange(floor, ceiling float64) Option {
	return func(e *Engine) {
		e.floor = floor
		e.ceiling = ceiling
	}
}

// Engine creates energy-based VAD sessions.
type Engine struct {
	floor   float64
	ceiling float64
}

// New returns an Engine. The floor must be below the ceiling.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{floor: DefaultFloorDBFS, ceiling: DefaultCeilingDBFS}
	for _, o := range opts {
		o(e)
	}
	if e.floor >= e.ceiling {
		return nil, fmt.Errorf("energy vad: floor %.1f dBFS must be below ceiling %.1f dBFS", e.floor, e.ceiling)
	}
	return e, nil
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("energy vad: sample rate must be positive")
	}
	return &session{floor: e.floor, ceiling: e.ceiling}, nil
}

// session is stateless; the type exists to satisfy vad.SessionHandle.
type session struct {
	floor   float64
	ceiling float64
}

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (float64, error) {
	if len(frame)%2 != 0 {
		return 0, fmt.Errorf("energy vad: odd byte count %d in 16-bit PCM", len(frame))
	}
	rms := audio.RMS(frame)
	if rms == 0 {
		return 0, nil
	}
	db := 20 * math.Log10(rms/fullScale)
	p := (db - s.floor) / (s.ceiling - s.floor)
	return math.Max(0, math.Min(1, p)), nil
}

func (s *session) Reset() {}

func (s *session) Close() error { return nil }
