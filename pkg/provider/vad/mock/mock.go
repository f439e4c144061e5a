// Package mock provides scripted vad doubles for tests.
//
//	sess := &mock.Session{Scores: mock.Runs(mock.Run{N: 30, P: 0.9}, mock.Run{N: 40, P: 0.1})}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/dialtone/pkg/provider/vad"
)

// Run is N consecutive frames scored P.
type Run struct {
	N int
	P float64
}

// Runs flattens runs into a per-frame score script.
func Runs(runs ...Run) []float64 {
	var out []float64
	for _, r := range runs {
		for range r.N {
			out = append(out, r.P)
		}
	}
	return out
}

// Engine hands out Session, or a fresh default Session when it is nil.
type Engine struct {
	Session vad.SessionHandle

	// NewSessionErr fails every NewSession call.
	NewSessionErr error

	mu      sync.Mutex
	configs []vad.Config
}

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	switch {
	case e.NewSessionErr != nil:
		return nil, e.NewSessionErr
	case e.Session != nil:
		return e.Session, nil
	}
	return &Session{}, nil
}

// Configs returns the config of every NewSession call so far.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session scores frames from Scores in order, then Default forever.
type Session struct {
	Scores  []float64
	Default float64

	// Err fails every ProcessFrame call.
	Err error

	mu     sync.Mutex
	frames int
	resets int
	closes int
}

func (s *Session) ProcessFrame(frame []byte) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	if s.Err != nil {
		return 0, s.Err
	}
	if len(s.Scores) == 0 {
		return s.Default, nil
	}
	p := s.Scores[0]
	s.Scores = s.Scores[1:]
	return p, nil
}

func (s *Session) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

// Counts reports how many frames, resets and closes the session has seen.
func (s *Session) Counts() (frames, resets, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.resets, s.closes
}
