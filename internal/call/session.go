// Package call implements the per-call conversational engine: segmenting
// caller audio into utterances, running each utterance through the
// speech-to-text, LLM and text-to-speech pipeline, streaming the reply back
// in real time, and cancelling the reply when the caller barges in.
//
// Every call is represented by a [Session] owned by a [Registry]. A session
// carries a monotonically increasing turn sequence number; each [Turn] is
// tagged with the sequence number current when it started, and all pipeline
// stages and the output streamer compare it against the session before doing
// further work. Advancing the sequence number is therefore enough to cancel a
// turn, no matter which stage it is in.
package call

import (
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/dialtone/pkg/audio"
)

// Sentinel errors returned by session and registry operations.
var (
	// ErrDuplicateCall is returned by [Registry.Create] when a session for the
	// call id already exists.
	ErrDuplicateCall = errors.New("call: duplicate call id")

	// ErrCallNotFound is returned when no session exists for a call id.
	ErrCallNotFound = errors.New("call: call not found")

	// ErrTurnActive is returned by [Session.BeginTurn] while another turn is
	// in progress.
	ErrTurnActive = errors.New("call: turn already active")

	// ErrStaleTurn reports that a turn was superseded by a barge-in or by the
	// end of the call and its remaining work was discarded.
	ErrStaleTurn = errors.New("call: stale turn")

	// ErrSessionEnded is returned by operations on a session that has been
	// removed from its registry.
	ErrSessionEnded = errors.New("call: session ended")
)

// Status is the lifecycle state of a [Session].
type Status int

const (
	// StatusConnecting is the state between session creation and the first
	// inbound frame being accepted.
	StatusConnecting Status = iota

	// StatusActive means the call is live and the agent is not speaking.
	StatusActive

	// StatusSpeaking means an agent reply is being streamed to the caller.
	StatusSpeaking

	// StatusEnded is terminal.
	StatusEnded
)

// String returns the lower-case name of the status.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusSpeaking:
		return "speaking"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Utterance is one contiguous span of caller speech as 16-bit mono PCM.
type Utterance struct {
	// PCM holds little-endian 16-bit samples at SampleRate.
	PCM []byte

	// SampleRate of PCM in Hz.
	SampleRate int

	// Duration of PCM.
	Duration time.Duration

	// Forced is true when the utterance was cut at the maximum utterance
	// length rather than ended by silence.
	Forced bool

	// EndedAt is when the segmenter emitted the utterance.
	EndedAt time.Time
}

// Turn is one caller-utterance / agent-response exchange.
//
// Turn fields other than Seq, Utterance and StartedAt are written only by the
// goroutine running the turn.
type Turn struct {
	// Seq is the session turn sequence number at dispatch.
	Seq uint64

	// Utterance is the caller speech that triggered the turn. Nil for
	// agent-initiated turns such as the greeting.
	Utterance *Utterance

	// Transcript is the recognised caller text.
	Transcript string

	// Response is the agent reply text.
	Response string

	// Frames holds the encoded reply audio.
	Frames []audio.AudioFrame

	// StartedAt is when the turn was dispatched.
	StartedAt time.Time
}

// Session is the state of one live call. All methods are safe for concurrent
// use.
type Session struct {
	// CallID is the telephony provider's identifier for the call.
	CallID string

	mu             sync.Mutex
	conversationID string
	status         Status
	turnSeq        uint64
	activeTurn     *Turn
	segmenter      *Segmenter
}

func newSession(callID string) *Session {
	return &Session{CallID: callID, status: StatusConnecting}
}

// ConversationID returns the persistent conversation this call is part of,
// or "" when history is unavailable.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// TurnSeq returns the current turn sequence number.
func (s *Session) TurnSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnSeq
}

// ActiveTurn returns the in-flight turn, or nil.
func (s *Session) ActiveTurn() *Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTurn
}

// HasActiveTurn reports whether a turn is in flight.
func (s *Session) HasActiveTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTurn != nil
}

// Activate moves a connecting session to [StatusActive], attaching the
// segmenter that owns its inbound buffer and the resolved conversation id.
func (s *Session) Activate(conversationID string, seg *Segmenter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusEnded {
		return ErrSessionEnded
	}
	s.conversationID = conversationID
	s.segmenter = seg
	s.status = StatusActive
	return nil
}

// Process feeds one decoded PCM frame to the session's segmenter under the
// session lock.
func (s *Session) Process(pcm []byte) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusEnded {
		return Result{}, ErrSessionEnded
	}
	if s.segmenter == nil {
		return Result{}, errors.New("call: session not activated")
	}
	return s.segmenter.Process(pcm)
}

// Buffered returns the duration of caller audio currently accumulated by the
// segmenter.
func (s *Session) Buffered() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.segmenter == nil {
		return 0
	}
	return s.segmenter.Buffered()
}

// BeginTurn starts a new turn for utt, advancing the turn sequence number.
// It fails with [ErrTurnActive] while another turn is in flight and with
// [ErrSessionEnded] after the session was removed.
func (s *Session) BeginTurn(utt *Utterance) (*Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.status == StatusEnded:
		return nil, ErrSessionEnded
	case s.activeTurn != nil:
		return nil, ErrTurnActive
	}
	s.turnSeq++
	t := &Turn{
		Seq:       s.turnSeq,
		Utterance: utt,
		StartedAt: time.Now(),
	}
	s.activeTurn = t
	return t, nil
}

// IsCurrent reports whether the turn tagged seq may still do work: the
// session is live, the sequence number has not advanced and the turn has not
// been ended.
func (s *Session) IsCurrent(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isCurrentLocked(seq)
}

func (s *Session) isCurrentLocked(seq uint64) bool {
	return s.status != StatusEnded && s.turnSeq == seq && s.activeTurn != nil
}

// MarkSpeaking switches the session to [StatusSpeaking] if seq is current.
func (s *Session) MarkSpeaking(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isCurrentLocked(seq) {
		return false
	}
	s.status = StatusSpeaking
	return true
}

// EndTurn clears the active turn if it is still seq and returns the session
// to [StatusActive]. It is a no-op for stale sequence numbers.
func (s *Session) EndTurn(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isCurrentLocked(seq) {
		return false
	}
	s.activeTurn = nil
	s.status = StatusActive
	return true
}

// Interrupt cancels the active turn: the sequence number advances so every
// stage of the old turn observes it as stale, the active turn is cleared and
// the session returns to [StatusActive]. It returns the cancelled turn's
// sequence number and false if there was nothing to interrupt.
func (s *Session) Interrupt() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusEnded || s.activeTurn == nil {
		return 0, false
	}
	seq := s.activeTurn.Seq
	s.turnSeq++
	s.activeTurn = nil
	s.status = StatusActive
	return seq, true
}

// end marks the session ended, invalidates any in-flight turn and releases
// the inbound buffer.
func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusEnded {
		return
	}
	s.status = StatusEnded
	s.turnSeq++
	s.activeTurn = nil
	if s.segmenter != nil {
		s.segmenter.Reset()
		s.segmenter = nil
	}
}
