package call

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Registry maps call ids to live sessions. It never holds a global lock
// across session operations; each session guards its own state.
//
// The zero value is ready to use.
type Registry struct {
	sessions sync.Map // string → *Session
	count    atomic.Int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Create registers a new session for callID. It fails with
// [ErrDuplicateCall] if one already exists.
func (r *Registry) Create(callID string) (*Session, error) {
	if callID == "" {
		return nil, errors.New("call: create: empty call id")
	}
	s := newSession(callID)
	if _, loaded := r.sessions.LoadOrStore(callID, s); loaded {
		return nil, fmt.Errorf("call: create %q: %w", callID, ErrDuplicateCall)
	}
	r.count.Add(1)
	return s, nil
}

// Get returns the session for callID or [ErrCallNotFound].
func (r *Registry) Get(callID string) (*Session, error) {
	v, ok := r.sessions.Load(callID)
	if !ok {
		return nil, fmt.Errorf("call: get %q: %w", callID, ErrCallNotFound)
	}
	return v.(*Session), nil
}

// Remove unregisters the session for callID, marks it ended, releases its
// inbound buffer and drops its active turn.
func (r *Registry) Remove(callID string) error {
	v, ok := r.sessions.LoadAndDelete(callID)
	if !ok {
		return fmt.Errorf("call: remove %q: %w", callID, ErrCallNotFound)
	}
	r.count.Add(-1)
	v.(*Session).end()
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Range calls fn for every live session until fn returns false.
func (r *Registry) Range(fn func(*Session) bool) {
	r.sessions.Range(func(_, v any) bool {
		return fn(v.(*Session))
	})
}

// Close removes every session. It is used on shutdown.
func (r *Registry) Close() {
	r.sessions.Range(func(k, _ any) bool {
		_ = r.Remove(k.(string))
		return true
	})
}
