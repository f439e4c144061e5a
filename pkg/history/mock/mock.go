// Package mock provides a test double for the history.Store interface.
//
// Store keeps turns in memory like memstore but lets tests inject errors per
// operation and inspect every call.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/dialtone/pkg/history"
)

// AppendCall records a single invocation of AppendTurn.
type AppendCall struct {
	ConversationID string
	Turn           history.Turn
}

// Store is a mock implementation of history.Store.
type Store struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// ConversationID is returned by ResolveConversation. Defaults to "conv-1".
	ConversationID string

	// History is returned by LoadHistory (before any appended turns).
	History []history.Turn

	// ResolveErr, AppendErr and LoadErr are returned by the matching method.
	ResolveErr error
	AppendErr  error
	LoadErr    error

	// --- Call records ---

	ResolveCalls int
	LoadCalls    int
	AppendCalls  []AppendCall
}

var _ history.Store = (*Store)(nil)

// ResolveConversation implements history.Store.
func (s *Store) ResolveConversation(_ context.Context, _, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResolveCalls++
	if s.ResolveErr != nil {
		return "", s.ResolveErr
	}
	if s.ConversationID == "" {
		return "conv-1", nil
	}
	return s.ConversationID, nil
}

// AppendTurn implements history.Store. Successful appends are added to History.
func (s *Store) AppendTurn(_ context.Context, conversationID string, turn history.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AppendCalls = append(s.AppendCalls, AppendCall{ConversationID: conversationID, Turn: turn})
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.History = append(s.History, turn)
	return nil
}

// LoadHistory implements history.Store.
func (s *Store) LoadHistory(_ context.Context, _ string, limit int) ([]history.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LoadCalls++
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	turns := s.History
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]history.Turn(nil), turns...), nil
}

// Appended returns a copy of all AppendTurn calls.
func (s *Store) Appended() []AppendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AppendCall(nil), s.AppendCalls...)
}
