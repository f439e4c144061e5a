// Package memstore provides an in-process implementation of history.Store.
// History is lost on restart; use it for development and as the default when
// no database is configured.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/dialtone/pkg/history"
)

var _ history.Store = (*Store)(nil)

type conversationKey struct {
	agentID string
	caller  string
}

// Store is an in-memory history.Store.
type Store struct {
	mu            sync.RWMutex
	conversations map[conversationKey]string
	turns         map[string][]history.Turn
	now           func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		conversations: make(map[conversationKey]string),
		turns:         make(map[string][]history.Turn),
		now:           time.Now,
	}
}

// ResolveConversation implements history.Store.
func (s *Store) ResolveConversation(_ context.Context, agentID, caller string) (string, error) {
	key := conversationKey{agentID: agentID, caller: caller}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.conversations[key]; ok {
		return id, nil
	}
	id := uuid.NewString()
	s.conversations[key] = id
	s.turns[id] = nil
	return id, nil
}

// AppendTurn implements history.Store.
func (s *Store) AppendTurn(_ context.Context, conversationID string, turn history.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns, ok := s.turns[conversationID]
	if !ok {
		return fmt.Errorf("memstore: append turn %q: %w", conversationID, history.ErrConversationNotFound)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	s.turns[conversationID] = append(turns, turn)
	return nil
}

// LoadHistory implements history.Store.
func (s *Store) LoadHistory(_ context.Context, conversationID string, limit int) ([]history.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns, ok := s.turns[conversationID]
	if !ok {
		return nil, fmt.Errorf("memstore: load history %q: %w", conversationID, history.ErrConversationNotFound)
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]history.Turn(nil), turns...), nil
}
