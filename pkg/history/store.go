// Package history defines the conversation-history store consulted by the call
// pipeline.
//
// A conversation groups every call between one caller and one agent. At call
// start the pipeline resolves (or creates) the conversation id; after each
// completed turn it appends the caller's transcript and the agent's reply.
// The pipeline treats every history operation as best effort: a failing store
// degrades replies to having no memory but never aborts a call.
//
// Implementations must be safe for concurrent use.
package history

import (
	"context"
	"errors"
	"time"
)

// Roles recorded for turns.
const (
	RoleCaller = "user"
	RoleAgent  = "assistant"
)

// ErrConversationNotFound is returned when an operation names a conversation
// the store does not know.
var ErrConversationNotFound = errors.New("history: conversation not found")

// Turn is a single role-tagged utterance in a conversation.
type Turn struct {
	// Role is RoleCaller or RoleAgent.
	Role string

	// Text is the transcript (caller) or generated reply (agent).
	Text string

	// CallID identifies the call during which the turn happened.
	CallID string

	// CreatedAt is set by the store when zero.
	CreatedAt time.Time
}

// Store persists conversation history.
type Store interface {
	// ResolveConversation returns the id of the conversation between agentID
	// and caller, creating it on first contact.
	ResolveConversation(ctx context.Context, agentID, caller string) (string, error)

	// AppendTurn adds turn to the end of the conversation.
	AppendTurn(ctx context.Context, conversationID string, turn Turn) error

	// LoadHistory returns the most recent limit turns in chronological order.
	// A non-positive limit returns the whole conversation.
	LoadHistory(ctx context.Context, conversationID string, limit int) ([]Turn, error)
}
