package repositories

import (
	"context"

	"github.com/trolyvn/troly/server/domain/entities"
)

// BackendRequest carries one user turn to the conversational AI backend.
type BackendRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id"`
}

// BackendEventType identifies a backend response event.
type BackendEventType string

const (
	BackendEventChunk     BackendEventType = "chunk"
	BackendEventCompleted BackendEventType = "completed"
	BackendEventError     BackendEventType = "error"
)

// BackendEvent is one event in a backend response sequence: zero or more
// chunks followed by exactly one terminal event (completed or error),
// after which the channel is closed. The blocking variant emits no
// chunks, only the terminal event.
type BackendEvent struct {
	Type BackendEventType

	// Chunk is an incremental answer fragment, applied in arrival order.
	Chunk string

	// Answer is the cumulative answer text, set on completed.
	Answer string
	// ConversationID is the continuity token for the next turn, set on
	// completed when the backend issued or updated one.
	ConversationID string
	// Usage carries token accounting and latency when the backend
	// reported them.
	Usage *entities.BackendUsage

	Err error
}

// ConversationBackend abstracts the remote AI backend. Both variants,
// token-streaming and blocking single-shot, satisfy the same contract;
// the orchestrator depends only on this interface.
type ConversationBackend interface {
	// Send submits a query with its continuity token. It returns an error
	// only for invalid requests; transport and protocol failures arrive as
	// an error event on the channel.
	Send(ctx context.Context, req BackendRequest) (<-chan BackendEvent, error)
}
