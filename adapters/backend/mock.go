package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trolyvn/troly/server/domain/entities"
	"github.com/trolyvn/troly/server/domain/repositories"
)

// MockBackend is an offline ConversationBackend for tests and demos.
// It streams a canned reply word by word so callers exercise the same
// chunk path a real streaming backend produces.
type MockBackend struct {
	// Reply overrides the canned answer when non-empty.
	Reply string
	// ChunkDelay spaces out the streamed words.
	ChunkDelay time.Duration
}

// Ensure MockBackend implements the ConversationBackend interface
var _ repositories.ConversationBackend = (*MockBackend)(nil)

// NewMockBackend creates a mock backend with a small streaming delay.
func NewMockBackend() *MockBackend {
	return &MockBackend{ChunkDelay: 30 * time.Millisecond}
}

// Send implements ConversationBackend.
func (m *MockBackend) Send(ctx context.Context, req repositories.BackendRequest) (<-chan repositories.BackendEvent, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	answer := m.Reply
	if answer == "" {
		answer = fmt.Sprintf("Bạn vừa nói: %s. Tôi là trợ lý chạy thử, rất vui được trò chuyện!", req.Query)
	}

	events := make(chan repositories.BackendEvent, 8)
	go func() {
		defer close(events)

		words := strings.SplitAfter(answer, " ")
		for _, word := range words {
			if word == "" {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case events <- repositories.BackendEvent{
				Type:           repositories.BackendEventChunk,
				Chunk:          word,
				ConversationID: conversationID,
			}:
			}
			if m.ChunkDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(m.ChunkDelay):
				}
			}
		}

		select {
		case <-ctx.Done():
		case events <- completedEvent(answer, conversationID, &entities.BackendUsage{
			PromptTokens:     len(strings.Fields(req.Query)),
			CompletionTokens: len(words),
			TotalTokens:      len(strings.Fields(req.Query)) + len(words),
			Latency:          float64(len(words)) * m.ChunkDelay.Seconds(),
		}):
		}
	}()
	return events, nil
}
