package entities

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ConversationRecord is the archived form of one finished voice session:
// the frozen transcript plus enough metadata to list and replay it later.
type ConversationRecord struct {
	ID             string    `json:"id" bson:"_id,omitempty"`
	UserID         string    `json:"user_id" bson:"user_id"`
	ConversationID string    `json:"conversation_id,omitempty" bson:"conversation_id,omitempty"`
	Language       string    `json:"language" bson:"language"`
	StartedAt      time.Time `json:"started_at" bson:"started_at"`
	EndedAt        time.Time `json:"ended_at" bson:"ended_at"`
	Messages       []Message `json:"messages" bson:"messages"`
}

// NewConversationRecord builds an archive record from a stopped session's
// transcript snapshot.
func NewConversationRecord(userID, conversationID, language string, startedAt time.Time, messages []Message) *ConversationRecord {
	return &ConversationRecord{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		Language:       language,
		StartedAt:      startedAt,
		EndedAt:        time.Now(),
		Messages:       messages,
	}
}

// Duration returns how long the recorded session lasted.
func (r *ConversationRecord) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// IsEmpty reports whether the record holds no finalized messages worth
// keeping.
func (r *ConversationRecord) IsEmpty() bool {
	for _, m := range r.Messages {
		if m.IsFinal && m.Text != "" {
			return false
		}
	}
	return true
}

// Validate validates the record before persistence.
func (r *ConversationRecord) Validate() error {
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	if len(r.Messages) == 0 {
		return errors.New("record has no messages")
	}
	if r.StartedAt.IsZero() {
		return errors.New("started_at is required")
	}
	return nil
}
