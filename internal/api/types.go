package api

import (
	"time"

	"github.com/trolyvn/troly/server/domain/entities"
)

// GuestAuthResponse represents the response payload for guest authentication
type GuestAuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
}

// VoicesResponse lists the synthesis voices available to the client
type VoicesResponse struct {
	Voices []entities.Voice `json:"voices"`
}

// ConversationsResponse lists a user's archived conversations
type ConversationsResponse struct {
	Conversations []*entities.ConversationRecord `json:"conversations"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
