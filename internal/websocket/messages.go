package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/trolyvn/troly/server/domain/entities"
	"github.com/trolyvn/troly/server/internal/flow"
	"github.com/trolyvn/troly/server/internal/vision"
	"github.com/trolyvn/troly/server/usecase"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Client to server message types. Audio arrives as binary frames, not
// as JSON messages.
const (
	MessageTypeSessionStart  MessageType = "session_start"
	MessageTypeSessionStop   MessageType = "session_stop"
	MessageTypeSessionResume MessageType = "session_resume"
	MessageTypeLandmarkFrame MessageType = "landmark_frame"
	MessageTypeSetVoice      MessageType = "set_voice"
	MessageTypeSubscribeFlow MessageType = "subscribe_flow"
	MessageTypePing          MessageType = "ping"
)

// Server to client message types. Synthesized audio goes out as binary
// frames between speaking_start and speaking_end.
const (
	MessageTypeStatus        MessageType = "status"
	MessageTypeTranscript    MessageType = "transcript"
	MessageTypeSpeakingStart MessageType = "speaking_start"
	MessageTypeSpeakingEnd   MessageType = "speaking_end"
	MessageTypeFlowEvent     MessageType = "flow_event"
	MessageTypeError         MessageType = "error"
	MessageTypePong          MessageType = "pong"
)

// BaseMessage defines the common structure for all WebSocket messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// SessionStartMessage asks the server to start a conversation session.
type SessionStartMessage struct {
	BaseMessage
	// Auto marks a session opened by the client's own speaking gate
	// rather than a deliberate user action.
	Auto bool `json:"auto,omitempty"`
}

// LandmarkFrameMessage carries one face landmark sample for the visual
// speech detector.
type LandmarkFrameMessage struct {
	BaseMessage
	Frame vision.Frame `json:"frame"`
}

// SetVoiceMessage changes the synthesis voice preference.
type SetVoiceMessage struct {
	BaseMessage
	Voice usecase.VoicePreference `json:"voice"`
}

// PingMessage represents a ping message for connection health check
type PingMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// StatusMessage reports a session lifecycle state change.
type StatusMessage struct {
	BaseMessage
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// TranscriptMessage carries a full transcript snapshot. The client
// renders the latest snapshot it has; snapshots are self-contained, so
// a dropped frame never corrupts the view.
type TranscriptMessage struct {
	BaseMessage
	Messages []entities.Message `json:"messages"`
}

// FlowEventMessage streams one diagnostic recorder event to a
// subscribed viewer.
type FlowEventMessage struct {
	BaseMessage
	Event flow.Event `json:"event"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	BaseMessage
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// PongMessage represents a pong response
type PongMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// DecodeClientMessage parses an inbound text frame into its typed form.
// Messages without a payload decode to *BaseMessage; callers switch on
// the concrete type, then on Type for the payload-free ones.
func DecodeClientMessage(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch base.Type {
	case MessageTypeSessionStart:
		var msg SessionStartMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid session_start message: %w", err)
		}
		return &msg, nil

	case MessageTypeSessionStop, MessageTypeSessionResume, MessageTypeSubscribeFlow:
		return &base, nil

	case MessageTypeLandmarkFrame:
		var msg LandmarkFrameMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid landmark_frame message: %w", err)
		}
		return &msg, nil

	case MessageTypeSetVoice:
		var msg SetVoiceMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid set_voice message: %w", err)
		}
		return &msg, nil

	case MessageTypePing:
		var msg PingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid ping message: %w", err)
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

func newBase(t MessageType) BaseMessage {
	return BaseMessage{
		Type:      t,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// NewStatusMessage creates a status message.
func NewStatusMessage(state, reason string) *StatusMessage {
	return &StatusMessage{
		BaseMessage: newBase(MessageTypeStatus),
		State:       state,
		Reason:      reason,
	}
}

// NewTranscriptMessage creates a transcript snapshot message.
func NewTranscriptMessage(messages []entities.Message) *TranscriptMessage {
	if messages == nil {
		messages = []entities.Message{}
	}
	return &TranscriptMessage{
		BaseMessage: newBase(MessageTypeTranscript),
		Messages:    messages,
	}
}

// NewSpeakingStartMessage marks the beginning of an audio answer.
func NewSpeakingStartMessage() *BaseMessage {
	b := newBase(MessageTypeSpeakingStart)
	return &b
}

// NewSpeakingEndMessage marks the end of an audio answer.
func NewSpeakingEndMessage() *BaseMessage {
	b := newBase(MessageTypeSpeakingEnd)
	return &b
}

// NewFlowEventMessage wraps a diagnostic event for a subscribed viewer.
func NewFlowEventMessage(event flow.Event) *FlowEventMessage {
	return &FlowEventMessage{
		BaseMessage: newBase(MessageTypeFlowEvent),
		Event:       event,
	}
}

// NewErrorMessage creates a standardized error message
func NewErrorMessage(message string, fatal bool) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: newBase(MessageTypeError),
		Message:     message,
		Fatal:       fatal,
	}
}

// NewPongMessage creates a pong response message
func NewPongMessage(data string) *PongMessage {
	return &PongMessage{
		BaseMessage: newBase(MessageTypePong),
		Data:        data,
	}
}
