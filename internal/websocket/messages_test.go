package websocket

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/trolyvn/troly/server/domain/entities"
	"github.com/trolyvn/troly/server/internal/flow"
)

func TestDecodeClientMessage_SessionStart(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		wantAuto bool
	}{
		{
			name:    "manual start",
			message: `{"type": "session_start"}`,
		},
		{
			name:     "gate start",
			message:  `{"type": "session_start", "auto": true}`,
			wantAuto: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := DecodeClientMessage([]byte(tt.message))
			if err != nil {
				t.Fatalf("DecodeClientMessage() error = %v", err)
			}

			msg, ok := result.(*SessionStartMessage)
			if !ok {
				t.Fatalf("Expected *SessionStartMessage, got %T", result)
			}
			if msg.Auto != tt.wantAuto {
				t.Errorf("Auto = %v, want %v", msg.Auto, tt.wantAuto)
			}
		})
	}
}

func TestDecodeClientMessage_PayloadFreeTypes(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		wantType MessageType
	}{
		{
			name:     "session stop",
			message:  `{"type": "session_stop"}`,
			wantType: MessageTypeSessionStop,
		},
		{
			name:     "session resume",
			message:  `{"type": "session_resume"}`,
			wantType: MessageTypeSessionResume,
		},
		{
			name:     "subscribe flow",
			message:  `{"type": "subscribe_flow"}`,
			wantType: MessageTypeSubscribeFlow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := DecodeClientMessage([]byte(tt.message))
			if err != nil {
				t.Fatalf("DecodeClientMessage() error = %v", err)
			}

			msg, ok := result.(*BaseMessage)
			if !ok {
				t.Fatalf("Expected *BaseMessage, got %T", result)
			}
			if msg.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", msg.Type, tt.wantType)
			}
		})
	}
}

func TestDecodeClientMessage_LandmarkFrame(t *testing.T) {
	message := `{
		"type": "landmark_frame",
		"frame": {
			"upper_lip": {"x": 0.5, "y": 0.45},
			"lower_lip": {"x": 0.5, "y": 0.55},
			"mouth_left": {"x": 0.42, "y": 0.5},
			"mouth_right": {"x": 0.58, "y": 0.5},
			"left_eye_outer": {"x": 0.4, "y": 0.3},
			"right_eye_outer": {"x": 0.6, "y": 0.3}
		}
	}`

	result, err := DecodeClientMessage([]byte(message))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}

	msg, ok := result.(*LandmarkFrameMessage)
	if !ok {
		t.Fatalf("Expected *LandmarkFrameMessage, got %T", result)
	}
	if msg.Frame.UpperLip.Y != 0.45 {
		t.Errorf("UpperLip.Y = %v, want 0.45", msg.Frame.UpperLip.Y)
	}
	if msg.Frame.RightEyeOuter.X != 0.6 {
		t.Errorf("RightEyeOuter.X = %v, want 0.6", msg.Frame.RightEyeOuter.X)
	}
}

func TestDecodeClientMessage_SetVoice(t *testing.T) {
	message := `{
		"type": "set_voice",
		"voice": {
			"language": "vi-VN",
			"prefer_female": true
		}
	}`

	result, err := DecodeClientMessage([]byte(message))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}

	msg, ok := result.(*SetVoiceMessage)
	if !ok {
		t.Fatalf("Expected *SetVoiceMessage, got %T", result)
	}
	if msg.Voice.Language != "vi-VN" {
		t.Errorf("Language = %s, want vi-VN", msg.Voice.Language)
	}
	if !msg.Voice.PreferFemale {
		t.Error("PreferFemale = false, want true")
	}
}

func TestDecodeClientMessage_Ping(t *testing.T) {
	message := `{
		"type": "ping",
		"data": "test-ping"
	}`

	result, err := DecodeClientMessage([]byte(message))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}

	pingMsg, ok := result.(*PingMessage)
	if !ok {
		t.Fatalf("Expected *PingMessage, got %T", result)
	}
	if pingMsg.Data != "test-ping" {
		t.Errorf("Expected data 'test-ping', got '%s'", pingMsg.Data)
	}
}

func TestDecodeClientMessage_InvalidJSON(t *testing.T) {
	invalidMessages := []string{
		`{invalid json}`,
		`{"type": "session_start", "auto":}`,
		``,
		`{"type": }`,
	}

	for i, msg := range invalidMessages {
		t.Run(fmt.Sprintf("invalid_json_%d", i), func(t *testing.T) {
			_, err := DecodeClientMessage([]byte(msg))
			if err == nil {
				t.Errorf("Expected error for invalid JSON, got nil")
			}
		})
	}
}

func TestDecodeClientMessage_UnsupportedMessageType(t *testing.T) {
	message := `{
		"type": "unsupported_type",
		"data": "some data"
	}`

	_, err := DecodeClientMessage([]byte(message))
	if err == nil {
		t.Errorf("Expected error for unsupported message type, got nil")
	}
}

func TestNewErrorMessage(t *testing.T) {
	errorMsg := NewErrorMessage("microphone permission denied", true)

	if errorMsg.Type != MessageTypeError {
		t.Errorf("Expected type %s, got %s", MessageTypeError, errorMsg.Type)
	}
	if errorMsg.Message != "microphone permission denied" {
		t.Errorf("Unexpected message: %s", errorMsg.Message)
	}
	if !errorMsg.Fatal {
		t.Error("Fatal = false, want true")
	}

	// Verify timestamp is recent
	timestamp, err := time.Parse(time.RFC3339, errorMsg.Timestamp)
	if err != nil {
		t.Errorf("Invalid timestamp format: %v", err)
	}
	if time.Since(timestamp) > time.Second {
		t.Errorf("Timestamp is not recent: %s", errorMsg.Timestamp)
	}
}

func TestNewPongMessage(t *testing.T) {
	data := "test-pong-data"
	pongMsg := NewPongMessage(data)

	if pongMsg.Type != MessageTypePong {
		t.Errorf("Expected type %s, got %s", MessageTypePong, pongMsg.Type)
	}
	if pongMsg.Data != data {
		t.Errorf("Expected data %s, got %s", data, pongMsg.Data)
	}

	// Verify timestamp is recent
	timestamp, err := time.Parse(time.RFC3339, pongMsg.Timestamp)
	if err != nil {
		t.Errorf("Invalid timestamp format: %v", err)
	}
	if time.Since(timestamp) > time.Second {
		t.Errorf("Timestamp is not recent: %s", pongMsg.Timestamp)
	}
}

func TestNewTranscriptMessage_NilMessages(t *testing.T) {
	msg := NewTranscriptMessage(nil)

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Failed to marshal message: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}

	// An empty transcript must serialize as [] rather than null so the
	// client can always range over it.
	if _, ok := result["messages"].([]interface{}); !ok {
		t.Errorf("messages = %v, want empty array", result["messages"])
	}
}

func TestMessageSerialization(t *testing.T) {
	tests := []struct {
		name    string
		message interface{}
	}{
		{
			name:    "StatusMessage",
			message: NewStatusMessage("listening", ""),
		},
		{
			name: "TranscriptMessage",
			message: NewTranscriptMessage([]entities.Message{
				{ID: "m1", Role: entities.MessageRoleUser, Text: "Xin chào", IsFinal: true},
			}),
		},
		{
			name:    "SpeakingStartMessage",
			message: NewSpeakingStartMessage(),
		},
		{
			name:    "SpeakingEndMessage",
			message: NewSpeakingEndMessage(),
		},
		{
			name: "FlowEventMessage",
			message: NewFlowEventMessage(flow.Event{
				ID: 1, Scope: "session", Step: 1, Level: flow.LevelInfo, Label: "started",
			}),
		},
		{
			name:    "ErrorMessage",
			message: NewErrorMessage("test message", false),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.message)
			if err != nil {
				t.Errorf("Failed to marshal message: %v", err)
				return
			}

			var result map[string]interface{}
			if err := json.Unmarshal(data, &result); err != nil {
				t.Errorf("Failed to unmarshal message: %v", err)
				return
			}

			if _, exists := result["type"]; !exists {
				t.Errorf("Message missing 'type' field")
			}
			if _, exists := result["timestamp"]; !exists {
				t.Errorf("Message missing 'timestamp' field")
			}
		})
	}
}
