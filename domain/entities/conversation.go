package entities

import (
	"time"
)

// MessageRole represents the role of a message sender
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// MessageStatus represents the lifecycle stage of a transcript message
type MessageStatus string

const (
	// MessageStatusSpeaking marks an in-progress user utterance that is
	// still being transcribed and may be rewritten in place.
	MessageStatusSpeaking MessageStatus = "speaking"
	// MessageStatusProcessing marks an assistant placeholder whose answer
	// is still being generated.
	MessageStatusProcessing MessageStatus = "processing"
	// MessageStatusFinal marks an immutable, completed message.
	MessageStatusFinal MessageStatus = "final"
)

// BackendUsage carries token accounting and latency reported by the AI backend
type BackendUsage struct {
	PromptTokens     int     `json:"prompt_tokens" bson:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens" bson:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens" bson:"total_tokens"`
	Latency          float64 `json:"latency" bson:"latency"`
}

// Message is a single entry in the conversation transcript
type Message struct {
	ID        string        `json:"id" bson:"id"`
	Role      MessageRole   `json:"role" bson:"role"`
	Text      string        `json:"text" bson:"text"`
	Timestamp time.Time     `json:"timestamp" bson:"timestamp"`
	IsFinal   bool          `json:"is_final" bson:"is_final"`
	Status    MessageStatus `json:"status,omitempty" bson:"status,omitempty"`
	Usage     *BackendUsage `json:"usage,omitempty" bson:"usage,omitempty"`
}

// Transcript is an immutable snapshot of the conversation. Every operation
// returns a new snapshot and leaves the receiver untouched, so a snapshot
// handed to a reader stays valid without locking. Two invariants hold:
// at most one non-final user message exists at a time, and an assistant
// placeholder moves from processing to final exactly once, by id.
type Transcript struct {
	messages []Message
}

// Messages returns a copy of the transcript entries in arrival order.
func (t Transcript) Messages() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of transcript entries.
func (t Transcript) Len() int {
	return len(t.messages)
}

// ByID returns the message with the given id, if present.
func (t Transcript) ByID(id string) (Message, bool) {
	for _, m := range t.messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// Ephemeral returns the single non-final user message, if one exists.
func (t Transcript) Ephemeral() (Message, bool) {
	for _, m := range t.messages {
		if m.Role == MessageRoleUser && !m.IsFinal {
			return m, true
		}
	}
	return Message{}, false
}

func (t Transcript) clone() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// UpsertEphemeralUser creates or rewrites the in-progress user utterance.
// If an ephemeral message already exists it is rewritten in place, adopting
// the given id, which keeps the single-ephemeral invariant even when the
// recognizer restarts mid-utterance.
func (t Transcript) UpsertEphemeralUser(id, text string, at time.Time) Transcript {
	msgs := t.clone()
	for i, m := range msgs {
		if m.Role == MessageRoleUser && !m.IsFinal {
			msgs[i].ID = id
			msgs[i].Text = text
			msgs[i].Status = MessageStatusSpeaking
			return Transcript{messages: msgs}
		}
	}
	msgs = append(msgs, Message{
		ID:        id,
		Role:      MessageRoleUser,
		Text:      text,
		Timestamp: at,
		IsFinal:   false,
		Status:    MessageStatusSpeaking,
	})
	return Transcript{messages: msgs}
}

// FinalizeUser freezes the ephemeral user message with its final text.
// If no ephemeral message exists a finalized one is appended, so a final
// recognizer result without a preceding interim still lands in history.
func (t Transcript) FinalizeUser(id, text string, at time.Time) Transcript {
	msgs := t.clone()
	for i, m := range msgs {
		if m.Role == MessageRoleUser && !m.IsFinal {
			msgs[i].ID = id
			msgs[i].Text = text
			msgs[i].IsFinal = true
			msgs[i].Status = MessageStatusFinal
			return Transcript{messages: msgs}
		}
	}
	msgs = append(msgs, Message{
		ID:        id,
		Role:      MessageRoleUser,
		Text:      text,
		Timestamp: at,
		IsFinal:   true,
		Status:    MessageStatusFinal,
	})
	return Transcript{messages: msgs}
}

// AppendAssistantPlaceholder opens a processing assistant message that the
// streaming backend grows chunk by chunk.
func (t Transcript) AppendAssistantPlaceholder(id string, at time.Time) Transcript {
	msgs := append(t.clone(), Message{
		ID:        id,
		Role:      MessageRoleAssistant,
		Timestamp: at,
		IsFinal:   false,
		Status:    MessageStatusProcessing,
	})
	return Transcript{messages: msgs}
}

// AppendAssistantText appends a chunk to a processing assistant message.
// Chunks applied in arrival order make the text a strict prefix-extending
// sequence. Final messages are never touched.
func (t Transcript) AppendAssistantText(id, fragment string) Transcript {
	msgs := t.clone()
	for i, m := range msgs {
		if m.ID == id && m.Role == MessageRoleAssistant && m.Status == MessageStatusProcessing {
			msgs[i].Text += fragment
			break
		}
	}
	return Transcript{messages: msgs}
}

// FinalizeAssistant completes the placeholder exactly once. When text is
// non-empty it replaces the accumulated chunks (the terminal backend event
// carries the authoritative cumulative answer). Calling it again for the
// same id is a no-op.
func (t Transcript) FinalizeAssistant(id, text string, usage *BackendUsage) Transcript {
	msgs := t.clone()
	for i, m := range msgs {
		if m.ID == id && m.Role == MessageRoleAssistant {
			if m.Status == MessageStatusFinal {
				return Transcript{messages: msgs}
			}
			if text != "" {
				msgs[i].Text = text
			}
			msgs[i].IsFinal = true
			msgs[i].Status = MessageStatusFinal
			msgs[i].Usage = usage
			break
		}
	}
	return Transcript{messages: msgs}
}
