package entities

import (
	"testing"
	"time"
)

func TestUpsertEphemeralUser(t *testing.T) {
	now := time.Now()

	var tr Transcript
	tr = tr.UpsertEphemeralUser("u1", "xin", now)

	if tr.Len() != 1 {
		t.Fatalf("Expected 1 message, got %d", tr.Len())
	}

	msg, ok := tr.Ephemeral()
	if !ok {
		t.Fatal("Expected an ephemeral user message")
	}
	if msg.Text != "xin" {
		t.Errorf("Expected text 'xin', got '%s'", msg.Text)
	}
	if msg.Status != MessageStatusSpeaking {
		t.Errorf("Expected status %s, got %s", MessageStatusSpeaking, msg.Status)
	}
	if msg.IsFinal {
		t.Error("Ephemeral message should not be final")
	}

	// A second upsert rewrites in place instead of appending.
	tr = tr.UpsertEphemeralUser("u1", "xin chào", now)
	if tr.Len() != 1 {
		t.Errorf("Expected 1 message after rewrite, got %d", tr.Len())
	}
	msg, _ = tr.Ephemeral()
	if msg.Text != "xin chào" {
		t.Errorf("Expected rewritten text 'xin chào', got '%s'", msg.Text)
	}
}

func TestSingleEphemeralInvariant(t *testing.T) {
	now := time.Now()

	var tr Transcript
	tr = tr.UpsertEphemeralUser("u1", "first", now)
	tr = tr.UpsertEphemeralUser("u2", "second", now)

	count := 0
	for _, m := range tr.Messages() {
		if m.Role == MessageRoleUser && !m.IsFinal {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Expected exactly 1 ephemeral user message, got %d", count)
	}

	msg, _ := tr.Ephemeral()
	if msg.ID != "u2" {
		t.Errorf("Expected ephemeral message to adopt id 'u2', got '%s'", msg.ID)
	}
}

func TestFinalizeUser(t *testing.T) {
	now := time.Now()

	var tr Transcript
	tr = tr.UpsertEphemeralUser("u1", "xin", now)
	tr = tr.FinalizeUser("u1", "xin chào", now)

	msg, ok := tr.ByID("u1")
	if !ok {
		t.Fatal("Expected message u1 to exist")
	}
	if !msg.IsFinal {
		t.Error("Finalized user message should be final")
	}
	if msg.Status != MessageStatusFinal {
		t.Errorf("Expected status %s, got %s", MessageStatusFinal, msg.Status)
	}
	if msg.Text != "xin chào" {
		t.Errorf("Expected text 'xin chào', got '%s'", msg.Text)
	}
	if _, ok := tr.Ephemeral(); ok {
		t.Error("No ephemeral message should remain after finalize")
	}
}

func TestFinalizeUserWithoutInterim(t *testing.T) {
	var tr Transcript
	tr = tr.FinalizeUser("u1", "xin chào", time.Now())

	if tr.Len() != 1 {
		t.Fatalf("Expected 1 message, got %d", tr.Len())
	}
	msg, _ := tr.ByID("u1")
	if !msg.IsFinal {
		t.Error("Message should be final")
	}
}

func TestAssistantChunkGrowth(t *testing.T) {
	now := time.Now()

	var tr Transcript
	tr = tr.AppendAssistantPlaceholder("a1", now)

	msg, ok := tr.ByID("a1")
	if !ok {
		t.Fatal("Expected placeholder a1 to exist")
	}
	if msg.Status != MessageStatusProcessing {
		t.Errorf("Expected status %s, got %s", MessageStatusProcessing, msg.Status)
	}

	// Chunks applied in order produce a prefix-extending text sequence.
	chunks := []string{"Chào", " bạn!"}
	want := ""
	for _, c := range chunks {
		tr = tr.AppendAssistantText("a1", c)
		want += c
		msg, _ = tr.ByID("a1")
		if msg.Text != want {
			t.Errorf("Expected text '%s', got '%s'", want, msg.Text)
		}
	}
}

func TestFinalizeAssistantExactlyOnce(t *testing.T) {
	now := time.Now()
	usage := &BackendUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, Latency: 0.42}

	var tr Transcript
	tr = tr.AppendAssistantPlaceholder("a1", now)
	tr = tr.AppendAssistantText("a1", "Chào")
	tr = tr.FinalizeAssistant("a1", "Chào bạn!", usage)

	msg, _ := tr.ByID("a1")
	if msg.Status != MessageStatusFinal {
		t.Errorf("Expected status %s, got %s", MessageStatusFinal, msg.Status)
	}
	if msg.Text != "Chào bạn!" {
		t.Errorf("Expected cumulative text to win, got '%s'", msg.Text)
	}
	if msg.Usage == nil || msg.Usage.TotalTokens != 15 {
		t.Error("Expected usage metadata on finalized message")
	}

	// A second finalize must not change anything.
	tr = tr.FinalizeAssistant("a1", "overwritten", nil)
	msg, _ = tr.ByID("a1")
	if msg.Text != "Chào bạn!" {
		t.Errorf("Second finalize should be a no-op, got '%s'", msg.Text)
	}
	if msg.Usage == nil {
		t.Error("Second finalize should not clear usage")
	}

	// Chunks after finalize are ignored.
	tr = tr.AppendAssistantText("a1", " thêm")
	msg, _ = tr.ByID("a1")
	if msg.Text != "Chào bạn!" {
		t.Errorf("Chunk after finalize should be ignored, got '%s'", msg.Text)
	}
}

func TestFinalizeAssistantKeepsAccumulatedText(t *testing.T) {
	now := time.Now()

	var tr Transcript
	tr = tr.AppendAssistantPlaceholder("a1", now)
	tr = tr.AppendAssistantText("a1", "Chào bạn!")
	tr = tr.FinalizeAssistant("a1", "", nil)

	msg, _ := tr.ByID("a1")
	if msg.Text != "Chào bạn!" {
		t.Errorf("Empty cumulative text should keep chunks, got '%s'", msg.Text)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	now := time.Now()

	var tr Transcript
	tr = tr.FinalizeUser("u1", "xin chào", now)

	before := tr.Messages()
	_ = tr.AppendAssistantPlaceholder("a1", now)

	if len(before) != 1 {
		t.Errorf("Existing snapshot changed size: %d", len(before))
	}
	if tr.Len() != 1 {
		t.Errorf("Receiver transcript mutated, len %d", tr.Len())
	}

	// Mutating a returned slice must not leak into the transcript.
	snapshot := tr.Messages()
	snapshot[0].Text = "tampered"
	msg, _ := tr.ByID("u1")
	if msg.Text != "xin chào" {
		t.Errorf("Snapshot mutation leaked into transcript: '%s'", msg.Text)
	}
}
