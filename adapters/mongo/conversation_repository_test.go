package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/trolyvn/troly/server/domain/entities"
)

func archivedMessages(userText, assistantText string) []entities.Message {
	return []entities.Message{
		{ID: "m1", Role: entities.MessageRoleUser, Text: userText, IsFinal: true, Timestamp: time.Now()},
		{ID: "m2", Role: entities.MessageRoleAssistant, Text: assistantText, IsFinal: true, Timestamp: time.Now()},
	}
}

// TestConversationRepository_Integration tests the MongoDB conversation
// archive. It requires a running MongoDB instance (skipped if
// MONGODB_URI is not set).
func TestConversationRepository_Integration(t *testing.T) {
	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		t.Skip("Skipping MongoDB integration test - MONGODB_URI not set")
	}

	ctx := context.Background()
	logger, _ := zap.NewDevelopment()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		t.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(ctx)

	testDB := client.Database("troly_test")
	defer func() {
		testDB.Drop(ctx)
	}()

	repo := NewConversationRepository(testDB, logger)

	t.Run("SaveAndGetByID", func(t *testing.T) {
		record := entities.NewConversationRecord(
			"test-user-001", "conv-1", "vi-VN",
			time.Now().Add(-time.Minute),
			archivedMessages("Xin chào", "Chào bạn!"),
		)

		if err := repo.Save(ctx, record); err != nil {
			t.Fatalf("Failed to save record: %v", err)
		}

		retrieved, err := repo.GetByID(ctx, record.ID)
		if err != nil {
			t.Fatalf("Failed to get record: %v", err)
		}
		if retrieved == nil {
			t.Fatal("Record not found after save")
		}

		if retrieved.UserID != "test-user-001" {
			t.Errorf("Expected user ID test-user-001, got %s", retrieved.UserID)
		}
		if retrieved.ConversationID != "conv-1" {
			t.Errorf("Expected conversation ID conv-1, got %s", retrieved.ConversationID)
		}
		if len(retrieved.Messages) != 2 {
			t.Errorf("Expected 2 messages, got %d", len(retrieved.Messages))
		}
	})

	t.Run("GetByID_NotFound", func(t *testing.T) {
		retrieved, err := repo.GetByID(ctx, "no-such-record")
		if err != nil {
			t.Fatalf("GetByID returned error for missing record: %v", err)
		}
		if retrieved != nil {
			t.Errorf("Expected nil for missing record, got %+v", retrieved)
		}
	})

	t.Run("ListByUser", func(t *testing.T) {
		userID := "test-user-002"
		for i := 0; i < 3; i++ {
			record := entities.NewConversationRecord(
				userID, "", "vi-VN",
				time.Now().Add(-time.Hour),
				archivedMessages("Câu hỏi", "Câu trả lời"),
			)
			record.EndedAt = time.Now().Add(-time.Duration(i) * time.Hour)
			if err := repo.Save(ctx, record); err != nil {
				t.Fatalf("Failed to save record %d: %v", i, err)
			}
		}

		records, err := repo.ListByUser(ctx, userID, 2)
		if err != nil {
			t.Fatalf("Failed to list records: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("Expected 2 records, got %d", len(records))
		}

		// Most recent first
		if records[0].EndedAt.Before(records[1].EndedAt) {
			t.Error("Records not sorted by ended_at descending")
		}
	})

	t.Run("DeleteOlderThan", func(t *testing.T) {
		record := entities.NewConversationRecord(
			"test-user-003", "", "vi-VN",
			time.Now().Add(-100*24*time.Hour),
			archivedMessages("Cũ", "Quá cũ"),
		)
		record.EndedAt = time.Now().Add(-99 * 24 * time.Hour)
		if err := repo.Save(ctx, record); err != nil {
			t.Fatalf("Failed to save old record: %v", err)
		}

		deleted, err := repo.DeleteOlderThan(ctx, time.Now().Add(-90*24*time.Hour))
		if err != nil {
			t.Fatalf("Failed to delete old records: %v", err)
		}
		if deleted < 1 {
			t.Errorf("Expected at least 1 deleted record, got %d", deleted)
		}

		retrieved, err := repo.GetByID(ctx, record.ID)
		if err != nil {
			t.Fatalf("GetByID after purge failed: %v", err)
		}
		if retrieved != nil {
			t.Error("Old record still present after purge")
		}
	})

	t.Run("Save_InvalidRecord", func(t *testing.T) {
		record := &entities.ConversationRecord{
			ID:        "invalid-record",
			StartedAt: time.Now(),
			Messages:  archivedMessages("a", "b"),
		}

		if err := repo.Save(ctx, record); err == nil {
			t.Error("Expected validation error for record without user ID")
		}
	})
}
