package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/trolyvn/troly/server/domain/entities"
	"github.com/trolyvn/troly/server/domain/repositories"
)

const defaultListLimit = 20

// ConversationRepository implements ConversationArchive using MongoDB
type ConversationRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewConversationRepository creates a new MongoDB conversation archive
func NewConversationRepository(db *mongo.Database, logger *zap.Logger) repositories.ConversationArchive {
	collection := db.Collection("conversations")

	// Create indexes for better performance
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Index on user_id and ended_at for listing
		userEndedIndex := mongo.IndexModel{
			Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "ended_at", Value: -1},
			},
		}

		// Index on ended_at for retention purges
		endedIndex := mongo.IndexModel{
			Keys: bson.D{{Key: "ended_at", Value: 1}},
		}

		_, err := collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
			userEndedIndex,
			endedIndex,
		})
		if err != nil {
			logger.Error("Failed to create conversation indexes", zap.Error(err))
		} else {
			logger.Info("Conversation indexes created successfully")
		}
	}()

	return &ConversationRepository{
		collection: collection,
		logger:     logger,
	}
}

// Save implements repositories.ConversationArchive
func (r *ConversationRepository) Save(ctx context.Context, record *entities.ConversationRecord) error {
	if record == nil {
		return errors.New("record cannot be nil")
	}
	if err := record.Validate(); err != nil {
		return err
	}

	_, err := r.collection.InsertOne(ctx, record)
	if err != nil {
		r.logger.Error("Failed to save conversation",
			zap.Error(err),
			zap.String("user_id", record.UserID))
		return fmt.Errorf("failed to save conversation: %w", err)
	}

	r.logger.Info("Conversation archived",
		zap.String("record_id", record.ID),
		zap.String("user_id", record.UserID),
		zap.Int("messages", len(record.Messages)))

	return nil
}

// GetByID implements repositories.ConversationArchive
func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*entities.ConversationRecord, error) {
	if id == "" {
		return nil, errors.New("record ID cannot be empty")
	}

	var record entities.ConversationRecord
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil // No record found, return nil without error
		}
		r.logger.Error("Failed to get conversation",
			zap.Error(err),
			zap.String("record_id", id))
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}

	return &record, nil
}

// ListByUser implements repositories.ConversationArchive
func (r *ConversationRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*entities.ConversationRecord, error) {
	if userID == "" {
		return nil, errors.New("user ID cannot be empty")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	filter := bson.M{"user_id": userID}
	opts := options.Find().
		SetSort(bson.D{{Key: "ended_at", Value: -1}}). // Most recent first
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		r.logger.Error("Failed to list conversations",
			zap.Error(err),
			zap.String("user_id", userID))
		return nil, fmt.Errorf("failed to list conversations for user %s: %w", userID, err)
	}
	defer cursor.Close(ctx)

	var records []*entities.ConversationRecord
	for cursor.Next(ctx) {
		var record entities.ConversationRecord
		if err := cursor.Decode(&record); err != nil {
			r.logger.Error("Failed to decode conversation record", zap.Error(err))
			continue
		}
		records = append(records, &record)
	}

	if err := cursor.Err(); err != nil {
		r.logger.Error("Cursor error", zap.Error(err))
		return nil, err
	}

	return records, nil
}

// DeleteOlderThan implements repositories.ConversationArchive
func (r *ConversationRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	filter := bson.M{"ended_at": bson.M{"$lt": cutoff}}

	result, err := r.collection.DeleteMany(ctx, filter)
	if err != nil {
		r.logger.Error("Failed to delete old conversations", zap.Error(err))
		return 0, fmt.Errorf("failed to delete old conversations: %w", err)
	}

	if result.DeletedCount > 0 {
		r.logger.Info("Old conversations deleted",
			zap.Int64("count", result.DeletedCount),
			zap.Time("cutoff", cutoff))
	}

	return result.DeletedCount, nil
}
