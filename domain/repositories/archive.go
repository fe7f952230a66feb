package repositories

import (
	"context"
	"time"

	"github.com/trolyvn/troly/server/domain/entities"
)

// ConversationArchive defines data access methods for archived
// conversations.
type ConversationArchive interface {
	Save(ctx context.Context, record *entities.ConversationRecord) error
	// GetByID returns nil without an error when no record matches.
	GetByID(ctx context.Context, id string) (*entities.ConversationRecord, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*entities.ConversationRecord, error)
	// DeleteOlderThan removes records that ended before the cutoff and
	// returns how many were deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
