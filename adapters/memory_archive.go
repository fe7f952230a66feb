package adapters

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/trolyvn/troly/server/domain/entities"
	"github.com/trolyvn/troly/server/domain/repositories"
)

const defaultListLimit = 20

// MemoryConversationArchive is an in-memory implementation of
// ConversationArchive, suitable for single-node deployments and demos
// where persistence across restarts is not required.
type MemoryConversationArchive struct {
	mu      sync.RWMutex
	records map[string]*entities.ConversationRecord // id -> record mapping
}

// Ensure MemoryConversationArchive implements the ConversationArchive interface
var _ repositories.ConversationArchive = (*MemoryConversationArchive)(nil)

// NewMemoryConversationArchive creates a new in-memory conversation archive
func NewMemoryConversationArchive() *MemoryConversationArchive {
	return &MemoryConversationArchive{
		records: make(map[string]*entities.ConversationRecord),
	}
}

// Save implements repositories.ConversationArchive
func (m *MemoryConversationArchive) Save(ctx context.Context, record *entities.ConversationRecord) error {
	if record == nil {
		return errors.New("record cannot be nil")
	}
	if err := record.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[record.ID]; exists {
		return errors.New("record with this ID already exists")
	}

	m.records[record.ID] = copyRecord(record)
	return nil
}

// GetByID implements repositories.ConversationArchive
func (m *MemoryConversationArchive) GetByID(ctx context.Context, id string) (*entities.ConversationRecord, error) {
	if id == "" {
		return nil, errors.New("record ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	record, exists := m.records[id]
	if !exists {
		return nil, nil // No record found, return nil without error
	}

	return copyRecord(record), nil
}

// ListByUser implements repositories.ConversationArchive
func (m *MemoryConversationArchive) ListByUser(ctx context.Context, userID string, limit int) ([]*entities.ConversationRecord, error) {
	if userID == "" {
		return nil, errors.New("user ID cannot be empty")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*entities.ConversationRecord
	for _, record := range m.records {
		if record.UserID == userID {
			result = append(result, copyRecord(record))
		}
	}

	// Most recent first
	sort.Slice(result, func(i, j int) bool {
		return result[i].EndedAt.After(result[j].EndedAt)
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// DeleteOlderThan implements repositories.ConversationArchive
func (m *MemoryConversationArchive) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, record := range m.records {
		if record.EndedAt.Before(cutoff) {
			delete(m.records, id)
			deleted++
		}
	}
	return deleted, nil
}

// copyRecord returns a deep copy so callers cannot modify stored state.
func copyRecord(r *entities.ConversationRecord) *entities.ConversationRecord {
	recordCopy := *r
	recordCopy.Messages = make([]entities.Message, len(r.Messages))
	copy(recordCopy.Messages, r.Messages)
	return &recordCopy
}
