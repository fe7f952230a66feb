package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/trolyvn/troly/server/domain/repositories"
	"github.com/trolyvn/troly/server/internal/flow"
)

const (
	// DefaultRetentionMaxAge is how long archived conversations are kept.
	DefaultRetentionMaxAge = 90 * 24 * time.Hour

	// retentionInterval is how often the purge runs.
	retentionInterval = 12 * time.Hour

	// retentionInitialDelay defers the first purge past startup.
	retentionInitialDelay = 1 * time.Minute
)

// ArchiveRetention purges archived conversations older than a maximum
// age in the background.
type ArchiveRetention struct {
	archive  repositories.ConversationArchive
	recorder *flow.Recorder
	logger   *zap.Logger
	maxAge   time.Duration
	stopChan chan struct{}
}

// NewArchiveRetention creates a retention service. maxAge of zero or
// less falls back to DefaultRetentionMaxAge.
func NewArchiveRetention(archive repositories.ConversationArchive, recorder *flow.Recorder, logger *zap.Logger, maxAge time.Duration) *ArchiveRetention {
	if maxAge <= 0 {
		maxAge = DefaultRetentionMaxAge
	}
	return &ArchiveRetention{
		archive:  archive,
		recorder: recorder,
		logger:   logger,
		maxAge:   maxAge,
		stopChan: make(chan struct{}),
	}
}

// Start begins the background purge process
func (s *ArchiveRetention) Start() {
	go s.purgeLoop()
	s.logger.Info("Archive retention service started",
		zap.Duration("max_age", s.maxAge))
}

// Stop gracefully stops the retention service
func (s *ArchiveRetention) Stop() {
	close(s.stopChan)
	s.logger.Info("Archive retention service stopped")
}

// purgeLoop runs the purge process periodically
func (s *ArchiveRetention) purgeLoop() {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	// Run initial purge shortly after startup
	initialTimer := time.NewTimer(retentionInitialDelay)
	defer initialTimer.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-initialTimer.C:
			s.runPurge()
			// Initial timer only runs once
		case <-ticker.C:
			s.runPurge()
		}
	}
}

// runPurge deletes conversations that ended before the retention window
func (s *ArchiveRetention) runPurge() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.maxAge)

	deleted, err := s.archive.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to purge archived conversations", zap.Error(err))
		s.recorder.Error("retention", "purge_failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	s.logger.Info("Archive purge completed",
		zap.Int64("deleted", deleted),
		zap.Time("cutoff", cutoff))
	s.recorder.Record("retention", "purged", map[string]interface{}{
		"deleted": deleted,
	})
}
