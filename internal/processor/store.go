package processor

import (
	"context"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/database"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
)

// DBStore adapts database.Store to Store.
type DBStore struct {
	*database.Store
}

// NewDBStore wraps s.
func NewDBStore(s *database.Store) *DBStore {
	return &DBStore{Store: s}
}

// UpsertTopic implements Store.
func (s *DBStore) UpsertTopic(ctx context.Context, cfg *domain.TopicConfig, lookbackDays int) (*domain.Topic, error) {
	return s.Topics.Upsert(ctx, cfg, lookbackDays)
}

// GetTopic implements Store.
func (s *DBStore) GetTopic(ctx context.Context, slug string) (*domain.Topic, error) {
	return s.Topics.GetBySlug(ctx, slug)
}

// UpsertSource implements Store.
func (s *DBStore) UpsertSource(ctx context.Context, topicID string, cfg domain.SourceConfig) (*domain.Source, error) {
	return s.Sources.Upsert(ctx, topicID, cfg)
}

// GetWatermark implements Store.
func (s *DBStore) GetWatermark(ctx context.Context, sourceID, wmType string) (*domain.Watermark, error) {
	return s.Watermarks.Get(ctx, sourceID, wmType)
}

// CreateRun implements Store.
func (s *DBStore) CreateRun(ctx context.Context, topicID string) (*domain.Run, error) {
	return s.Runs.Create(ctx, topicID)
}

// FinishRun implements Store.
func (s *DBStore) FinishRun(ctx context.Context, id string, status domain.Status, errText *string, metadata domain.JSONMap) error {
	return s.Runs.Finish(ctx, id, status, errText, metadata)
}
