package events

import (
	"context"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

// StatsStore reads topic aggregates.
type StatsStore interface {
	Stats(ctx context.Context, slug string) (*domain.TopicStats, error)
	ListStats(ctx context.Context) ([]*domain.TopicStats, error)
}

// StatsReporter broadcasts topic-stats events.
type StatsReporter struct {
	store       StatsStore
	broadcaster Broadcaster
	logger      logger.Logger
}

// NewStatsReporter creates a StatsReporter.
func NewStatsReporter(store StatsStore, b Broadcaster, log logger.Logger) *StatsReporter {
	return &StatsReporter{store: store, broadcaster: b, logger: log}
}

// TopicStats broadcasts the aggregate for slug, or for every topic when
// slug is empty. Lookup failures are logged only.
func (r *StatsReporter) TopicStats(ctx context.Context, slug string) {
	var topics []*domain.TopicStats
	if slug == "" {
		all, err := r.store.ListStats(ctx)
		if err != nil {
			r.logger.Warn("Failed to load topic stats", logger.Error(err))
			return
		}
		topics = all
	} else {
		one, err := r.store.Stats(ctx, slug)
		if err != nil {
			r.logger.Warn("Failed to load topic stats", logger.TopicSlug(slug), logger.Error(err))
			return
		}
		topics = []*domain.TopicStats{one}
	}
	r.broadcaster.Broadcast(ctx, TypeTopicStats, TopicStatsPayload{Topics: topics})
}
