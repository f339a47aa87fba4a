package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
)

const topicColumns = `id, slug, name, enabled, lookback_days, assistant_id, config, created_at, updated_at`

// TopicRepository persists topics.
type TopicRepository struct {
	q querier
}

// NewTopicRepository creates a topic repository over db or a transaction.
func NewTopicRepository(q querier) *TopicRepository {
	return &TopicRepository{q: q}
}

// Upsert creates or refreshes the topic row for a configuration.
func (r *TopicRepository) Upsert(ctx context.Context, cfg *domain.TopicConfig, lookbackDays int) (*domain.Topic, error) {
	var assistant *string
	if cfg.AssistantID != "" {
		assistant = &cfg.AssistantID
	}

	raw := domain.JSONMap{
		"schedule": cfg.Schedule,
		"channels": cfg.Channels.Targets(),
	}

	query := `
		INSERT INTO topics (id, slug, name, enabled, lookback_days, assistant_id, config)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (slug) DO UPDATE
		SET name = EXCLUDED.name, enabled = EXCLUDED.enabled, lookback_days = EXCLUDED.lookback_days,
			assistant_id = EXCLUDED.assistant_id, config = EXCLUDED.config, updated_at = NOW()
		RETURNING ` + topicColumns

	var topic domain.Topic
	err := sqlx.GetContext(ctx, r.q, &topic, query,
		uuid.NewString(), cfg.Slug, cfg.Name, cfg.Enabled, lookbackDays, assistant, raw,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert topic %s: %w", cfg.Slug, err)
	}
	return &topic, nil
}

// GetBySlug returns the topic or ErrNotFound.
func (r *TopicRepository) GetBySlug(ctx context.Context, slug string) (*domain.Topic, error) {
	var topic domain.Topic
	err := sqlx.GetContext(ctx, r.q, &topic, `SELECT `+topicColumns+` FROM topics WHERE slug = $1`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("topic %s: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get topic %s: %w", slug, err)
	}
	return &topic, nil
}

const topicStatsQuery = `
	SELECT t.slug, t.name, t.enabled,
		(SELECT COUNT(*) FROM items i JOIN sources s ON s.id = i.source_id WHERE s.topic_id = t.id) AS items_count,
		(SELECT COUNT(*) FROM runs r WHERE r.topic_id = t.id) AS runs_count,
		lr.started_at AS last_run,
		lr.status AS last_run_status
	FROM topics t
	LEFT JOIN LATERAL (
		SELECT started_at, status FROM runs WHERE topic_id = t.id ORDER BY started_at DESC LIMIT 1
	) lr ON TRUE`

// Stats returns aggregate counters for one topic.
func (r *TopicRepository) Stats(ctx context.Context, slug string) (*domain.TopicStats, error) {
	var stats domain.TopicStats
	err := sqlx.GetContext(ctx, r.q, &stats, topicStatsQuery+` WHERE t.slug = $1`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("topic %s: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("topic stats %s: %w", slug, err)
	}
	return &stats, nil
}

// ListStats returns aggregate counters for every topic, ordered by slug.
func (r *TopicRepository) ListStats(ctx context.Context) ([]*domain.TopicStats, error) {
	var stats []*domain.TopicStats
	if err := sqlx.SelectContext(ctx, r.q, &stats, topicStatsQuery+` ORDER BY t.slug`); err != nil {
		return nil, fmt.Errorf("list topic stats: %w", err)
	}
	if stats == nil {
		stats = []*domain.TopicStats{}
	}
	return stats, nil
}
