package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
)

const sourceColumns = `id, topic_id, name, type, url, enabled, meta, created_at, updated_at`

// SourceRepository persists sources.
type SourceRepository struct {
	q querier
}

// NewSourceRepository creates a source repository.
func NewSourceRepository(q querier) *SourceRepository {
	return &SourceRepository{q: q}
}

// Upsert creates or updates a source keyed by (topic_id, name).
func (r *SourceRepository) Upsert(ctx context.Context, topicID string, cfg domain.SourceConfig) (*domain.Source, error) {
	query := `
		INSERT INTO sources (id, topic_id, name, type, url, enabled, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (topic_id, name) DO UPDATE
		SET type = EXCLUDED.type, url = EXCLUDED.url, enabled = EXCLUDED.enabled,
			meta = EXCLUDED.meta, updated_at = NOW()
		RETURNING ` + sourceColumns

	var src domain.Source
	err := sqlx.GetContext(ctx, r.q, &src, query,
		uuid.NewString(), topicID, cfg.Name, string(cfg.Kind), cfg.URL, cfg.Enabled, domain.JSONMap(cfg.Meta),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert source %s: %w", cfg.Name, err)
	}
	return &src, nil
}

// ListByTopic returns the sources of a topic ordered by name.
func (r *SourceRepository) ListByTopic(ctx context.Context, topicID string) ([]*domain.Source, error) {
	var sources []*domain.Source
	err := sqlx.SelectContext(ctx, r.q, &sources,
		`SELECT `+sourceColumns+` FROM sources WHERE topic_id = $1 ORDER BY name`, topicID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return sources, nil
}
