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

// WatermarkRepository persists per-source fetch cursors.
type WatermarkRepository struct {
	q querier
}

// NewWatermarkRepository creates a watermark repository.
func NewWatermarkRepository(q querier) *WatermarkRepository {
	return &WatermarkRepository{q: q}
}

// Get returns the watermark of the given type, or nil when none exists.
func (r *WatermarkRepository) Get(ctx context.Context, sourceID, wmType string) (*domain.Watermark, error) {
	var wm domain.Watermark
	err := sqlx.GetContext(ctx, r.q, &wm,
		`SELECT id, source_id, type, value, updated_at FROM watermarks WHERE source_id = $1 AND type = $2`,
		sourceID, wmType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watermark: %w", err)
	}
	return &wm, nil
}

// Upsert writes value as the source's current cursor.
func (r *WatermarkRepository) Upsert(ctx context.Context, sourceID, wmType, value string) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO watermarks (id, source_id, type, value, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (source_id, type) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		uuid.NewString(), sourceID, wmType, value)
	if err != nil {
		return fmt.Errorf("upsert watermark: %w", err)
	}
	return nil
}

// DeleteByTopic removes every watermark of the topic's sources.
func (r *WatermarkRepository) DeleteByTopic(ctx context.Context, topicID string) (int64, error) {
	n, err := rowsAffected(r.q.ExecContext(ctx, `
		DELETE FROM watermarks w USING sources s
		WHERE w.source_id = s.id AND s.topic_id = $1`, topicID))
	if err != nil {
		return 0, fmt.Errorf("delete watermarks: %w", err)
	}
	return n, nil
}
