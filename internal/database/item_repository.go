package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
)

// ItemRepository persists deduplicated items and their run links.
type ItemRepository struct {
	q querier
}

// NewItemRepository creates an item repository.
func NewItemRepository(q querier) *ItemRepository {
	return &ItemRepository{q: q}
}

// Upsert inserts an item keyed by (source_id, content_hash). An existing row
// only has its metadata merged. Returns the id of the stored row.
func (r *ItemRepository) Upsert(ctx context.Context, item *domain.Item) (string, error) {
	var id string
	err := sqlx.GetContext(ctx, r.q, &id, `
		INSERT INTO items (id, source_id, title, content, url, published_at, content_hash, sim_hash, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (source_id, content_hash) DO UPDATE
		SET metadata = items.metadata || EXCLUDED.metadata
		RETURNING id`,
		uuid.NewString(), item.SourceID, item.Title, item.Content, item.URL,
		item.PublishedAt, item.ContentHash, item.SimHash, item.Metadata,
	)
	if err != nil {
		return "", fmt.Errorf("upsert item: %w", err)
	}
	return id, nil
}

// LinkToRun records that a run produced an item. Repeated links are ignored.
func (r *ItemRepository) LinkToRun(ctx context.Context, runID, itemID string) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO run_items (run_id, item_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, runID, itemID)
	if err != nil {
		return fmt.Errorf("link item to run: %w", err)
	}
	return nil
}

// TitleExistsSince reports whether any item of the topic with exactly this
// title was created at or after since.
func (r *ItemRepository) TitleExistsSince(ctx context.Context, topicID, title string, since time.Time) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, r.q, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM items i JOIN sources s ON s.id = i.source_id
			WHERE s.topic_id = $1 AND i.title = $2 AND i.created_at >= $3
		)`, topicID, title, since)
	if err != nil {
		return false, fmt.Errorf("check title: %w", err)
	}
	return exists, nil
}

// DeleteCreatedBefore removes items older than cutoff.
func (r *ItemRepository) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := rowsAffected(r.q.ExecContext(ctx, `DELETE FROM items WHERE created_at < $1`, cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old items: %w", err)
	}
	return n, nil
}

// ListByRun returns the items linked to a run, newest first.
func (r *ItemRepository) ListByRun(ctx context.Context, runID string) ([]*domain.Item, error) {
	var items []*domain.Item
	err := sqlx.SelectContext(ctx, r.q, &items, `
		SELECT `+itemColumnsPrefixed+` FROM items i
		JOIN run_items ri ON ri.item_id = i.id
		WHERE ri.run_id = $1
		ORDER BY i.published_at DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run items: %w", err)
	}
	return items, nil
}

const itemColumnsPrefixed = `i.id, i.source_id, i.title, i.content, i.url, i.published_at, i.content_hash, i.sim_hash, i.metadata, i.created_at`
