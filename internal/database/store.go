package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
)

// Store bundles the repositories and the multi-statement operations that
// must commit atomically.
type Store struct {
	db *sqlx.DB

	Topics     *TopicRepository
	Sources    *SourceRepository
	Watermarks *WatermarkRepository
	Items      *ItemRepository
	Runs       *RunRepository
	Tasks      *TaskRepository
}

// NewStore creates a Store over db.
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:         db,
		Topics:     NewTopicRepository(db),
		Sources:    NewSourceRepository(db),
		Watermarks: NewWatermarkRepository(db),
		Items:      NewItemRepository(db),
		Runs:       NewRunRepository(db),
		Tasks:      NewTaskRepository(db),
	}
}

// DB exposes the underlying pool for health checks and locking.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// SourceBatch is everything persisted for one source in one run.
type SourceBatch struct {
	RunID         string
	SourceID      string
	Items         []*domain.Item
	WatermarkType string
	NextWatermark string
}

// PersistSourceBatch upserts a source's accepted items, links them to the
// run and advances the watermark in one transaction, so the watermark never
// runs ahead of the items actually stored.
func (s *Store) PersistSourceBatch(ctx context.Context, batch SourceBatch) (int, error) {
	stored := 0
	err := inTx(ctx, s.db, func(tx *sqlx.Tx) error {
		items := NewItemRepository(tx)
		for _, item := range batch.Items {
			id, err := items.Upsert(ctx, item)
			if err != nil {
				return err
			}
			item.ID = id
			if err = items.LinkToRun(ctx, batch.RunID, id); err != nil {
				return err
			}
			stored++
		}

		if batch.NextWatermark == "" {
			return nil
		}
		wmType := batch.WatermarkType
		if wmType == "" {
			wmType = domain.WatermarkTypeTimestamp
		}
		return NewWatermarkRepository(tx).Upsert(ctx, batch.SourceID, wmType, batch.NextWatermark)
	})
	if err != nil {
		return 0, fmt.Errorf("persist source %s: %w", batch.SourceID, err)
	}
	return stored, nil
}

// RevertCounts reports what RevertSince removed.
type RevertCounts struct {
	RunsDeleted       int64 `json:"deleted"`
	ItemsDeleted      int64 `json:"itemsDeleted"`
	WatermarksDeleted int64 `json:"watermarksDeleted"`
}

// RevertSince deletes the topic's runs created at or after cutoff, the items
// created in that window that no remaining run references, and every
// watermark of the topic. When no run matches nothing is touched.
func (s *Store) RevertSince(ctx context.Context, topicID string, cutoff time.Time) (*RevertCounts, error) {
	counts := &RevertCounts{}
	err := inTx(ctx, s.db, func(tx *sqlx.Tx) error {
		runs := NewRunRepository(tx)
		ids, err := runs.IDsCreatedSince(ctx, topicID, cutoff)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if counts.RunsDeleted, err = runs.DeleteByIDs(ctx, ids); err != nil {
			return err
		}

		counts.ItemsDeleted, err = rowsAffected(tx.ExecContext(ctx, `
			DELETE FROM items i USING sources s
			WHERE i.source_id = s.id AND s.topic_id = $1 AND i.created_at >= $2
			AND NOT EXISTS (SELECT 1 FROM run_items ri WHERE ri.item_id = i.id)`, topicID, cutoff))
		if err != nil {
			return fmt.Errorf("delete orphaned items: %w", err)
		}

		counts.WatermarksDeleted, err = NewWatermarkRepository(tx).DeleteByTopic(ctx, topicID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("revert topic: %w", err)
	}
	return counts, nil
}

// CleanCounts reports what CleanTopic removed.
type CleanCounts struct {
	RunItems   int64 `json:"runItems"`
	Runs       int64 `json:"runs"`
	Items      int64 `json:"items"`
	Watermarks int64 `json:"watermarks"`
	Sources    int64 `json:"sources"`
	Topic      int64 `json:"topic"`
}

// CleanTopic removes every row belonging to the topic, then the topic.
func (s *Store) CleanTopic(ctx context.Context, topicID string) (*CleanCounts, error) {
	counts := &CleanCounts{}
	steps := []struct {
		dest  *int64
		query string
	}{
		{&counts.RunItems, `DELETE FROM run_items ri USING runs r WHERE ri.run_id = r.id AND r.topic_id = $1`},
		{&counts.Runs, `DELETE FROM runs WHERE topic_id = $1`},
		{&counts.Items, `DELETE FROM items i USING sources s WHERE i.source_id = s.id AND s.topic_id = $1`},
		{&counts.Watermarks, `DELETE FROM watermarks w USING sources s WHERE w.source_id = s.id AND s.topic_id = $1`},
		{&counts.Sources, `DELETE FROM sources WHERE topic_id = $1`},
		{&counts.Topic, `DELETE FROM topics WHERE id = $1`},
	}

	err := inTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, step := range steps {
			n, err := rowsAffected(tx.ExecContext(ctx, step.query, topicID))
			if err != nil {
				return err
			}
			*step.dest = n
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("clean topic: %w", err)
	}
	return counts, nil
}
