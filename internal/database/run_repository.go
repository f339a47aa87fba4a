package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
)

const runColumns = `id, topic_id, status, started_at, completed_at, error, metadata, created_at`

// ErrRunFinished is returned when finishing a run that is no longer running.
var ErrRunFinished = errors.New("run already finished")

// RunRepository persists pipeline runs.
type RunRepository struct {
	q querier
}

// NewRunRepository creates a run repository.
func NewRunRepository(q querier) *RunRepository {
	return &RunRepository{q: q}
}

// Create inserts a run in the running state.
func (r *RunRepository) Create(ctx context.Context, topicID string) (*domain.Run, error) {
	var run domain.Run
	err := sqlx.GetContext(ctx, r.q, &run, `
		INSERT INTO runs (id, topic_id, status, started_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING `+runColumns,
		uuid.NewString(), topicID, string(domain.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return &run, nil
}

// Finish moves a running run to a terminal status. Terminal runs are immutable.
func (r *RunRepository) Finish(ctx context.Context, id string, status domain.Status, errText *string, metadata domain.JSONMap) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish run: %s is not terminal", status)
	}
	result, err := r.q.ExecContext(ctx, `
		UPDATE runs SET status = $2, completed_at = NOW(), error = $3, metadata = $4
		WHERE id = $1 AND status = $5`,
		id, string(status), errText, metadata, string(domain.StatusRunning))
	return execRequireRows(result, err, fmt.Errorf("run %s: %w", id, ErrRunFinished))
}

// Get returns a run or ErrNotFound.
func (r *RunRepository) Get(ctx context.Context, id string) (*domain.Run, error) {
	var run domain.Run
	err := sqlx.GetContext(ctx, r.q, &run, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

// RunFilter narrows List.
type RunFilter struct {
	TopicSlug string
	Status    domain.Status
	Limit     int
}

// List returns runs newest first.
func (r *RunRepository) List(ctx context.Context, f RunFilter) ([]*domain.Run, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}

	qb := psql.Select("r.id", "r.topic_id", "r.status", "r.started_at", "r.completed_at", "r.error", "r.metadata", "r.created_at").
		From("runs r").
		OrderBy("r.created_at DESC").
		Limit(uint64(f.Limit))
	if f.TopicSlug != "" {
		qb = qb.Join("topics t ON t.id = r.topic_id").Where("t.slug = ?", f.TopicSlug)
	}
	if f.Status != "" {
		qb = qb.Where("r.status = ?", string(f.Status))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build run query: %w", err)
	}

	var runs []*domain.Run
	if selectErr := sqlx.SelectContext(ctx, r.q, &runs, query, args...); selectErr != nil {
		return nil, fmt.Errorf("list runs: %w", selectErr)
	}
	if runs == nil {
		runs = []*domain.Run{}
	}
	return runs, nil
}

// IDsCreatedSince returns the ids of a topic's runs created at or after cutoff.
func (r *RunRepository) IDsCreatedSince(ctx context.Context, topicID string, cutoff time.Time) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, r.q, &ids,
		`SELECT id FROM runs WHERE topic_id = $1 AND created_at >= $2`, topicID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("select runs since: %w", err)
	}
	return ids, nil
}

// DeleteByIDs removes runs and their item links.
func (r *RunRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM run_items WHERE run_id = ANY($1)`, pq.Array(ids)); err != nil {
		return 0, fmt.Errorf("delete run items: %w", err)
	}
	n, err := rowsAffected(r.q.ExecContext(ctx, `DELETE FROM runs WHERE id = ANY($1)`, pq.Array(ids)))
	if err != nil {
		return 0, fmt.Errorf("delete runs: %w", err)
	}
	return n, nil
}
