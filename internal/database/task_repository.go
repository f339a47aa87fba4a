package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
)

const (
	taskColumns      = `id, type, topic_slug, status, requested_by, params, result, error, created_at, started_at, completed_at`
	defaultListLimit = 50
)

// ErrTaskTerminal is returned when updating a task that already finished.
var ErrTaskTerminal = errors.New("task already in a terminal state")

// TaskRepository persists the task ledger.
type TaskRepository struct {
	q querier
}

// NewTaskRepository creates a task repository.
func NewTaskRepository(q querier) *TaskRepository {
	return &TaskRepository{q: q}
}

// Create inserts a task.
func (r *TaskRepository) Create(ctx context.Context, task *domain.Task) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO tasks (id, type, topic_slug, status, requested_by, params, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		task.ID, string(task.Type), task.TopicSlug, string(task.Status), task.RequestedBy, task.Params, task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetByID returns a task or ErrNotFound.
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	var task domain.Task
	err := sqlx.GetContext(ctx, r.q, &task, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// MarkRunning moves a non-terminal task to running. started_at is kept from
// the first attempt when a job is retried.
func (r *TaskRepository) MarkRunning(ctx context.Context, id string) error {
	result, err := r.q.ExecContext(ctx, `
		UPDATE tasks SET status = $2, started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		id, string(domain.StatusRunning))
	if err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}
	return r.explainMiss(ctx, id, result)
}

// Finish sets a terminal status exactly once.
func (r *TaskRepository) Finish(ctx context.Context, id string, status domain.Status, result domain.JSONMap, errText *string) error {
	resultJSON, err := nullableJSON(result)
	if err != nil {
		return err
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE tasks SET status = $2, completed_at = NOW(), result = $3, error = $4
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		id, string(status), resultJSON, errText)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	return r.explainMiss(ctx, id, res)
}

// explainMiss distinguishes a missing task from a terminal one when an
// update touched no rows.
func (r *TaskRepository) explainMiss(ctx context.Context, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return getErr
	}
	return fmt.Errorf("task %s: %w", id, ErrTaskTerminal)
}

// TaskFilter narrows List.
type TaskFilter struct {
	TopicSlug string
	Status    domain.Status
	Type      domain.TaskType
	Limit     int
}

// List returns tasks newest first.
func (r *TaskRepository) List(ctx context.Context, f TaskFilter) ([]*domain.Task, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}

	qb := psql.Select(taskColumns).From("tasks").OrderBy("created_at DESC").Limit(uint64(f.Limit))
	if f.TopicSlug != "" {
		qb = qb.Where(sq.Eq{"topic_slug": f.TopicSlug})
	}
	if f.Status != "" {
		qb = qb.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Type != "" {
		qb = qb.Where(sq.Eq{"type": string(f.Type)})
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build task query: %w", err)
	}

	var tasks []*domain.Task
	if selectErr := sqlx.SelectContext(ctx, r.q, &tasks, query, args...); selectErr != nil {
		return nil, fmt.Errorf("list tasks: %w", selectErr)
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	return tasks, nil
}

// DeleteTerminalBefore removes completed or failed tasks created before cutoff.
func (r *TaskRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := rowsAffected(r.q.ExecContext(ctx, `
		DELETE FROM tasks WHERE created_at < $1 AND status IN ('completed', 'failed')`, cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old tasks: %w", err)
	}
	return n, nil
}

// Delete removes one task.
func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	result, err := r.q.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	return execRequireRows(result, err, fmt.Errorf("task %s: %w", id, ErrNotFound))
}

// CountByStatus returns the number of tasks per status.
func (r *TaskRepository) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.q.QueryxContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := map[domain.Status]int{
		domain.StatusPending:   0,
		domain.StatusRunning:   0,
		domain.StatusCompleted: 0,
		domain.StatusFailed:    0,
	}
	for rows.Next() {
		var status string
		var n int
		if scanErr := rows.Scan(&status, &n); scanErr != nil {
			return nil, fmt.Errorf("scan task count: %w", scanErr)
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}
