// Package task implements the task ledger: requested operations with a
// pending -> running -> completed|failed lifecycle.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/database"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

const defaultRetentionDays = 7

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")
	// ErrTerminal is returned when a finished task is updated again.
	ErrTerminal = errors.New("task already completed or failed")
	// ErrResultAndError is returned when a terminal update carries both.
	ErrResultAndError = errors.New("task update cannot carry both a result and an error")
	// ErrInvalidStatus is returned for transitions the ledger does not allow.
	ErrInvalidStatus = errors.New("invalid task status transition")
)

// Repository is the persistence the ledger needs.
type Repository interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	MarkRunning(ctx context.Context, id string) error
	Finish(ctx context.Context, id string, status domain.Status, result domain.JSONMap, errText *string) error
	List(ctx context.Context, f database.TaskFilter) ([]*domain.Task, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Delete(ctx context.Context, id string) error
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
}

// Filter narrows List.
type Filter = database.TaskFilter

// Ledger records tasks.
type Ledger struct {
	repo   Repository
	logger logger.Logger
	now    func() time.Time
}

// NewLedger creates a Ledger.
func NewLedger(repo Repository, log logger.Logger) *Ledger {
	return &Ledger{repo: repo, logger: log, now: time.Now}
}

// Create records a pending task. An empty topicSlug stores NULL.
func (l *Ledger) Create(
	ctx context.Context, kind domain.TaskType, topicSlug string, params domain.JSONMap, requestedBy string,
) (*domain.Task, error) {
	t := &domain.Task{
		ID:          uuid.NewString(),
		Type:        kind,
		Status:      domain.StatusPending,
		RequestedBy: requestedBy,
		Params:      params,
		CreatedAt:   l.now().UTC(),
	}
	if topicSlug != "" {
		t.TopicSlug = &topicSlug
	}
	if t.Params == nil {
		t.Params = domain.JSONMap{}
	}

	if err := l.repo.Create(ctx, t); err != nil {
		return nil, err
	}
	l.logger.Debug("Task created",
		logger.TaskID(t.ID),
		logger.String("type", string(kind)),
		logger.TopicSlug(topicSlug),
		logger.String("requested_by", requestedBy),
	)
	return t, nil
}

// SetStatus moves a task forward. running stamps started_at; a terminal
// status stamps completed_at with either result or errText.
func (l *Ledger) SetStatus(ctx context.Context, id string, status domain.Status, result domain.JSONMap, errText string) error {
	var err error
	switch {
	case status == domain.StatusRunning:
		err = l.repo.MarkRunning(ctx, id)
	case status.IsTerminal():
		if result != nil && errText != "" {
			return ErrResultAndError
		}
		var errPtr *string
		if errText != "" {
			errPtr = &errText
		}
		err = l.repo.Finish(ctx, id, status, result, errPtr)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	return translate(err)
}

// Track runs fn as task id. The task is marked running, then completed
// with fn's result or failed with its error. Ledger write failures are
// logged and never replace fn's outcome.
func (l *Ledger) Track(ctx context.Context, id string, fn func(ctx context.Context) (domain.JSONMap, error)) (domain.JSONMap, error) {
	if err := l.SetStatus(ctx, id, domain.StatusRunning, nil, ""); err != nil {
		l.logger.Warn("Failed to mark task running", logger.TaskID(id), logger.Error(err))
	}

	result, err := fn(ctx)
	if err != nil {
		if setErr := l.SetStatus(ctx, id, domain.StatusFailed, nil, err.Error()); setErr != nil {
			l.logger.Warn("Failed to mark task failed", logger.TaskID(id), logger.Error(setErr))
		}
		return nil, err
	}
	if setErr := l.SetStatus(ctx, id, domain.StatusCompleted, result, ""); setErr != nil {
		l.logger.Warn("Failed to mark task completed", logger.TaskID(id), logger.Error(setErr))
	}
	return result, nil
}

// Get returns one task.
func (l *Ledger) Get(ctx context.Context, id string) (*domain.Task, error) {
	t, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return t, nil
}

// List returns tasks newest first; Limit defaults to 50.
func (l *Ledger) List(ctx context.Context, f Filter) ([]*domain.Task, error) {
	return l.repo.List(ctx, f)
}

// DeleteOlderThan removes terminal tasks created more than days ago.
func (l *Ledger) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = defaultRetentionDays
	}
	n, err := l.repo.DeleteTerminalBefore(ctx, l.now().AddDate(0, 0, -days))
	if err != nil {
		return 0, err
	}
	l.logger.Info("Deleted old tasks", logger.Int64("deleted", n), logger.Int("retention_days", days))
	return n, nil
}

// Delete removes a task regardless of status.
func (l *Ledger) Delete(ctx context.Context, id string) error {
	return translate(l.repo.Delete(ctx, id))
}

// Stats returns task counts by status.
func (l *Ledger) Stats(ctx context.Context) (map[domain.Status]int, error) {
	return l.repo.CountByStatus(ctx)
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, database.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, database.ErrTaskTerminal):
		return fmt.Errorf("%w: %w", ErrTerminal, err)
	default:
		return err
	}
}
