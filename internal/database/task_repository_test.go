package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/database"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
)

var taskRowColumns = []string{
	"id", "type", "topic_slug", "status", "requested_by", "params", "result", "error",
	"created_at", "started_at", "completed_at",
}

func TestTaskRepository_FinishRejectsTerminal(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec("UPDATE tasks SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .+ FROM tasks WHERE id").
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows(taskRowColumns).AddRow(
			"task-1", "process", "t1", "completed", "api", []byte(`{}`), []byte(`{"ok":true}`), nil, now, now, now,
		))

	err := store.Tasks.Finish(context.Background(), "task-1", domain.StatusFailed, nil, nil)
	require.ErrorIs(t, err, database.ErrTaskTerminal)
	expectationsMet(t, mock)
}

func TestTaskRepository_FinishMissingTask(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE tasks SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .+ FROM tasks WHERE id").WillReturnRows(sqlmock.NewRows(taskRowColumns))

	err := store.Tasks.Finish(context.Background(), "nope", domain.StatusCompleted, domain.JSONMap{"a": 1}, nil)
	require.ErrorIs(t, err, database.ErrNotFound)
	expectationsMet(t, mock)
}

func TestTaskRepository_MarkRunning(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE tasks SET status = \\$2, started_at = COALESCE").
		WithArgs("task-1", "running").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Tasks.MarkRunning(context.Background(), "task-1"))
	expectationsMet(t, mock)
}

func TestTaskRepository_ListBuildsFilters(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM tasks WHERE topic_slug = \$1 AND status = \$2 ORDER BY created_at DESC LIMIT 50`).
		WithArgs("t1", "failed").
		WillReturnRows(sqlmock.NewRows(taskRowColumns).AddRow(
			"task-9", "revert", "t1", "failed", "scheduler", []byte(`{"period":"1d"}`), nil, "boom", now, nil, now,
		))

	tasks, err := store.Tasks.List(context.Background(), database.TaskFilter{TopicSlug: "t1", Status: domain.StatusFailed})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskTypeRevert, tasks[0].Type)
	require.NotNil(t, tasks[0].Error)
	assert.Equal(t, "boom", *tasks[0].Error)
	assert.Equal(t, "1d", tasks[0].Params["period"])
	expectationsMet(t, mock)
}

func TestTaskRepository_DeleteTerminalBefore(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	cutoff := time.Now().Add(-7 * 24 * time.Hour)

	mock.ExpectExec("DELETE FROM tasks WHERE created_at < \\$1 AND status IN").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := store.Tasks.DeleteTerminalBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	expectationsMet(t, mock)
}
