package api_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/api"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/processor"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/topics"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/worker"
)

func TestCreateTopic(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)

	rec, body := e.do(t, http.MethodPost, "/api/v1/topics", `{"name":"Rust","slug":"rust","sources":[]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "rust", body["slug"])
	assert.Equal(t, "Topic 'Rust' created successfully", body["message"])
	assert.Equal(t, []string{"rust"}, e.admin.created)

	tests := map[string]struct {
		body string
		want int
	}{
		"existing slug":  {`{"name":"News","slug":"news","sources":[]}`, http.StatusConflict},
		"invalid config": {`{"name":"Bad","slug":"Bad Slug","sources":[]}`, http.StatusBadRequest},
		"empty body":     {"", http.StatusBadRequest},
	}
	for name, tt := range tests {
		rec, _ = e.do(t, http.MethodPost, "/api/v1/topics", tt.body)
		assert.Equal(t, tt.want, rec.Code, name)
	}
}

func TestCreateTopic_ReadOnlyRegistry(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	e.admin.err = topics.ErrReadOnly

	rec, _ := e.do(t, http.MethodPost, "/api/v1/topics", `{"name":"Rust","slug":"rust","sources":[]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateTopic_EditingUnavailable(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(d *api.Deps) { d.Admin = nil })

	rec, _ := e.do(t, http.MethodPost, "/api/v1/topics", `{"name":"Rust","slug":"rust","sources":[]}`)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	rec, _ = e.do(t, http.MethodDelete, "/api/v1/topics/news", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestUpdateTopic(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)

	rec, body := e.do(t, http.MethodPut, "/api/v1/topics/news", `{"name":"World News","slug":"news","sources":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Topic 'World News' updated successfully", body["message"])

	rec, _ = e.do(t, http.MethodPut, "/api/v1/topics/news", `{"name":"World News","slug":"world","sources":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "slug cannot change")

	rec, _ = e.do(t, http.MethodPut, "/api/v1/topics/missing", `{"name":"M","slug":"missing","sources":[]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteTopic(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)

	rec, body := e.do(t, http.MethodDelete, "/api/v1/topics/news", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "task-1", body["task_id"])
	deleted := body["deleted"].(map[string]any)
	assert.InDelta(t, 3, deleted["runs"], 0)
	assert.Equal(t, []string{"news"}, e.admin.deleted)
	assert.Equal(t, domain.TaskTypeClean, e.tasks.created[0].Type)
	assert.Equal(t, domain.StatusCompleted, e.tasks.status["task-1"])

	rec, _ = e.do(t, http.MethodDelete, "/api/v1/topics/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, e.tasks.created, 1, "unknown topics create no task")
}

func TestDeleteTopic_FailureMarksTask(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	e.admin.err = errors.New("disk full")

	rec, _ := e.do(t, http.MethodDelete, "/api/v1/topics/news", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, domain.StatusFailed, e.tasks.status["task-1"])
	assert.Equal(t, "disk full", e.tasks.errs["task-1"])
}

func TestGetTopic_ReportsProcessingLock(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(d *api.Deps) {
		d.Locks = fakeLocks{held: map[string]bool{processor.ProcessLockName("news"): true}}
	})

	_, body := e.do(t, http.MethodGet, "/api/v1/topics/news", "")
	assert.Equal(t, true, body["processing"])

	_, body = e.do(t, http.MethodGet, "/api/v1/topics/paused", "")
	assert.NotContains(t, body, "processing")
}

func TestListLocks(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(d *api.Deps) {
		d.Locks = fakeLocks{held: map[string]bool{"process-topic-news": true}}
	})

	rec, body := e.do(t, http.MethodGet, "/api/v1/locks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1, body["total"], 0)

	e = newEnv(t, nil)
	rec, body = e.do(t, http.MethodGet, "/api/v1/locks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["locks"])
}

func TestDeleteTask(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	e.do(t, http.MethodPost, "/api/v1/topics/news/process", "")

	rec, body := e.do(t, http.MethodDelete, "/api/v1/tasks/task-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])

	rec, _ = e.do(t, http.MethodGet, "/api/v1/tasks/task-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = e.do(t, http.MethodDelete, "/api/v1/tasks/task-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunSummary(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)

	rec, body := e.do(t, http.MethodGet, "/api/v1/runs/run-2/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Three releases shipped.", body["summary"])
	assert.Equal(t, "topic-news", body["topic_id"])
	assert.Equal(t, "2026-03-02T08:05:00Z", body["created_at"], "completion time wins")

	rec, _ = e.do(t, http.MethodGet, "/api/v1/runs/run-1/summary", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "run without a summary")
	rec, _ = e.do(t, http.MethodGet, "/api/v1/runs/run-9/summary", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)

	rec, _ := e.do(t, http.MethodDelete, "/api/v1/queue/jobs/job-7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"job-7"}, e.queue.cancelled)

	rec, _ = e.do(t, http.MethodDelete, "/api/v1/queue/jobs/job-active", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec, _ = e.do(t, http.MethodDelete, "/api/v1/queue/jobs/job-missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueStats_IncludesWorkerPool(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(d *api.Deps) {
		d.Workers = fakeWorkers{stats: worker.PoolStats{State: "running", Concurrency: 2, JobsProcessed: 4, JobsSucceeded: 3}}
	})

	rec, body := e.do(t, http.MethodGet, "/api/v1/queue/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 2, body["waiting"], 0)
	assert.InDelta(t, 75, body["success_rate"], 0.001)
	workers := body["workers"].(map[string]any)
	assert.Equal(t, "running", workers["state"])

	e = newEnv(t, nil)
	_, body = e.do(t, http.MethodGet, "/api/v1/queue/stats", "")
	assert.NotContains(t, body, "workers")
}

func TestHealth_DegradedQueue(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	e.queue.failed = 150

	rec, body := e.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, false, body["queue_healthy"])
}
