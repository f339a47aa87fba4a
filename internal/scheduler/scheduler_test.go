package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/queue"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/scheduler"
)

type topicList []*domain.TopicConfig

func (l topicList) All() []*domain.TopicConfig { return l }

type fakeTasks struct {
	mu       sync.Mutex
	created  []domain.JSONMap
	requests []string
	failed   map[string]string
	purged   int
}

func (f *fakeTasks) Create(_ context.Context, kind domain.TaskType, slug string, params domain.JSONMap, by string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, params)
	f.requests = append(f.requests, by)
	return &domain.Task{ID: fmt.Sprintf("task-%d", len(f.created)), Type: kind, TopicSlug: &slug}, nil
}

func (f *fakeTasks) SetStatus(_ context.Context, id string, status domain.Status, _ domain.JSONMap, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status == domain.StatusFailed {
		if f.failed == nil {
			f.failed = map[string]string{}
		}
		f.failed[id] = errText
	}
	return nil
}

func (f *fakeTasks) DeleteOlderThan(_ context.Context, days int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = days
	return 3, nil
}

type fakeQueue struct {
	mu         sync.Mutex
	enqueueErr error
	cleanErr   error
	requests   []queue.EnqueueRequest
	grace      time.Duration
}

func (q *fakeQueue) Enqueue(_ context.Context, req queue.EnqueueRequest) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, req)
	if q.enqueueErr != nil {
		return nil, q.enqueueErr
	}
	return &queue.Job{ID: "job-" + req.TaskID, TaskID: req.TaskID}, nil
}

func (q *fakeQueue) Clean(_ context.Context, grace time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.grace = grace
	return 2, q.cleanErr
}

type fakeDedup struct{ calls int }

func (d *fakeDedup) CleanupOld(context.Context) (int64, error) {
	d.calls++
	return 1, nil
}

func enabled(slug, cronExpr, tz string) *domain.TopicConfig {
	return &domain.TopicConfig{
		Slug:     slug,
		Enabled:  true,
		Schedule: domain.ScheduleConfig{Cron: cronExpr, Timezone: tz},
	}
}

func TestTrigger_CreatesTaskAndEnqueues(t *testing.T) {
	t.Parallel()

	tasks := &fakeTasks{}
	q := &fakeQueue{}
	s := scheduler.New(scheduler.Config{}, topicList{}, tasks, q, nil, logger.NewNop())

	task, err := s.Trigger(context.Background(), "news")
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, []string{scheduler.RequestedBy}, tasks.requests)
	assert.Equal(t, domain.JSONMap{"topic_slug": "news", "force": false}, tasks.created[0])

	require.Len(t, q.requests, 1)
	assert.Equal(t, "task-1", q.requests[0].TaskID)
	assert.Equal(t, domain.TaskTypeProcess, q.requests[0].TaskType)
	assert.False(t, q.requests[0].Force)
	assert.Empty(t, tasks.failed)
}

func TestTrigger_DuplicateMarksTaskFailed(t *testing.T) {
	t.Parallel()

	tasks := &fakeTasks{}
	q := &fakeQueue{enqueueErr: &queue.DuplicateJobError{TopicSlug: "news", ExistingID: "job-0"}}
	s := scheduler.New(scheduler.Config{}, topicList{}, tasks, q, nil, logger.NewNop())

	_, err := s.Trigger(context.Background(), "news")
	require.ErrorIs(t, err, queue.ErrDuplicateJob)
	assert.Equal(t, "duplicate job", tasks.failed["task-1"])
}

func TestTrigger_EnqueueErrorMarksTaskFailed(t *testing.T) {
	t.Parallel()

	tasks := &fakeTasks{}
	q := &fakeQueue{enqueueErr: errors.New("redis down")}
	s := scheduler.New(scheduler.Config{}, topicList{}, tasks, q, nil, logger.NewNop())

	_, err := s.Trigger(context.Background(), "news")
	require.Error(t, err)
	assert.Equal(t, "redis down", tasks.failed["task-1"])
}

func TestRunMaintenance(t *testing.T) {
	t.Parallel()

	tasks := &fakeTasks{}
	q := &fakeQueue{}
	d := &fakeDedup{}
	s := scheduler.New(scheduler.Config{RetentionDays: 14}, topicList{}, tasks, q, d, logger.NewNop())

	require.NoError(t, s.RunMaintenance(context.Background()))
	assert.Equal(t, 14, tasks.purged)
	assert.Equal(t, 5*time.Second, q.grace)
	assert.Equal(t, 1, d.calls)

	q.cleanErr = errors.New("redis down")
	err := s.RunMaintenance(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clean queue")
	assert.Equal(t, 2, d.calls, "later steps still run")
}

func TestRefresh_SkipsInvalidSchedules(t *testing.T) {
	t.Parallel()

	topics := topicList{
		enabled("daily", "0 8 * * *", "UTC"),
		enabled("fallback", "", ""),
		enabled("bad-cron", "every day", ""),
		enabled("bad-tz", "0 9 * * *", "Mars/Olympus"),
		{Slug: "off", Enabled: false, Schedule: domain.ScheduleConfig{Cron: "* * * * *"}},
	}
	cfg := scheduler.Config{DefaultSchedule: "@hourly", Timezone: "UTC"}
	s := scheduler.New(cfg, topics, &fakeTasks{}, &fakeQueue{}, nil, logger.NewNop())

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer func() { require.NoError(t, s.Stop(ctx)) }()
	assert.True(t, s.Running())

	infos := s.Schedules()
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
		assert.False(t, info.Next.IsZero(), info.Name)
	}
	assert.Equal(t, []string{"maintenance", "topic-daily", "topic-fallback"}, names)
	assert.Equal(t, "@hourly", infos[2].Cron)
	assert.Equal(t, "0 2 * * *", infos[0].Cron)

	daily := infos[1]
	assert.Equal(t, 8, daily.Next.UTC().Hour())
	assert.Equal(t, 0, daily.Next.Minute())
}

func TestRefresh_ReplacesEntries(t *testing.T) {
	t.Parallel()

	topics := topicList{enabled("a", "0 8 * * *", "")}
	s := scheduler.New(scheduler.Config{}, topics, &fakeTasks{}, &fakeQueue{}, nil, logger.NewNop())
	s.Refresh()
	require.Len(t, s.Schedules(), 1)
	assert.Equal(t, "Europe/Paris", s.Schedules()[0].Timezone)

	topics[0] = enabled("b", "30 6 * * 1", "UTC")
	s.Refresh()
	infos := s.Schedules()
	require.Len(t, infos, 1)
	assert.Equal(t, "b", infos[0].TopicSlug)
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	s := scheduler.New(scheduler.Config{}, topicList{}, &fakeTasks{}, &fakeQueue{}, nil, logger.NewNop())
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.Error(t, s.Start(ctx))
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.Running())
	require.NoError(t, s.Stop(ctx))
}
