package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/config"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

const (
	dataField    = "data"
	stateField   = "state"
	attemptField = "attempt"

	unhealthyFailedThreshold = 100
	inflightTTL              = 24 * time.Hour
)

// Stats are job counts per state.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Paused    bool  `json:"paused"`
}

// Queue is the producer and bookkeeping side of the work queue. Consumption
// lives in consumer.go.
type Queue struct {
	client *redis.Client
	keys   keys
	cfg    config.QueueConfig
	logger logger.Logger
	now    func() time.Time
}

// New creates a Queue and its consumer group.
func New(ctx context.Context, client *redis.Client, prefix string, cfg config.QueueConfig, log logger.Logger) (*Queue, error) {
	if cfg.KeepCompleted <= 0 {
		cfg.KeepCompleted = 10
	}
	if cfg.KeepFailed <= 0 {
		cfg.KeepFailed = 5
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = 5 * time.Minute
	}
	q := &Queue{
		client: client,
		keys:   newKeys(prefix, cfg.Name),
		cfg:    cfg,
		logger: log,
		now:    time.Now,
	}
	if err := ensureGroup(ctx, client, q.keys.stream()); err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue adds a job. A process job for a topic that already has a waiting,
// active or delayed job is rejected with *DuplicateJobError unless Force is
// set.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	attempts, backoff, err := retryPolicy(req.TaskType)
	if err != nil {
		return nil, err
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	if req.Force {
		params["force"] = true
	}

	job := &Job{
		ID:        uuid.NewString(),
		TaskID:    req.TaskID,
		TaskType:  req.TaskType,
		TopicSlug: req.TopicSlug,
		Params:    params,
		Attempts:  attempts,
		Backoff:   backoff,
		State:     StateWaiting,
		CreatedAt: q.now().UTC(),
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("serialize job: %w", err)
	}

	// The hash exists before the marker can name it, so a concurrent claim
	// never mistakes this job for a stale one.
	err = q.client.HSet(ctx, q.keys.job(job.ID),
		dataField, data, stateField, string(StateWaiting), attemptField, "0").Err()
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	if req.TaskType == domain.TaskTypeProcess {
		if claimErr := q.claimInflight(ctx, job, req.Force); claimErr != nil {
			_ = q.client.Del(ctx, q.keys.job(job.ID)).Err()
			return nil, claimErr
		}
	}

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, q.keys.state(StateWaiting), job.ID)
		p.XAdd(ctx, &redis.XAddArgs{Stream: q.keys.stream(), Values: map[string]any{jobIDField: job.ID}})
		return nil
	})
	if err != nil {
		_ = q.client.Del(ctx, q.keys.job(job.ID)).Err()
		q.dropInflight(ctx, job)
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	q.logger.Info("Job enqueued",
		logger.JobID(job.ID),
		logger.TaskID(job.TaskID),
		logger.TopicSlug(job.TopicSlug),
		logger.String("type", string(job.TaskType)),
		logger.Bool("force", req.Force),
	)
	return job, nil
}

// claimInflight points the topic's marker at job. An existing marker wins
// while its job is still pending, unless force is set.
func (q *Queue) claimInflight(ctx context.Context, job *Job, force bool) error {
	forced := "0"
	if force {
		forced = "1"
	}
	existing, err := claimInflightScript.Run(ctx, q.client,
		[]string{q.keys.inflight(job.TopicSlug)},
		job.ID, inflightTTL.Milliseconds(), q.keys.job(""), forced,
	).Text()
	if err != nil {
		return fmt.Errorf("check in-flight job: %w", err)
	}
	if existing != "" {
		return &DuplicateJobError{TopicSlug: job.TopicSlug, ExistingID: existing}
	}
	return nil
}

func (q *Queue) dropInflight(ctx context.Context, job *Job) {
	if job.TaskType != domain.TaskTypeProcess {
		return
	}
	if err := releaseInflight.Run(ctx, q.client, []string{q.keys.inflight(job.TopicSlug)}, job.ID).Err(); err != nil {
		q.logger.Warn("Failed to clear in-flight marker", logger.JobID(job.ID), logger.Error(err))
	}
}

// GetJob returns a job by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.HGet(ctx, q.keys.job(id), dataField).Result()
	if isNil(err) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	var job Job
	if err = json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (q *Queue) save(ctx context.Context, p redis.Pipeliner, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("serialize job: %w", err)
	}
	p.HSet(ctx, q.keys.job(job.ID), dataField, data, stateField, string(job.State),
		attemptField, strconv.Itoa(job.AttemptsMade))
	return nil
}

// move applies job's new state only while the stored job is still in from
// at attempt. The message is acknowledged in the same step when messageID
// is set.
func (q *Queue) move(ctx context.Context, job *Job, from State, attempt int, messageID string, at time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("serialize job: %w", err)
	}
	score := ""
	if !job.State.unordered() {
		score = strconv.FormatInt(at.UnixMilli(), 10)
	}
	moved, err := transition.Run(ctx, q.client,
		[]string{q.keys.job(job.ID), q.keys.stream(), q.keys.state(from), q.keys.state(job.State)},
		string(from), strconv.Itoa(attempt), consumerGroup, messageID,
		job.ID, string(job.State), strconv.Itoa(job.AttemptsMade), string(data), score,
	).Int()
	if err != nil {
		return err
	}
	if moved == 0 {
		return ErrStaleDelivery
	}
	return nil
}

// Cancel removes a waiting or delayed job.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.State != StateWaiting && job.State != StateDelayed {
		return fmt.Errorf("%w: job %s is %s", ErrNotCancellable, id, job.State)
	}

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, q.keys.state(StateWaiting), id)
		p.ZRem(ctx, q.keys.state(StateDelayed), id)
		p.Del(ctx, q.keys.job(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	q.dropInflight(ctx, job)
	q.logger.Info("Job cancelled", logger.JobID(id), logger.TopicSlug(job.TopicSlug))
	return nil
}

// Stats returns job counts per state.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	var waiting, active, delayed, done, failed, paused *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		waiting = p.SCard(ctx, q.keys.state(StateWaiting))
		active = p.SCard(ctx, q.keys.state(StateActive))
		delayed = p.ZCard(ctx, q.keys.state(StateDelayed))
		done = p.ZCard(ctx, q.keys.state(StateCompleted))
		failed = p.ZCard(ctx, q.keys.state(StateFailed))
		paused = p.Exists(ctx, q.keys.paused())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return &Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: done.Val(),
		Failed:    failed.Val(),
		Paused:    paused.Val() > 0,
	}, nil
}

// Pause stops workers from taking new jobs. Active jobs finish.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.client.Set(ctx, q.keys.paused(), "1", 0).Err(); err != nil {
		return fmt.Errorf("pause queue: %w", err)
	}
	q.logger.Info("Queue paused")
	return nil
}

// Resume undoes Pause.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.client.Del(ctx, q.keys.paused()).Err(); err != nil {
		return fmt.Errorf("resume queue: %w", err)
	}
	q.logger.Info("Queue resumed")
	return nil
}

// IsPaused reports whether the queue is paused.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.client.Exists(ctx, q.keys.paused()).Result()
	return n > 0, err
}

// Clean removes completed and failed jobs that finished more than grace ago.
func (q *Queue) Clean(ctx context.Context, grace time.Duration) (int, error) {
	maxScore := strconv.FormatInt(q.now().Add(-grace).UnixMilli(), 10)
	removed := 0
	for _, s := range []State{StateCompleted, StateFailed} {
		ids, err := q.client.ZRangeByScore(ctx, q.keys.state(s), &redis.ZRangeBy{Min: "-inf", Max: maxScore}).Result()
		if err != nil {
			return removed, fmt.Errorf("clean %s jobs: %w", s, err)
		}
		if err = q.removeFinished(ctx, s, ids); err != nil {
			return removed, err
		}
		removed += len(ids)
	}
	q.logger.Info("Cleaned finished jobs", logger.Int("removed", removed), logger.Duration("grace", grace))
	return removed, nil
}

func (q *Queue) removeFinished(ctx context.Context, s State, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		members := make([]any, len(ids))
		for i, id := range ids {
			members[i] = id
			p.Del(ctx, q.keys.job(id))
		}
		p.ZRem(ctx, q.keys.state(s), members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove %s jobs: %w", s, err)
	}
	return nil
}

// trim keeps only the newest keep jobs in a finished state.
func (q *Queue) trim(ctx context.Context, s State, keep int) error {
	ids, err := q.client.ZRange(ctx, q.keys.state(s), 0, int64(-keep-1)).Result()
	if err != nil {
		return fmt.Errorf("trim %s jobs: %w", s, err)
	}
	return q.removeFinished(ctx, s, ids)
}

// Healthy reports whether Redis answers and fewer than 100 jobs are failed.
func (q *Queue) Healthy(ctx context.Context) (bool, error) {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return false, err
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		return false, err
	}
	return stats.Failed < unhealthyFailedThreshold, nil
}

// Ping checks Redis.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
