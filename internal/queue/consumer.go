package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/retry"
)

const (
	pausedPollCeiling = time.Second
	stalledReason     = "job stalled more than allowable limit"
)

// Delivery is a job handed to one worker. It owns the job while the stored
// attempt equals Job.AttemptsMade; Heartbeat keeps it from being reclaimed.
type Delivery struct {
	MessageID string
	Consumer  string
	Job       *Job
}

// Read returns the next job for consumer, or nil when none arrived within
// the block timeout. Jobs whose consumer died are reclaimed first.
func (q *Queue) Read(ctx context.Context, consumer string) (*Delivery, error) {
	paused, err := q.IsPaused(ctx)
	if err != nil {
		return nil, fmt.Errorf("check paused: %w", err)
	}
	if paused {
		timer := time.NewTimer(min(q.cfg.BlockTimeout, pausedPollCeiling))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		}
	}

	if d := q.reclaim(ctx, consumer); d != nil {
		return d, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  []string{q.keys.stream(), ">"},
		Count:    1,
		Block:    q.cfg.BlockTimeout,
	}).Result()
	if isNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	for _, s := range streams {
		for _, msg := range s.Messages {
			if d := q.activate(ctx, msg, consumer, false); d != nil {
				return d, nil
			}
		}
	}
	return nil, nil
}

// reclaim claims the oldest message left pending longer than ReclaimIdle.
func (q *Queue) reclaim(ctx context.Context, consumer string) *Delivery {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.keys.stream(),
		Group:  consumerGroup,
		Idle:   q.cfg.ReclaimIdle,
		Start:  "-",
		End:    "+",
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return nil
	}

	msgs, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.keys.stream(),
		Group:    consumerGroup,
		Consumer: consumer,
		MinIdle:  q.cfg.ReclaimIdle,
		Messages: []string{pending[0].ID},
	}).Result()
	if err != nil {
		q.logger.Warn("Failed to reclaim stalled jobs", logger.Error(err))
		return nil
	}

	for _, msg := range msgs {
		if d := q.activate(ctx, msg, consumer, true); d != nil {
			return d
		}
	}
	return nil
}

// activate moves the job behind msg to active. It returns nil, after
// acknowledging the message, when the job no longer needs running.
func (q *Queue) activate(ctx context.Context, msg redis.XMessage, consumer string, reclaimed bool) *Delivery {
	id, _ := msg.Values[jobIDField].(string)
	job, err := q.GetJob(ctx, id)
	if err != nil {
		q.ack(ctx, msg.ID)
		return nil
	}

	from := StateWaiting
	if reclaimed {
		from = StateActive
	}
	if job.State != from {
		q.ack(ctx, msg.ID)
		return nil
	}

	d := &Delivery{MessageID: msg.ID, Consumer: consumer, Job: job}
	if reclaimed {
		q.logger.Warn("Reclaimed stalled job",
			logger.JobID(job.ID),
			logger.TopicSlug(job.TopicSlug),
			logger.Int("attempt", job.AttemptsMade),
		)
		if job.AttemptsMade >= job.Attempts {
			if failErr := q.finishFailed(ctx, d, stalledReason); failErr != nil {
				q.logger.Error("Failed to fail stalled job", logger.JobID(job.ID), logger.Error(failErr))
			}
			return nil
		}
	}

	attempt := job.AttemptsMade
	now := q.now().UTC()
	job.State = StateActive
	job.AttemptsMade++
	job.ProcessedAt = &now
	job.NextAttemptAt = nil

	if err = q.move(ctx, job, from, attempt, "", now); err != nil {
		// A stale move leaves the message pending; the next reclaim acks it.
		q.logger.Warn("Failed to activate job", logger.JobID(job.ID), logger.Error(err))
		return nil
	}
	return d
}

func (q *Queue) ack(ctx context.Context, messageID string) {
	if err := q.client.XAck(ctx, q.keys.stream(), consumerGroup, messageID).Err(); err != nil {
		q.logger.Warn("Failed to acknowledge message", logger.String("message_id", messageID), logger.Error(err))
	}
}

// Heartbeat resets the idle time of d so it is not reclaimed while the
// worker is still running it. ErrStaleDelivery means another consumer owns
// the job now and the worker should stop.
func (q *Queue) Heartbeat(ctx context.Context, d *Delivery) error {
	ok, err := heartbeat.Run(ctx, q.client,
		[]string{q.keys.job(d.Job.ID), q.keys.stream()},
		strconv.Itoa(d.Job.AttemptsMade), consumerGroup, d.Consumer, d.MessageID,
	).Int()
	if err != nil {
		return fmt.Errorf("heartbeat job %s: %w", d.Job.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("heartbeat job %s: %w", d.Job.ID, ErrStaleDelivery)
	}
	return nil
}

// Complete marks a delivered job completed. A delivery that was reclaimed
// meanwhile gets ErrStaleDelivery and changes nothing.
func (q *Queue) Complete(ctx context.Context, d *Delivery) error {
	job := d.Job
	now := q.now().UTC()
	job.State = StateCompleted
	job.FinishedAt = &now
	job.FailedReason = ""

	if err := q.move(ctx, job, StateActive, job.AttemptsMade, d.MessageID, now); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	q.dropInflight(ctx, job)
	return q.trim(ctx, StateCompleted, q.cfg.KeepCompleted)
}

// Fail records a failed attempt. The job is delayed for another attempt
// unless attempts are exhausted or cause is Permanent. It reports whether
// the job will be retried.
func (q *Queue) Fail(ctx context.Context, d *Delivery, cause error) (bool, error) {
	job := d.Job
	reason := cause.Error()

	if IsPermanent(cause) || job.IsFinalAttempt() {
		return false, q.finishFailed(ctx, d, reason)
	}

	delay := retry.Backoff(job.Backoff, job.AttemptsMade, 0)
	due := q.now().UTC().Add(delay)
	job.State = StateDelayed
	job.FailedReason = reason
	job.NextAttemptAt = &due

	if err := q.move(ctx, job, StateActive, job.AttemptsMade, d.MessageID, due); err != nil {
		return false, fmt.Errorf("delay job %s: %w", job.ID, err)
	}

	q.logger.Warn("Job attempt failed, retry scheduled",
		logger.JobID(job.ID),
		logger.TopicSlug(job.TopicSlug),
		logger.Int("attempt", job.AttemptsMade),
		logger.Duration("delay", delay),
		logger.String("reason", reason),
	)
	return true, nil
}

func (q *Queue) finishFailed(ctx context.Context, d *Delivery, reason string) error {
	job := d.Job
	now := q.now().UTC()
	job.State = StateFailed
	job.FailedReason = reason
	job.FinishedAt = &now
	job.NextAttemptAt = nil

	if err := q.move(ctx, job, StateActive, job.AttemptsMade, d.MessageID, now); err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}

	q.logger.Error("Job failed",
		logger.JobID(job.ID),
		logger.TopicSlug(job.TopicSlug),
		logger.Int("attempts", job.AttemptsMade),
		logger.String("reason", reason),
	)
	q.dropInflight(ctx, job)
	return q.trim(ctx, StateFailed, q.cfg.KeepFailed)
}

// PromoteDue moves delayed jobs whose retry time has come back onto the
// stream. Safe to call from several processes: a job is promoted by
// whichever caller removes it from the delayed set.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.keys.state(StateDelayed), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("list due jobs: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		removed, remErr := q.client.ZRem(ctx, q.keys.state(StateDelayed), id).Result()
		if remErr != nil {
			return promoted, fmt.Errorf("claim due job: %w", remErr)
		}
		if removed == 0 {
			continue
		}

		job, getErr := q.GetJob(ctx, id)
		if getErr != nil {
			continue
		}
		job.State = StateWaiting
		job.NextAttemptAt = nil

		_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.SAdd(ctx, q.keys.state(StateWaiting), job.ID)
			if saveErr := q.save(ctx, p, job); saveErr != nil {
				return saveErr
			}
			p.XAdd(ctx, &redis.XAddArgs{Stream: q.keys.stream(), Values: map[string]any{jobIDField: job.ID}})
			return nil
		})
		if err != nil {
			return promoted, fmt.Errorf("promote job %s: %w", id, err)
		}
		promoted++
	}
	return promoted, nil
}
