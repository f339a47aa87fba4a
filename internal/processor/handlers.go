package processor

import (
	"context"
	"fmt"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/events"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/queue"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/worker"
)

// TaskRecorder is the slice of the task ledger the handlers drive.
type TaskRecorder interface {
	SetStatus(ctx context.Context, id string, status domain.Status, result domain.JSONMap, errText string) error
}

// Operations is what the job handlers run. *Processor implements it.
type Operations interface {
	ProcessTopic(ctx context.Context, slug string, force bool) (*ProcessResult, error)
	RevertTopic(ctx context.Context, slug, period string) (*RevertResult, error)
}

// Handlers binds queued jobs to processor operations and keeps their tasks
// in step with the queue.
type Handlers struct {
	ops         Operations
	tasks       TaskRecorder
	broadcaster events.Broadcaster
	logger      logger.Logger
}

// NewHandlers creates Handlers.
func NewHandlers(ops Operations, tasks TaskRecorder, b events.Broadcaster, log logger.Logger) *Handlers {
	if b == nil {
		b = events.Nop{}
	}
	return &Handlers{ops: ops, tasks: tasks, broadcaster: b, logger: log}
}

// Map returns the worker handler table.
func (h *Handlers) Map() map[domain.TaskType]worker.Handler {
	return map[domain.TaskType]worker.Handler{
		domain.TaskTypeProcess: h.Process,
		domain.TaskTypeRevert:  h.Revert,
	}
}

// Process runs a process job.
func (h *Handlers) Process(ctx context.Context, job *queue.Job) error {
	h.start(ctx, job, true)

	res, err := h.ops.ProcessTopic(ctx, job.TopicSlug, job.Force())
	if err != nil {
		return h.fail(ctx, job, err, true)
	}
	h.complete(ctx, job, res.ToMap(), true)
	return nil
}

// Revert runs a revert job. Revert tasks are not broadcast.
func (h *Handlers) Revert(ctx context.Context, job *queue.Job) error {
	h.start(ctx, job, false)

	res, err := h.ops.RevertTopic(ctx, job.TopicSlug, job.StringParam("period"))
	if err != nil {
		return h.fail(ctx, job, err, false)
	}
	h.complete(ctx, job, res.ToMap(), false)
	return nil
}

func (h *Handlers) start(ctx context.Context, job *queue.Job, broadcast bool) {
	if err := h.tasks.SetStatus(ctx, job.TaskID, domain.StatusRunning, nil, ""); err != nil {
		h.logger.Warn("Failed to mark task running", logger.TaskID(job.TaskID), logger.Error(err))
	}
	if broadcast {
		h.broadcaster.Broadcast(ctx, events.TypeRunUpdate, events.RunUpdatePayload{
			TaskID:    job.TaskID,
			TopicSlug: job.TopicSlug,
			Status:    domain.StatusRunning,
			Extra:     map[string]any{"attempt": job.AttemptsMade},
		})
	}
}

func (h *Handlers) complete(ctx context.Context, job *queue.Job, result domain.JSONMap, broadcast bool) {
	if err := h.tasks.SetStatus(ctx, job.TaskID, domain.StatusCompleted, result, ""); err != nil {
		h.logger.Warn("Failed to mark task completed", logger.TaskID(job.TaskID), logger.Error(err))
	}
	if broadcast {
		h.broadcaster.Broadcast(ctx, events.TypeRunUpdate, events.RunUpdatePayload{
			TaskID:    job.TaskID,
			TopicSlug: job.TopicSlug,
			Status:    domain.StatusCompleted,
			Extra:     map[string]any{"result": result},
		})
	}
}

// fail records err on the task when the queue will not retry it and hands it
// back to the queue. Configuration errors are marked permanent.
func (h *Handlers) fail(ctx context.Context, job *queue.Job, err error, broadcast bool) error {
	if IsConfigError(err) {
		err = queue.Permanent(err)
	}
	if !queue.IsPermanent(err) && !job.IsFinalAttempt() {
		h.logger.Warn("Task attempt failed, queue will retry",
			logger.TaskID(job.TaskID),
			logger.TopicSlug(job.TopicSlug),
			logger.Int("attempt", job.AttemptsMade),
			logger.Error(err),
		)
		return err
	}

	if setErr := h.tasks.SetStatus(ctx, job.TaskID, domain.StatusFailed, nil, err.Error()); setErr != nil {
		h.logger.Warn("Failed to mark task failed", logger.TaskID(job.TaskID), logger.Error(setErr))
	}
	if broadcast {
		h.broadcaster.Broadcast(ctx, events.TypeRunUpdate, events.RunUpdatePayload{
			TaskID:    job.TaskID,
			TopicSlug: job.TopicSlug,
			Status:    domain.StatusFailed,
			Extra:     map[string]any{"error": err.Error()},
		})
	}
	return fmt.Errorf("%s %s: %w", job.TaskType, job.TopicSlug, err)
}
