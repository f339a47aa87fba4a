package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/processor"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/queue"
)

// RequestedBy is the requester recorded on tasks created over HTTP.
const RequestedBy = "api"

type handler struct {
	deps   Deps
	logger logger.Logger
}

// TopicStatus is the per-topic view returned by the topics endpoints.
type TopicStatus struct {
	Slug          string     `json:"slug"`
	Name          string     `json:"name"`
	Enabled       bool       `json:"enabled"`
	SourcesCount  int        `json:"sources_count"`
	ItemsCount    int        `json:"items_count"`
	RunsCount     int        `json:"runs_count"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	LastRunStatus *string    `json:"last_run_status,omitempty"`
	NextRun       *time.Time `json:"next_run,omitempty"`
	Processing    bool       `json:"processing,omitempty"`
}

type processRequest struct {
	Force bool `json:"force"`
}

type revertRequest struct {
	Period string `binding:"required" json:"period"`
}

type cleanRequest struct {
	Confirm bool `json:"confirm"`
}

// bindOptional decodes a JSON body when one is present.
func bindOptional(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (h *handler) nextRuns() map[string]time.Time {
	out := map[string]time.Time{}
	if h.deps.Schedules == nil {
		return out
	}
	for _, s := range h.deps.Schedules.Schedules() {
		if s.TopicSlug != "" && !s.Next.IsZero() {
			out[s.TopicSlug] = s.Next
		}
	}
	return out
}

func (h *handler) status(cfg *domain.TopicConfig, stats *domain.TopicStats, next map[string]time.Time) TopicStatus {
	ts := TopicStatus{
		Slug:         cfg.Slug,
		Name:         cfg.Name,
		Enabled:      cfg.Enabled,
		SourcesCount: len(cfg.EnabledSources()),
	}
	if stats != nil {
		ts.ItemsCount = stats.ItemsCount
		ts.RunsCount = stats.RunsCount
		ts.LastRun = stats.LastRun
		ts.LastRunStatus = stats.LastRunStatus
	}
	if n, ok := next[cfg.Slug]; ok {
		ts.NextRun = &n
	}
	return ts
}

// listTopics handles GET /api/v1/topics
func (h *handler) listTopics(c *gin.Context) {
	all, err := h.deps.Stats.ListStats(c.Request.Context())
	if err != nil {
		fail(c, fmt.Errorf("list topic stats: %w", err))
		return
	}
	bySlug := make(map[string]*domain.TopicStats, len(all))
	for _, s := range all {
		bySlug[s.Slug] = s
	}

	next := h.nextRuns()
	cfgs := h.deps.Topics.All()
	out := make([]TopicStatus, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, h.status(cfg, bySlug[cfg.Slug], next))
	}
	c.JSON(http.StatusOK, gin.H{"topics": out, "total": len(out)})
}

// getTopic handles GET /api/v1/topics/:slug
func (h *handler) getTopic(c *gin.Context) {
	slug := c.Param("slug")
	cfg, ok := h.deps.Topics.Topic(slug)
	if !ok {
		fail(c, fmt.Errorf("%w: %s", processor.ErrTopicNotFound, slug))
		return
	}

	ctx := c.Request.Context()
	stats, err := h.deps.Stats.Stats(ctx, slug)
	if err != nil && statusFor(err) != http.StatusNotFound {
		fail(c, fmt.Errorf("topic stats: %w", err))
		return
	}
	ts := h.status(cfg, stats, h.nextRuns())
	if h.deps.Locks != nil {
		locked, lockErr := h.deps.Locks.IsLocked(ctx, processor.ProcessLockName(slug))
		if lockErr != nil {
			h.logger.Warn("Failed to check topic lock", logger.TopicSlug(slug), logger.Error(lockErr))
		}
		ts.Processing = locked
	}
	c.JSON(http.StatusOK, ts)
}

// topicBody reads the raw configuration document of a write request.
func (h *handler) topicBody(c *gin.Context) ([]byte, bool) {
	if h.deps.Admin == nil {
		respondError(c, http.StatusNotImplemented, "topic editing is not available")
		return nil, false
	}
	data, err := c.GetRawData()
	if err != nil || len(data) == 0 {
		respondError(c, http.StatusBadRequest, "Invalid request: a topic configuration body is required")
		return nil, false
	}
	return data, true
}

// createTopic handles POST /api/v1/topics
func (h *handler) createTopic(c *gin.Context) {
	data, ok := h.topicBody(c)
	if !ok {
		return
	}
	cfg, err := h.deps.Admin.CreateTopic(c.Request.Context(), data)
	if err != nil {
		fail(c, err)
		return
	}
	h.logger.Info("Topic created", logger.TopicSlug(cfg.Slug))
	c.JSON(http.StatusCreated, gin.H{
		"message": fmt.Sprintf("Topic '%s' created successfully", cfg.Name),
		"slug":    cfg.Slug,
		"topic":   cfg,
	})
}

// updateTopic handles PUT /api/v1/topics/:slug
func (h *handler) updateTopic(c *gin.Context) {
	slug := c.Param("slug")
	data, ok := h.topicBody(c)
	if !ok {
		return
	}
	cfg, err := h.deps.Admin.UpdateTopic(c.Request.Context(), slug, data)
	if err != nil {
		fail(c, err)
		return
	}
	h.logger.Info("Topic updated", logger.TopicSlug(slug))
	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("Topic '%s' updated successfully", cfg.Name),
		"slug":    cfg.Slug,
		"topic":   cfg,
	})
}

// deleteTopic handles DELETE /api/v1/topics/:slug. The configuration file
// goes first, then every stored row; the whole operation is a clean task.
func (h *handler) deleteTopic(c *gin.Context) {
	slug := c.Param("slug")
	if h.deps.Admin == nil {
		respondError(c, http.StatusNotImplemented, "topic editing is not available")
		return
	}
	if _, ok := h.deps.Topics.Topic(slug); !ok {
		fail(c, fmt.Errorf("%w: %s", processor.ErrTopicNotFound, slug))
		return
	}

	ctx := c.Request.Context()
	t, err := h.deps.Tasks.Create(ctx, domain.TaskTypeClean, slug, domain.JSONMap{"topic_slug": slug, "delete": true}, RequestedBy)
	if err != nil {
		fail(c, fmt.Errorf("create task: %w", err))
		return
	}
	out, err := h.deps.Tasks.Track(ctx, t.ID, func(ctx context.Context) (domain.JSONMap, error) {
		res, delErr := h.deps.Admin.DeleteTopic(ctx, slug)
		if delErr != nil {
			return nil, delErr
		}
		return res.ToMap(), nil
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id": t.ID,
		"slug":    slug,
		"deleted": out["deleted"],
		"message": fmt.Sprintf("Topic '%s' deleted successfully", slug),
	})
}

// processTopic handles POST /api/v1/topics/:slug/process
func (h *handler) processTopic(c *gin.Context) {
	slug := c.Param("slug")
	var req processRequest
	if err := bindOptional(c, &req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	cfg, ok := h.deps.Topics.Topic(slug)
	if !ok {
		fail(c, fmt.Errorf("%w: %s", processor.ErrTopicNotFound, slug))
		return
	}
	if !cfg.Enabled {
		fail(c, fmt.Errorf("%w: %s", processor.ErrTopicDisabled, slug))
		return
	}

	params := domain.JSONMap{"topic_slug": slug, "force": req.Force}
	h.enqueue(c, domain.TaskTypeProcess, slug, params, queue.EnqueueRequest{
		TaskType:  domain.TaskTypeProcess,
		TopicSlug: slug,
		Params:    map[string]any{"force": req.Force},
		Force:     req.Force,
	}, "Processing queued for topic: "+slug)
}

// revertTopic handles POST /api/v1/topics/:slug/revert
func (h *handler) revertTopic(c *gin.Context) {
	slug := c.Param("slug")
	var req revertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}
	if _, err := processor.ParsePeriod(req.Period); err != nil {
		fail(c, err)
		return
	}
	if _, ok := h.deps.Topics.Topic(slug); !ok {
		fail(c, fmt.Errorf("%w: %s", processor.ErrTopicNotFound, slug))
		return
	}

	params := domain.JSONMap{"topic_slug": slug, "period": req.Period}
	h.enqueue(c, domain.TaskTypeRevert, slug, params, queue.EnqueueRequest{
		TaskType:  domain.TaskTypeRevert,
		TopicSlug: slug,
		Params:    map[string]any{"period": req.Period},
	}, fmt.Sprintf("Revert queued for topic: %s (period: %s)", slug, req.Period))
}

// enqueue records a task and queues its job. A queueing failure marks the
// task failed.
func (h *handler) enqueue(
	c *gin.Context, kind domain.TaskType, slug string, params domain.JSONMap, req queue.EnqueueRequest, message string,
) {
	ctx := c.Request.Context()
	t, err := h.deps.Tasks.Create(ctx, kind, slug, params, RequestedBy)
	if err != nil {
		fail(c, fmt.Errorf("create task: %w", err))
		return
	}

	req.TaskID = t.ID
	job, err := h.deps.Queue.Enqueue(ctx, req)
	if err != nil {
		if setErr := h.deps.Tasks.SetStatus(ctx, t.ID, domain.StatusFailed, nil, err.Error()); setErr != nil {
			h.logger.Warn("Failed to mark task failed", logger.TaskID(t.ID), logger.Error(setErr))
		}
		var dup *queue.DuplicateJobError
		if errors.As(err, &dup) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "task_id": t.ID, "existing_job_id": dup.ExistingID})
			return
		}
		fail(c, fmt.Errorf("enqueue %s: %w", kind, err))
		return
	}

	h.logger.Info("Job queued", logger.TopicSlug(slug), logger.TaskID(t.ID), logger.JobID(job.ID), logger.String("type", string(kind)))
	c.JSON(http.StatusAccepted, gin.H{"task_id": t.ID, "job_id": job.ID, "message": message})
}

// cleanTopic handles POST /api/v1/topics/:slug/clean
func (h *handler) cleanTopic(c *gin.Context) {
	slug := c.Param("slug")
	var req cleanRequest
	if err := bindOptional(c, &req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}
	if !req.Confirm {
		respondError(c, http.StatusBadRequest,
			`This operation will permanently delete ALL data for this topic. Set "confirm" to true to proceed.`)
		return
	}

	ctx := c.Request.Context()
	t, err := h.deps.Tasks.Create(ctx, domain.TaskTypeClean, slug, domain.JSONMap{"topic_slug": slug}, RequestedBy)
	if err != nil {
		fail(c, fmt.Errorf("create task: %w", err))
		return
	}
	out, err := h.deps.Tasks.Track(ctx, t.ID, func(ctx context.Context) (domain.JSONMap, error) {
		res, cleanErr := h.deps.Cleaner.CleanTopic(ctx, slug, true)
		if cleanErr != nil {
			return nil, cleanErr
		}
		return res.ToMap(), nil
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": t.ID, "deleted": out["deleted"], "message": out["message"]})
}
