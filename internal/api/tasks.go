package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/database"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/task"
)

// listTasks handles GET /api/v1/tasks
func (h *handler) listTasks(c *gin.Context) {
	f := task.Filter{
		TopicSlug: c.Query("topic_slug"),
		Status:    domain.Status(c.Query("status")),
		Type:      domain.TaskType(c.Query("type")),
		Limit:     parseLimit(c),
	}
	tasks, err := h.deps.Tasks.List(c.Request.Context(), f)
	if err != nil {
		fail(c, fmt.Errorf("list tasks: %w", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
}

// getTask handles GET /api/v1/tasks/:id
func (h *handler) getTask(c *gin.Context) {
	t, err := h.deps.Tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// taskStats handles GET /api/v1/tasks/stats
func (h *handler) taskStats(c *gin.Context) {
	counts, err := h.deps.Tasks.Stats(c.Request.Context())
	if err != nil {
		fail(c, fmt.Errorf("task stats: %w", err))
		return
	}
	out := gin.H{"total": 0}
	total := 0
	for _, s := range []domain.Status{domain.StatusPending, domain.StatusRunning, domain.StatusCompleted, domain.StatusFailed} {
		out[string(s)] = counts[s]
		total += counts[s]
	}
	out["total"] = total
	c.JSON(http.StatusOK, out)
}

// listRuns handles GET /api/v1/runs
func (h *handler) listRuns(c *gin.Context) {
	runs, err := h.deps.Runs.List(c.Request.Context(), database.RunFilter{
		TopicSlug: c.Query("topic_slug"),
		Status:    domain.Status(c.Query("status")),
		Limit:     parseLimit(c),
	})
	if err != nil {
		fail(c, fmt.Errorf("list runs: %w", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": len(runs)})
}

// getRun handles GET /api/v1/runs/:id
func (h *handler) getRun(c *gin.Context) {
	ctx := c.Request.Context()
	run, err := h.deps.Runs.Get(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	items, err := h.deps.RunItems.ListByRun(ctx, run.ID)
	if err != nil {
		fail(c, fmt.Errorf("run items: %w", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "items": items})
}

// deleteTask handles DELETE /api/v1/tasks/:id
func (h *handler) deleteTask(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	t, err := h.deps.Tasks.Get(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	if err = h.deps.Tasks.Delete(ctx, id); err != nil {
		fail(c, fmt.Errorf("delete task: %w", err))
		return
	}
	h.logger.Info("Task deleted", logger.TaskID(id), logger.String("status", string(t.Status)))
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Task cancelled successfully"})
}

// getRunSummary handles GET /api/v1/runs/:id/summary
func (h *handler) getRunSummary(c *gin.Context) {
	run, err := h.deps.Runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	summary, _ := run.Metadata["summary"].(string)
	if summary == "" {
		respondError(c, http.StatusNotFound, "No summary found for run: "+run.ID)
		return
	}
	createdAt := run.CreatedAt
	if run.CompletedAt != nil {
		createdAt = *run.CompletedAt
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":     run.ID,
		"topic_id":   run.TopicID,
		"summary":    summary,
		"created_at": createdAt,
	})
}
