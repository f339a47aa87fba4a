package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/coordination"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/queue"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/scheduler"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/worker"
)

const healthCheckTimeout = 3 * time.Second

// QueueStatsResponse is the queue counts plus, in a process running
// workers, the pool counters.
type QueueStatsResponse struct {
	*queue.Stats
	Workers     *worker.PoolStats `json:"workers,omitempty"`
	SuccessRate *float64          `json:"success_rate,omitempty"`
}

// queueStats handles GET /api/v1/queue/stats
func (h *handler) queueStats(c *gin.Context) {
	stats, err := h.deps.Queue.Stats(c.Request.Context())
	if err != nil {
		fail(c, fmt.Errorf("queue stats: %w", err))
		return
	}
	resp := QueueStatsResponse{Stats: stats}
	if h.deps.Workers != nil {
		ws := h.deps.Workers.Stats()
		rate := ws.SuccessRate()
		resp.Workers = &ws
		resp.SuccessRate = &rate
	}
	c.JSON(http.StatusOK, resp)
}

// cancelJob handles DELETE /api/v1/queue/jobs/:id
func (h *handler) cancelJob(c *gin.Context) {
	id := c.Param("id")
	if err := h.deps.Queue.Cancel(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": id, "cancelled": true})
}

// listLocks handles GET /api/v1/locks
func (h *handler) listLocks(c *gin.Context) {
	locks := []coordination.ActiveLock{}
	if h.deps.Locks != nil {
		active, err := h.deps.Locks.ActiveLocks(c.Request.Context())
		if err != nil {
			fail(c, fmt.Errorf("list locks: %w", err))
			return
		}
		locks = append(locks, active...)
	}
	c.JSON(http.StatusOK, gin.H{"locks": locks, "total": len(locks)})
}

// pauseQueue handles POST /api/v1/queue/pause
func (h *handler) pauseQueue(c *gin.Context) {
	if err := h.deps.Queue.Pause(c.Request.Context()); err != nil {
		fail(c, fmt.Errorf("pause queue: %w", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

// resumeQueue handles POST /api/v1/queue/resume
func (h *handler) resumeQueue(c *gin.Context) {
	if err := h.deps.Queue.Resume(c.Request.Context()); err != nil {
		fail(c, fmt.Errorf("resume queue: %w", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

// listSchedules handles GET /api/v1/schedules
func (h *handler) listSchedules(c *gin.Context) {
	schedules := []scheduler.ScheduleInfo{}
	running := false
	if h.deps.Schedules != nil {
		schedules = h.deps.Schedules.Schedules()
		running = h.deps.Schedules.Running()
	}
	c.JSON(http.StatusOK, gin.H{"running": running, "schedules": schedules})
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status            string    `json:"status"`
	DatabaseConnected bool      `json:"database_connected"`
	RedisConnected    bool      `json:"redis_connected"`
	QueueHealthy      bool      `json:"queue_healthy"`
	SchedulerRunning  bool      `json:"scheduler_running"`
	TopicsCount       int       `json:"topics_count"`
	Timestamp         time.Time `json:"timestamp"`
}

// health handles GET /health. Database or Redis loss is unhealthy. A queue
// with too many failed jobs is degraded but still serves; a stopped
// scheduler is neither.
func (h *handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{
		TopicsCount: h.deps.Topics.Len(),
		Timestamp:   time.Now().UTC(),
	}
	resp.DatabaseConnected = h.deps.DB == nil || h.deps.DB.PingContext(ctx) == nil
	resp.RedisConnected = h.deps.Queue.Ping(ctx) == nil
	if resp.RedisConnected {
		healthy, err := h.deps.Queue.Healthy(ctx)
		resp.QueueHealthy = err == nil && healthy
	}
	if h.deps.Schedules != nil {
		resp.SchedulerRunning = h.deps.Schedules.Running()
	}

	status := http.StatusOK
	switch {
	case !resp.DatabaseConnected || !resp.RedisConnected:
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	case !resp.QueueHealthy:
		resp.Status = "degraded"
	default:
		resp.Status = "healthy"
	}
	c.JSON(status, resp)
}
