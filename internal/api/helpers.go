package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/coordination"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/database"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/fetcher"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/processor"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/queue"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/task"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/topics"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

func parseLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	return min(limit, maxLimit)
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, processor.ErrTopicNotFound),
		errors.Is(err, topics.ErrNotFound),
		errors.Is(err, task.ErrNotFound),
		errors.Is(err, queue.ErrJobNotFound),
		errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, processor.ErrInvalidPeriod),
		errors.Is(err, processor.ErrConfirmationRequired),
		errors.Is(err, topics.ErrInvalidTopic):
		return http.StatusBadRequest
	case errors.Is(err, processor.ErrTopicDisabled),
		errors.Is(err, fetcher.ErrUnsupportedKind):
		return http.StatusUnprocessableEntity
	case errors.Is(err, queue.ErrDuplicateJob),
		errors.Is(err, queue.ErrNotCancellable),
		errors.Is(err, topics.ErrExists),
		errors.Is(err, topics.ErrReadOnly),
		errors.Is(err, coordination.ErrLockTimeout):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail responds with the mapped status. Server errors are attached to the
// context so the request log carries them.
func fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
		respondError(c, status, "internal error")
		return
	}
	respondError(c, status, err.Error())
}
