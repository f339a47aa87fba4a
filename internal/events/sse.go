package events

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

// DefaultHeartbeatInterval is the gap between SSE keep-alive comments.
const DefaultHeartbeatInterval = 30 * time.Second

// StreamHandler serves events over SSE and WebSocket.
type StreamHandler struct {
	broker    *Broker
	stats     *StatsReporter
	logger    logger.Logger
	heartbeat time.Duration
}

// NewStreamHandler creates a StreamHandler. stats may be nil.
func NewStreamHandler(b *Broker, stats *StatsReporter, log logger.Logger) *StreamHandler {
	return &StreamHandler{broker: b, stats: stats, logger: log, heartbeat: DefaultHeartbeatInterval}
}

// SSE handles GET /events/stream?topic_slug=.
func (h *StreamHandler) SSE(c *gin.Context) {
	slug := c.Query("topic_slug")
	ch, cleanup, ok := h.broker.Subscribe(c.Request.Context(), TopicFilter(slug))
	defer cleanup()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too many connections"})
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	connected := Event{Type: TypeConnected, Payload: map[string]any{"topic_slug": slug}, Timestamp: time.Now().UTC()}
	if err := writeSSE(w, connected); err != nil {
		return
	}
	w.Flush()

	if slug != "" && h.stats != nil {
		h.stats.TopicStats(c.Request.Context(), slug)
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case e, open := <-ch:
			if !open {
				return
			}
			if err := writeSSE(w, e); err != nil {
				h.logger.Debug("SSE write failed", logger.Error(err), logger.String("event_type", e.Type))
				return
			}
			w.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			w.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeSSE(w io.Writer, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
