package events

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

const wsWriteTimeout = 5 * time.Second

// WebSocket handles GET /events/ws?topic_slug=. Observers only receive;
// anything they send is discarded.
func (h *StreamHandler) WebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", logger.Error(err))
		return
	}
	defer conn.CloseNow()

	// CloseRead drains client frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(c.Request.Context())

	slug := c.Query("topic_slug")
	ch, cleanup, ok := h.broker.Subscribe(ctx, TopicFilter(slug))
	defer cleanup()
	if !ok {
		_ = conn.Close(websocket.StatusTryAgainLater, "too many connections")
		return
	}

	connected := Event{Type: TypeConnected, Payload: map[string]any{"topic_slug": slug}, Timestamp: time.Now().UTC()}
	if err = writeWS(ctx, conn, connected); err != nil {
		return
	}
	if slug != "" && h.stats != nil {
		h.stats.TopicStats(ctx, slug)
	}

	for {
		select {
		case e, open := <-ch:
			if !open {
				_ = conn.Close(websocket.StatusGoingAway, "observer dropped")
				return
			}
			if err = writeWS(ctx, conn, e); err != nil {
				h.logger.Debug("WebSocket write failed", logger.Error(err))
				return
			}
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func writeWS(ctx context.Context, conn *websocket.Conn, e Event) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}
