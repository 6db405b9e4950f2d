package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	eventNameMetadataChange = "metadata-change"
	eventNameHeartbeat      = "heartbeat"

	heartbeatInterval = 30 * time.Second
)

// handleEventsStream serves the per-user metadata change feed over
// server-sent events. The stream stays open until the client disconnects;
// heartbeats keep intermediaries from reaping quiet connections.
func (h *httpHandler) handleEventsStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	// Subscribe before the response headers go out so an event published
	// the moment the client sees the stream open cannot slip past.
	events, release := h.engine.Feed().Subscribe(c.Request.Context(), userID)
	defer release()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(eventNameMetadataChange, event)
			c.Writer.Flush()
		case <-heartbeat.C:
			c.SSEvent(eventNameHeartbeat, "ping")
			c.Writer.Flush()
		}
	}
}
