package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	eventNameHeartbeat = "heartbeat"
)

// handleCallStream serves the per-user change feed over SSE. The connection
// stays open until the client disconnects; heartbeats keep intermediaries
// from timing the stream out.
func (h *httpHandler) handleCallStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := h.realtime.Subscribe(c.Request.Context(), userID)
	defer cancel()

	heartbeat := time.NewTicker(sseHeartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			if err := writeSSE(c, eventNameHeartbeat, []byte(`{}`)); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(eventToEnvelope(event))
			if err != nil {
				h.logger.Error("failed to encode stream event", zap.Error(err))
				continue
			}
			if err := writeSSE(c, string(event.Type), data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(c *gin.Context, eventName string, data []byte) error {
	if _, err := c.Writer.WriteString("event: " + eventName + "\n"); err != nil {
		return err
	}
	if _, err := c.Writer.WriteString("data: " + string(data) + "\n\n"); err != nil {
		return err
	}
	return nil
}
