package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingEvery    = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The HTTP layer already authenticated the request; origin policy is
	// handled by the CORS middleware for the rest of the API.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleCallSocket serves the per-user change feed over a WebSocket, for
// clients that prefer a socket to SSE.
func (h *httpHandler) handleCallSocket(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := h.realtime.Subscribe(c.Request.Context(), userID)
	defer cancel()

	// Reader goroutine: the feed is push-only, so inbound frames are
	// discarded, but the read loop is what detects a closed peer.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-readerDone:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(eventToEnvelope(event)); err != nil {
				h.logger.Debug("websocket write failed", zap.String("user_id", userID), zap.Error(err))
				return
			}
		}
	}
}
