package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zulandar/memorybridge/internal/models"
)

// handleEvents streams canonical-list inserts of the caller as server-sent
// events. ?session= narrows the stream to one session.
func (s *Server) handleEvents(c *gin.Context) {
	if s.opts.Transport == nil {
		abort(c, http.StatusNotImplemented, errors.New("event stream is not configured"))
		return
	}
	user := c.GetString(ctxUser)
	sessionID := c.Query("session")

	inserts := make(chan models.Action, 32)
	unsub, err := s.opts.Transport.SubscribeInserted(sessionID, func(a models.Action) {
		if a.UserID != user {
			return
		}
		select {
		case inserts <- a:
		default:
			s.log.Warn("dropping action event for slow client", zap.String("action_id", a.ID))
		}
	})
	if err != nil {
		abort(c, http.StatusServiceUnavailable, err)
		return
	}
	defer unsub()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	writeSSE(c.Writer, "connected", gin.H{"session": sessionID})
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(s.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", gin.H{"timestamp": s.opts.Now().UTC().Format(time.RFC3339)})
			c.Writer.Flush()
		case a := <-inserts:
			writeSSE(c.Writer, "action", a)
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
}
