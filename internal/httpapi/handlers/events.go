package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
)

const eventBuffer = 64

// Events streams every merged record as SSE. Slow clients drop updates
// rather than hold up merges; they can re-read GET /jobs.
func (h *Handler) Events(c *gin.Context) {
	filter := c.Query("job_id")

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	updates := make(chan jobs.Record, eventBuffer)
	cancel := h.Svc.Subscribe(func(rec jobs.Record, _ jobs.Update) {
		if filter != "" && rec.JobID != filter {
			return
		}
		select {
		case updates <- rec:
		default:
		}
	})
	defer cancel()

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	writeJSON("ready", gin.H{"type": "ready"})
	ctx := c.Request.Context()
	for {
		select {
		case rec := <-updates:
			writeJSON("job", viewOf(rec))
		case <-ticker.C:
			writeJSON("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})
		case <-ctx.Done():
			return
		}
	}
}
