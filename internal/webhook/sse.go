package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stylelicense/jobyard/internal/jobs"
)

const heartbeatInterval = 15 * time.Second

// handleJobEvents streams a job's state as server-sent events. A "job"
// event is written whenever the record changes; the stream ends after the
// job reaches a terminal status.
func handleJobEvents(store *jobs.Store, interval time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")

		job, err := store.Get(ctx, id)
		if err != nil {
			jobError(c, err)
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		lastRevision := job.Revision
		writeSSE(c.Writer, "job", newJobView(job))
		c.Writer.Flush()
		if job.Terminal() {
			return
		}

		ticker := time.NewTicker(interval)
		heartbeat := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				job, err := store.Get(ctx, id)
				if err != nil {
					writeSSE(c.Writer, "error", map[string]string{"error": "job unavailable"})
					c.Writer.Flush()
					return
				}
				if job.Revision == lastRevision {
					continue
				}
				lastRevision = job.Revision
				writeSSE(c.Writer, "job", newJobView(job))
				c.Writer.Flush()
				if job.Terminal() {
					return
				}
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
