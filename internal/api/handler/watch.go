package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shuwen-lab/cliptext/internal/api/middleware"
	"github.com/shuwen-lab/cliptext/internal/domain"
	"github.com/shuwen-lab/cliptext/internal/lifecycle"
	"github.com/shuwen-lab/cliptext/internal/repository"
)

// JobReader loads one job scoped to its owner.
type JobReader interface {
	Get(ctx context.Context, ownerID, jobID string) (*domain.Job, error)
}

// WatchHandler streams live job snapshots over Server-Sent Events.
type WatchHandler struct {
	jobs JobReader
	hub  *lifecycle.Hub
}

// NewWatchHandler creates a new watch handler.
func NewWatchHandler(jobs JobReader, hub *lifecycle.Hub) *WatchHandler {
	return &WatchHandler{jobs: jobs, hub: hub}
}

// Watch handles GET /api/v1/jobs/:id/events. The current snapshot is sent
// immediately; the stream then follows hub updates and closes itself once a
// terminal snapshot has been delivered. Watching an already terminal job
// yields exactly one event.
func (h *WatchHandler) Watch(c *gin.Context) {
	ownerID := middleware.OwnerID(c)
	jobID := c.Param("id")

	job, err := h.jobs.Get(c.Request.Context(), ownerID, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(c, http.StatusNotFound, CodeNotFound, "job not found")
			return
		}
		middleware.GetLogger(c).WithError(err).Error("watch job lookup failed")
		respondError(c, http.StatusInternalServerError, CodeInternal, "failed to load job")
		return
	}

	updates, cancel, ok := h.hub.Subscribe(jobID)
	if !ok {
		respondError(c, http.StatusServiceUnavailable, CodeInternal, "too many watchers for this job")
		return
	}
	defer cancel()

	// Re-read after subscribing: a terminal transition in between published
	// to nobody, so the fresh snapshot is the only place it still shows.
	job, err = h.jobs.Get(c.Request.Context(), ownerID, jobID)
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("watch job reload failed")
		respondError(c, http.StatusInternalServerError, CodeInternal, "failed to load job")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.SSEvent("job", newJobView(job))
	c.Writer.Flush()
	if job.Status.IsTerminal() {
		return
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case snapshot, open := <-updates:
			if !open {
				return false
			}
			c.SSEvent("job", newJobView(&snapshot))
			return !snapshot.Status.IsTerminal()
		case <-c.Request.Context().Done():
			return false
		}
	})
}
