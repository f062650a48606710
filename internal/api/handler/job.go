package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shuwen-lab/cliptext/internal/api/middleware"
	"github.com/shuwen-lab/cliptext/internal/domain"
	"github.com/shuwen-lab/cliptext/internal/repository"
	"github.com/shuwen-lab/cliptext/internal/service"
	"github.com/shuwen-lab/cliptext/internal/workflow"
)

// JobHandler handles job submission and retrieval endpoints.
type JobHandler struct {
	submit *service.SubmitService
}

// NewJobHandler creates a new job handler.
func NewJobHandler(submit *service.SubmitService) *JobHandler {
	return &JobHandler{submit: submit}
}

type submitRequest struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

// Submit handles POST /api/v1/jobs.
func (h *JobHandler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidInput, "malformed request body: "+err.Error())
		return
	}
	if req.Kind == "" {
		req.Kind = domain.JobKindVideoContent
	}

	job, err := h.submit.Submit(c.Request.Context(), service.SubmitRequest{
		OwnerID: middleware.OwnerID(c),
		Kind:    req.Kind,
		URL:     req.URL,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			respondError(c, http.StatusBadRequest, CodeInvalidInput, err.Error())
		case errors.Is(err, workflow.ErrRejected):
			failedSubmission(c, http.StatusUnprocessableEntity, CodeExecutorRejected, err.Error(), job)
		case errors.Is(err, workflow.ErrUnreachable):
			failedSubmission(c, http.StatusBadGateway, CodeExecutorUnreachable, err.Error(), job)
		default:
			middleware.GetLogger(c).WithError(err).Error("submit failed")
			respondError(c, http.StatusInternalServerError, CodeInternal, "failed to submit job")
		}
		return
	}

	respondOK(c, http.StatusAccepted, newJobView(job))
}

// failedSubmission reports a dispatch failure along with the job record that
// was marked failed, so the client can still reference it.
func failedSubmission(c *gin.Context, status int, code, msg string, job *domain.Job) {
	resp := gin.H{
		"success": false,
		"error":   msg,
		"code":    code,
	}
	if job != nil {
		resp["data"] = newJobView(job)
	}
	c.JSON(status, resp)
}

// Get handles GET /api/v1/jobs/:id.
func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.submit.Get(c.Request.Context(), middleware.OwnerID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(c, http.StatusNotFound, CodeNotFound, "job not found")
			return
		}
		middleware.GetLogger(c).WithError(err).Error("job lookup failed")
		respondError(c, http.StatusInternalServerError, CodeInternal, "failed to load job")
		return
	}
	respondOK(c, http.StatusOK, newJobView(job))
}

// List handles GET /api/v1/jobs.
func (h *JobHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	jobs, err := h.submit.List(c.Request.Context(), middleware.OwnerID(c), limit, offset)
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("job list failed")
		respondError(c, http.StatusInternalServerError, CodeInternal, "failed to list jobs")
		return
	}

	views := make([]jobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, newJobView(&jobs[i]))
	}
	respondOK(c, http.StatusOK, gin.H{
		"jobs":  views,
		"count": len(views),
	})
}
