package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shuwen-lab/cliptext/internal/api/middleware"
	"github.com/shuwen-lab/cliptext/internal/lifecycle"
	"github.com/shuwen-lab/cliptext/internal/logger"
	"github.com/shuwen-lab/cliptext/internal/repository"
	"github.com/shuwen-lab/cliptext/internal/workflow"
)

// CallbackHandler receives terminal notifications pushed by the executor.
// Authentication happens in middleware before requests reach it.
type CallbackHandler struct {
	repo    *repository.JobRepository
	manager *lifecycle.Manager
}

// NewCallbackHandler creates a new callback handler.
func NewCallbackHandler(repo *repository.JobRepository, manager *lifecycle.Manager) *CallbackHandler {
	return &CallbackHandler{repo: repo, manager: manager}
}

type callbackRequest struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Output        string `json:"output"`
	ErrorMessage  string `json:"error_message"`
}

// Handle processes POST /callbacks/executor. A callback for an already
// finalized job is acknowledged without changing anything, so executor
// redeliveries are harmless.
func (h *CallbackHandler) Handle(c *gin.Context) {
	var req callbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidInput, "malformed callback body: "+err.Error())
		return
	}
	if req.CorrelationID == "" {
		respondError(c, http.StatusBadRequest, CodeInvalidInput, "missing correlation_id")
		return
	}
	if req.Status != workflow.ExecStatusSuccess && req.Status != workflow.ExecStatusFailed {
		respondError(c, http.StatusBadRequest, CodeInvalidInput, "unknown execution status "+req.Status)
		return
	}

	log := middleware.GetLogger(c).WithField(logger.FieldJobID, req.CorrelationID)
	ctx := c.Request.Context()

	job, err := h.repo.GetByID(ctx, req.CorrelationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(c, http.StatusNotFound, CodeNotFound, "no job for correlation_id")
			return
		}
		log.WithError(err).Error("callback job lookup failed")
		respondError(c, http.StatusInternalServerError, CodeInternal, "failed to load job")
		return
	}

	switch req.Status {
	case workflow.ExecStatusSuccess:
		result, parseErr := workflow.ParseOutput(req.Output)
		if parseErr != nil {
			log.WithError(parseErr).Error("callback output unparseable")
			err = h.manager.Fail(ctx, job.ID, "result parse failed: "+parseErr.Error())
		} else {
			err = h.manager.Complete(ctx, job.ID, result)
		}
	case workflow.ExecStatusFailed:
		msg := req.ErrorMessage
		if msg == "" {
			msg = "execution failed"
		}
		err = h.manager.Fail(ctx, job.ID, msg)
	}

	if errors.Is(err, lifecycle.ErrTerminal) {
		log.Info("duplicate callback for finalized job, acknowledged")
		respondOK(c, http.StatusOK, gin.H{"acknowledged": true, "duplicate": true})
		return
	}
	if err != nil {
		log.WithError(err).Error("callback finalization failed")
		respondError(c, http.StatusInternalServerError, CodeInternal, "failed to finalize job")
		return
	}

	respondOK(c, http.StatusOK, gin.H{"acknowledged": true})
}
