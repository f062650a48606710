// Package handler contains the Gin HTTP handlers for the job API.
package handler

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shuwen-lab/cliptext/internal/domain"
)

// Stable machine-readable error codes carried in the response envelope.
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeNotFound            = "NOT_FOUND"
	CodeExecutorRejected    = "EXECUTOR_REJECTED"
	CodeExecutorUnreachable = "EXECUTOR_UNREACHABLE"
	CodeInternal            = "INTERNAL"
)

func respondOK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{
		"success": true,
		"data":    data,
	})
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"success": false,
		"error":   msg,
		"code":    code,
	})
}

// jobView is the external representation of a job. The result is present only
// on completed jobs.
type jobView struct {
	ID           string            `json:"id"`
	OwnerID      string            `json:"owner_id"`
	Kind         string            `json:"kind"`
	SourceURL    string            `json:"source_url"`
	Status       domain.JobStatus  `json:"status"`
	Progress     int               `json:"progress"`
	Result       *domain.JobResult `json:"result,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

func newJobView(job *domain.Job) jobView {
	return jobView{
		ID:           job.ID,
		OwnerID:      job.OwnerID,
		Kind:         job.Kind,
		SourceURL:    job.SourceURL,
		Status:       job.Status,
		Progress:     job.Progress,
		Result:       job.ResultPayload(),
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		CompletedAt:  job.CompletedAt,
	}
}
