// Package workflow wraps the external asynchronous workflow executor's HTTP
// API: dispatching a run, querying run history, and decoding run output.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrRejected marks a dispatch the executor refused before starting any work
// (bad parameters, bad credentials, unknown workflow). Retrying the same call
// will not help.
var ErrRejected = errors.New("executor rejected the request")

// ErrUnreachable marks a transport-level failure (timeout, connection
// refused); the executor may never have seen the request.
var ErrUnreachable = errors.New("executor unreachable")

// Execution statuses reported by the executor.
const (
	ExecStatusSuccess = "Success"
	ExecStatusFailed  = "Failed"
)

// Config holds the executor connection settings.
type Config struct {
	BaseURL    string
	AuthToken  string
	WorkflowID string
	Timeout    time.Duration
}

// Client calls the executor's workflow API.
type Client struct {
	client     *resty.Client
	baseURL    string
	workflowID string
}

// NewClient creates an executor client.
func NewClient(cfg *Config) *Client {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.AuthToken)
	client.SetHeader("Content-Type", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	} else {
		client.SetTimeout(30 * time.Second)
	}

	return &Client{
		client:     client,
		baseURL:    cfg.BaseURL,
		workflowID: cfg.WorkflowID,
	}
}

// RunRequest carries the parameters for one asynchronous dispatch.
type RunRequest struct {
	Input         string
	CorrelationID string
	UserID        string
}

type runAPIRequest struct {
	WorkflowID string                 `json:"workflow_id"`
	Parameters map[string]interface{} `json:"parameters"`
	IsAsync    bool                   `json:"is_async"`
}

type runAPIResponse struct {
	Code      int    `json:"code"`
	Msg       string `json:"msg"`
	ExecuteID string `json:"execute_id"`
}

// Run dispatches an asynchronous workflow execution and returns the
// executor's execution token. The correlation ID rides along in the
// parameters so the executor can echo it back on the callback path.
func (c *Client) Run(ctx context.Context, req RunRequest) (string, error) {
	apiReq := runAPIRequest{
		WorkflowID: c.workflowID,
		Parameters: map[string]interface{}{
			"input":          req.Input,
			"correlation_id": req.CorrelationID,
			"user_id":        req.UserID,
		},
		IsAsync: true,
	}

	var apiResp runAPIResponse
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(apiReq).
		SetResult(&apiResp).
		SetError(&apiResp).
		Post(c.baseURL + "/v1/workflow/run")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	if httpResp.StatusCode() >= 400 && httpResp.StatusCode() < 500 {
		return "", fmt.Errorf("%w: HTTP %d: %s", ErrRejected, httpResp.StatusCode(), apiResp.Msg)
	}
	if httpResp.StatusCode() < 200 || httpResp.StatusCode() >= 300 {
		return "", fmt.Errorf("%w: HTTP %d", ErrUnreachable, httpResp.StatusCode())
	}
	if apiResp.Code != 0 {
		return "", fmt.Errorf("%w: code %d: %s", ErrRejected, apiResp.Code, apiResp.Msg)
	}
	if apiResp.ExecuteID == "" {
		return "", fmt.Errorf("%w: empty execute_id in response", ErrRejected)
	}

	return apiResp.ExecuteID, nil
}

// Execution is one run-history record.
type Execution struct {
	ExecuteStatus string `json:"execute_status"`
	Output        string `json:"output"`
	ErrorMessage  string `json:"error_message"`
	CreateTime    int64  `json:"create_time"`
	UpdateTime    int64  `json:"update_time"`
}

type historyAPIResponse struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data []Execution `json:"data"`
}

// RunHistory queries the execution records for one dispatched run. An empty
// list means the run has not produced a record yet and should be treated as
// still in progress.
func (c *Client) RunHistory(ctx context.Context, executeID string) ([]Execution, error) {
	var apiResp historyAPIResponse
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetResult(&apiResp).
		Get(fmt.Sprintf("%s/v1/workflows/%s/run_histories/%s", c.baseURL, c.workflowID, executeID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	if httpResp.StatusCode() < 200 || httpResp.StatusCode() >= 300 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnreachable, httpResp.StatusCode())
	}
	if apiResp.Code != 0 {
		return nil, fmt.Errorf("history query failed: code %d: %s", apiResp.Code, apiResp.Msg)
	}

	return apiResp.Data, nil
}
