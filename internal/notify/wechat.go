// Package notify delivers the one user-facing push notification a job gets
// when it reaches a terminal state, via the WeChat subscribe-message API.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shuwen-lab/cliptext/internal/domain"
	"github.com/shuwen-lab/cliptext/internal/logger"
)

const jobKindLabel = "视频文案提取"

// Config holds the WeChat credentials and message templates.
type Config struct {
	AppID             string
	AppSecret         string
	BaseURL           string
	SuccessTemplateID string
	FailureTemplateID string
	Page              string
	MiniprogramState  string // developer | trial | formal
	RetryCount        int
}

// WechatNotifier sends subscribe messages. Access tokens are cached until
// shortly before expiry.
type WechatNotifier struct {
	client *resty.Client
	cfg    Config
	log    *logger.Logger

	backoff time.Duration

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewWechatNotifier creates a notifier.
func NewWechatNotifier(cfg Config, log *logger.Logger) *WechatNotifier {
	client := resty.New()
	client.SetTimeout(10 * time.Second)

	return &WechatNotifier{
		client:  client,
		cfg:     cfg,
		log:     log.WithField(logger.FieldComponent, "notify"),
		backoff: 500 * time.Millisecond,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
}

// accessToken returns a cached token or fetches a fresh one. Tokens are
// refreshed 60 seconds before their announced expiry.
func (n *WechatNotifier) accessToken(ctx context.Context) (string, error) {
	n.tokenMu.Lock()
	defer n.tokenMu.Unlock()

	if n.token != "" && time.Now().Before(n.tokenExpiry) {
		return n.token, nil
	}

	var resp tokenResponse
	httpResp, err := n.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"grant_type": "client_credential",
			"appid":      n.cfg.AppID,
			"secret":     n.cfg.AppSecret,
		}).
		SetResult(&resp).
		Get(n.cfg.BaseURL + "/cgi-bin/token")
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	if httpResp.StatusCode() != 200 || resp.ErrCode != 0 || resp.AccessToken == "" {
		return "", fmt.Errorf("token request rejected: HTTP %d errcode %d: %s", httpResp.StatusCode(), resp.ErrCode, resp.ErrMsg)
	}

	n.token = resp.AccessToken
	n.tokenExpiry = time.Now().Add(time.Duration(resp.ExpiresIn-60) * time.Second)
	return n.token, nil
}

type templateValue struct {
	Value string `json:"value"`
}

type sendRequest struct {
	ToUser           string                   `json:"touser"`
	TemplateID       string                   `json:"template_id"`
	Page             string                   `json:"page"`
	MiniprogramState string                   `json:"miniprogram_state"`
	Data             map[string]templateValue `json:"data"`
}

type sendResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// NotifyTerminal sends the templated message for a terminal job. Delivery is
// retried a bounded number of times with a linear backoff; exhaustion is
// reported to the caller, which logs and drops it.
func (n *WechatNotifier) NotifyTerminal(ctx context.Context, job *domain.Job) error {
	templateID := n.cfg.FailureTemplateID
	outcome := "处理失败"
	if job.Status == domain.JobStatusCompleted {
		templateID = n.cfg.SuccessTemplateID
		outcome = "处理成功"
	}

	completedAt := time.Now()
	if job.CompletedAt != nil {
		completedAt = *job.CompletedAt
	}

	req := sendRequest{
		ToUser:           job.OwnerID,
		TemplateID:       templateID,
		Page:             fmt.Sprintf("%s?jobId=%s", n.cfg.Page, job.ID),
		MiniprogramState: n.cfg.MiniprogramState,
		Data: map[string]templateValue{
			"thing1": {Value: jobKindLabel},
			"time2":  {Value: completedAt.Format("2006-01-02 15:04")},
			"thing3": {Value: outcome},
		},
	}

	attempts := n.cfg.RetryCount
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = n.send(ctx, req)
		if lastErr == nil {
			return nil
		}
		n.log.WithFields(logger.Fields{
			logger.FieldJobID:   job.ID,
			logger.FieldAttempt: attempt,
		}).WithError(lastErr).Warn("subscribe message send failed")

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * n.backoff):
			}
		}
	}
	return fmt.Errorf("subscribe message not delivered after %d attempts: %w", attempts, lastErr)
}

func (n *WechatNotifier) send(ctx context.Context, req sendRequest) error {
	token, err := n.accessToken(ctx)
	if err != nil {
		return err
	}

	var resp sendResponse
	httpResp, err := n.client.R().
		SetContext(ctx).
		SetQueryParam("access_token", token).
		SetBody(req).
		SetResult(&resp).
		Post(n.cfg.BaseURL + "/cgi-bin/message/subscribe/send")
	if err != nil {
		return fmt.Errorf("send request failed: %w", err)
	}
	if httpResp.StatusCode() != 200 {
		return fmt.Errorf("send rejected: HTTP %d", httpResp.StatusCode())
	}
	if resp.ErrCode != 0 {
		// An expired token is retryable with a fresh one.
		if resp.ErrCode == 40001 || resp.ErrCode == 42001 {
			n.tokenMu.Lock()
			n.token = ""
			n.tokenMu.Unlock()
		}
		return fmt.Errorf("send rejected: errcode %d: %s", resp.ErrCode, resp.ErrMsg)
	}
	return nil
}
