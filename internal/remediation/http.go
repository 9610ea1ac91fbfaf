package remediation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type syncRequest struct {
	Target string `json:"target"`
}

// HTTPAction asks a deployment webhook (an Argo CD sync hook or similar) to
// converge target. Any non-2xx answer is a failed attempt. There are no
// client-side retries: the problem lock already throttles them.
type HTTPAction struct {
	client *resty.Client
	logger *zap.Logger
	url    string
}

// NewHTTPAction builds an action posting to url.
func NewHTTPAction(url string, logger *zap.Logger) *HTTPAction {
	client := resty.New().
		SetTimeout(2*time.Minute).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &HTTPAction{client: client, logger: logger, url: url}
}

// Attempt posts {"target": target} and waits for the webhook's answer.
func (a *HTTPAction) Attempt(ctx context.Context, target string) error {
	a.logger.Info("calling remediation webhook",
		zap.String("url", a.url),
		zap.String("target", target),
	)

	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(syncRequest{Target: target}).
		Post(a.url)
	if err != nil {
		return fmt.Errorf("remediation request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("remediation webhook returned %d: %s",
			resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}
