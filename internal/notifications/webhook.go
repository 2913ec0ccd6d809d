package notifications

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/skillbridge/api/internal/platform/observability"
	"github.com/skillbridge/api/internal/services"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink posts notifications as JSON to an HTTP endpoint.
type WebhookSink struct {
	client *resty.Client
	url    string
}

// WebhookOptions configures the HTTP sink.
type WebhookOptions struct {
	URL string
	// AuthToken, when set, is sent as a bearer token.
	AuthToken  string
	Timeout    time.Duration
	RetryCount int
	Logger     *zap.Logger
}

// NewWebhookSink builds a resty client for the target URL.
func NewWebhookSink(opts WebhookOptions) (*WebhookSink, error) {
	target := strings.TrimSpace(opts.URL)
	if target == "" {
		return nil, errors.New("webhook notifications: url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultWebhookTimeout
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	}

	client := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetLogger(observability.NewRestyLogger(opts.Logger)).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() >= http.StatusInternalServerError
		})
	if token := strings.TrimSpace(opts.AuthToken); token != "" {
		client.SetAuthToken(token)
	}
	return &WebhookSink{client: client, url: target}, nil
}

// Name identifies the sink in logs.
func (s *WebhookSink) Name() string { return "webhook" }

// Send posts the event. Any non-2xx response is an error.
func (s *WebhookSink) Send(ctx context.Context, event services.Notification) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("X-Notification-Type", event.Type).
		SetBody(NewMessage(event)).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("webhook notifications: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook notifications: unexpected status %d", resp.StatusCode())
	}
	return nil
}
