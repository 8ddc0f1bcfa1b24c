// Package alert delivers operator alerts over a generic JSON webhook
// (Slack-compatible payload shape).
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookSink posts alerts to a configured webhook URL. An empty URL
// yields a sink that only logs, so callers never need a nil check.
type WebhookSink struct {
	http *resty.Client
	url  string
}

// NewWebhookSink constructs a sink for url; empty means log-only.
func NewWebhookSink(url string) *WebhookSink {
	c := resty.New()
	c.SetTimeout(10 * time.Second)
	c.SetRetryCount(2)
	c.SetRetryWaitTime(1 * time.Second)
	return &WebhookSink{http: c, url: url}
}

// Send posts the alert. The body map is attached verbatim under
// "details" next to a human-readable "text" line.
func (s *WebhookSink) Send(ctx context.Context, subject string, body map[string]any) error {
	if s.url == "" {
		slog.Warn("alert (no webhook configured)",
			slog.String("subject", subject),
			slog.Any("details", body))
		return nil
	}
	payload := map[string]any{
		"text":    subject,
		"details": body,
	}
	resp, err := s.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("op=alert.send: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("op=alert.send: webhook status %d", resp.StatusCode())
	}
	slog.Info("alert delivered", slog.String("subject", subject))
	return nil
}
