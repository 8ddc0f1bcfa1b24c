package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/listflow/dirsubmit/internal/adapter/observability"
	"github.com/listflow/dirsubmit/internal/domain"
)

// dlqSampleSize bounds how many messages an alert carries.
const dlqSampleSize = 10

// DLQMonitor watches the dead-letter queue depth and alerts when it
// grows. It never consumes from the DLQ; draining is an operator action.
type DLQMonitor struct {
	dlq      domain.DeadLetterQueue
	alerts   domain.AlertSink
	interval time.Duration
	// threshold is the minimum depth worth alerting on.
	threshold int64

	// lastAlerted suppresses repeat alerts for a depth already reported;
	// it resets once the depth falls back under the threshold.
	lastAlerted int64
}

// NewDLQMonitor constructs a monitor. Non-positive interval defaults to
// 300s, non-positive threshold to 1.
func NewDLQMonitor(dlq domain.DeadLetterQueue, alerts domain.AlertSink, interval time.Duration, threshold int64) *DLQMonitor {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	if threshold <= 0 {
		threshold = 1
	}
	return &DLQMonitor{
		dlq:       dlq,
		alerts:    alerts,
		interval:  interval,
		threshold: threshold,
	}
}

// Run ticks until ctx is cancelled. The first check happens immediately.
func (m *DLQMonitor) Run(ctx context.Context) {
	slog.Info("dlq monitor started",
		slog.Duration("interval", m.interval),
		slog.Int64("alert_threshold", m.threshold))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.check(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("dlq monitor stopping")
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *DLQMonitor) check(ctx context.Context) {
	depth, err := m.dlq.Depth(ctx)
	if err != nil {
		slog.Error("dlq depth check failed", slog.Any("error", err))
		return
	}
	observability.DLQDepth.Set(float64(depth))

	if depth < m.threshold {
		if m.lastAlerted != 0 {
			slog.Info("dlq depth back under threshold", slog.Int64("depth", depth))
		}
		m.lastAlerted = 0
		return
	}
	if depth <= m.lastAlerted {
		return
	}

	sample := m.peekSample(ctx)
	body := map[string]any{
		"depth":     depth,
		"threshold": m.threshold,
		"sample":    sample,
		"time":      time.Now().UTC().Format(time.RFC3339),
	}
	subject := "Dead-letter queue has messages requiring attention"
	if err := m.alerts.Send(ctx, subject, body); err != nil {
		slog.Error("dlq alert delivery failed",
			slog.Int64("depth", depth),
			slog.Any("error", err))
		// Not remembered: the next tick re-alerts at this depth.
		return
	}
	m.lastAlerted = depth
	slog.Warn("dlq alert sent", slog.Int64("depth", depth))
}

func (m *DLQMonitor) peekSample(ctx context.Context) []map[string]any {
	msgs, err := m.dlq.Peek(ctx, dlqSampleSize)
	if err != nil {
		slog.Warn("dlq peek failed", slog.Any("error", err))
		return nil
	}
	sample := make([]map[string]any, 0, len(msgs))
	for _, msg := range msgs {
		body := string(msg.Body)
		if len(body) > 512 {
			body = body[:512] + "…"
		}
		sample = append(sample, map[string]any{
			"message_id": msg.ID,
			"body":       body,
		})
	}
	return sample
}
