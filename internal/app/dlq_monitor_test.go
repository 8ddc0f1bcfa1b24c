package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listflow/dirsubmit/internal/domain"
)

type dlqStub struct {
	depth    int64
	depthErr error
	peeked   []domain.QueueMessage
	peekErr  error
}

func (s *dlqStub) Depth(_ context.Context) (int64, error) {
	return s.depth, s.depthErr
}

func (s *dlqStub) Peek(_ context.Context, max int) ([]domain.QueueMessage, error) {
	if s.peekErr != nil {
		return nil, s.peekErr
	}
	if len(s.peeked) > max {
		return s.peeked[:max], nil
	}
	return s.peeked, nil
}

type alertStub struct {
	mu    sync.Mutex
	sent  []map[string]any
	fail  bool
	subjs []string
}

func (s *alertStub) Send(_ context.Context, subject string, body map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("webhook down")
	}
	s.subjs = append(s.subjs, subject)
	s.sent = append(s.sent, body)
	return nil
}

func TestDLQCheck_AlertsAboveThreshold(t *testing.T) {
	t.Parallel()
	dlq := &dlqStub{depth: 5, peeked: []domain.QueueMessage{
		{ID: "m-1", Body: []byte(`{"job_id":"J1","_dlq_reason":"exceeded_retry_limit_4"}`)},
	}}
	alerts := &alertStub{}
	m := NewDLQMonitor(dlq, alerts, time.Minute, 1)

	m.check(context.Background())

	require.Len(t, alerts.sent, 1)
	body := alerts.sent[0]
	assert.EqualValues(t, 5, body["depth"])
	sample, _ := body["sample"].([]map[string]any)
	require.Len(t, sample, 1)
	assert.Equal(t, "m-1", sample[0]["message_id"])
}

func TestDLQCheck_DoesNotRepeatAlertForSameDepth(t *testing.T) {
	t.Parallel()
	dlq := &dlqStub{depth: 3}
	alerts := &alertStub{}
	m := NewDLQMonitor(dlq, alerts, time.Minute, 1)

	m.check(context.Background())
	m.check(context.Background())
	assert.Len(t, alerts.sent, 1, "same depth alerts once")

	dlq.depth = 7
	m.check(context.Background())
	assert.Len(t, alerts.sent, 2, "growth re-alerts")
}

func TestDLQCheck_ResetsWhenDepthFallsBelowThreshold(t *testing.T) {
	t.Parallel()
	dlq := &dlqStub{depth: 3}
	alerts := &alertStub{}
	m := NewDLQMonitor(dlq, alerts, time.Minute, 2)

	m.check(context.Background())
	require.Len(t, alerts.sent, 1)

	dlq.depth = 0
	m.check(context.Background())

	dlq.depth = 3
	m.check(context.Background())
	assert.Len(t, alerts.sent, 2, "after a reset the same depth alerts again")
}

func TestDLQCheck_BelowThresholdIsQuiet(t *testing.T) {
	t.Parallel()
	dlq := &dlqStub{depth: 1}
	alerts := &alertStub{}
	m := NewDLQMonitor(dlq, alerts, time.Minute, 2)
	m.check(context.Background())
	assert.Empty(t, alerts.sent)
}

func TestDLQCheck_FailedDeliveryRetriesNextTick(t *testing.T) {
	t.Parallel()
	dlq := &dlqStub{depth: 4}
	alerts := &alertStub{fail: true}
	m := NewDLQMonitor(dlq, alerts, time.Minute, 1)

	m.check(context.Background())
	alerts.fail = false
	m.check(context.Background())
	require.Len(t, alerts.sent, 1, "delivery failure must not mark the depth as alerted")
}

func TestDLQCheck_PeekFailureStillAlerts(t *testing.T) {
	t.Parallel()
	dlq := &dlqStub{depth: 2, peekErr: errors.New("broker busy")}
	alerts := &alertStub{}
	m := NewDLQMonitor(dlq, alerts, time.Minute, 1)
	m.check(context.Background())
	require.Len(t, alerts.sent, 1)
	assert.Nil(t, alerts.sent[0]["sample"])
}
