package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listflow/dirsubmit/internal/domain"
)

// fakeQueue records queue interactions for subscriber tests.
type fakeQueue struct {
	receiveMsgs []domain.QueueMessage
	receiveErr  error

	enqueued []domain.JobMessage
	requeued []domain.QueueMessage
	deleted  []domain.QueueMessage
	dlq      []struct {
		Msg    domain.QueueMessage
		Reason string
	}
	dlqErr error
}

func (f *fakeQueue) Enqueue(_ context.Context, msg domain.JobMessage) (string, error) {
	f.enqueued = append(f.enqueued, msg)
	return "m-1", nil
}

func (f *fakeQueue) Receive(_ context.Context, _ int, _ time.Duration) ([]domain.QueueMessage, error) {
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	msgs := f.receiveMsgs
	f.receiveMsgs = nil
	return msgs, nil
}

func (f *fakeQueue) Delete(_ context.Context, msg domain.QueueMessage) error {
	f.deleted = append(f.deleted, msg)
	return nil
}

func (f *fakeQueue) Requeue(_ context.Context, msg domain.QueueMessage) error {
	f.requeued = append(f.requeued, msg)
	return nil
}

func (f *fakeQueue) SendToDLQ(_ context.Context, msg domain.QueueMessage, reason string) error {
	if f.dlqErr != nil {
		return f.dlqErr
	}
	f.dlq = append(f.dlq, struct {
		Msg    domain.QueueMessage
		Reason string
	}{msg, reason})
	return nil
}

type fakeDispatcher struct {
	dispatched []domain.JobMessage
	err        error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, msg domain.JobMessage) error {
	if f.err != nil {
		return f.err
	}
	f.dispatched = append(f.dispatched, msg)
	return nil
}

func validBody(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"job_id":       "J1",
		"customer_id":  "C1",
		"package_size": 2,
		"priority":     "pro",
	})
	require.NoError(t, err)
	return b
}

func TestProcessMessage_DispatchAndDelete(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	d := &fakeDispatcher{}
	s := NewSubscriber(q, d, SubscriberConfig{})

	msg := domain.QueueMessage{ID: "m-1", Body: validBody(t), ReceiveCount: 1}
	require.NoError(t, s.processMessage(context.Background(), msg))

	require.Len(t, d.dispatched, 1)
	assert.Equal(t, "J1", d.dispatched[0].JobID)
	assert.Equal(t, 2, d.dispatched[0].PackageSize)
	assert.Equal(t, "pro", d.dispatched[0].Priority)
	require.Len(t, q.deleted, 1)
	assert.Empty(t, q.dlq)
	assert.Empty(t, q.requeued)
}

func TestProcessMessage_DLQWhenReceiveCountExhausted(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	d := &fakeDispatcher{}
	s := NewSubscriber(q, d, SubscriberConfig{DLQRetryThreshold: 3})

	// Fourth receipt of a message with threshold 3: straight to the DLQ,
	// exactly once, and gone from the main queue.
	msg := domain.QueueMessage{ID: "m-1", Body: []byte("{not json"), ReceiveCount: 4}
	require.NoError(t, s.processMessage(context.Background(), msg))

	require.Len(t, q.dlq, 1)
	assert.Equal(t, "exceeded_retry_limit_4", q.dlq[0].Reason)
	require.Len(t, q.deleted, 1)
	assert.Empty(t, d.dispatched, "exhausted messages are never dispatched")
}

func TestProcessMessage_MalformedBodyRedelivers(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	d := &fakeDispatcher{}
	s := NewSubscriber(q, d, SubscriberConfig{})

	msg := domain.QueueMessage{ID: "m-1", Body: []byte("{not json"), ReceiveCount: 1}
	require.NoError(t, s.processMessage(context.Background(), msg))

	require.Len(t, q.requeued, 1, "malformed messages cycle back until the DLQ threshold catches them")
	assert.Equal(t, "m-1", q.requeued[0].ID)
	require.Len(t, q.deleted, 1)
	assert.Empty(t, d.dispatched)
	assert.Empty(t, q.dlq)
}

func TestProcessMessage_MissingRequiredFieldsRedelivers(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	d := &fakeDispatcher{}
	s := NewSubscriber(q, d, SubscriberConfig{})

	body, _ := json.Marshal(map[string]any{"customer_id": "C1"})
	msg := domain.QueueMessage{ID: "m-1", Body: body, ReceiveCount: 2}
	require.NoError(t, s.processMessage(context.Background(), msg))
	require.Len(t, q.requeued, 1)
	assert.Empty(t, d.dispatched)
}

func TestProcessMessage_DispatchFailureRedelivers(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	d := &fakeDispatcher{err: errors.New("runner shutting down")}
	s := NewSubscriber(q, d, SubscriberConfig{})

	msg := domain.QueueMessage{ID: "m-1", Body: validBody(t), ReceiveCount: 1}
	err := s.processMessage(context.Background(), msg)
	require.Error(t, err)
	require.Len(t, q.requeued, 1)
	require.Len(t, q.deleted, 1)
}

func TestParseJobMessage_Normalization(t *testing.T) {
	t.Parallel()
	s := NewSubscriber(&fakeQueue{}, &fakeDispatcher{}, SubscriberConfig{})

	// Absent package_size defaults to 50; invalid priority falls back to
	// starter with a warning.
	body, _ := json.Marshal(map[string]any{
		"job_id":      "J1",
		"customer_id": "C1",
		"priority":    "platinum",
	})
	jm, warnings, err := s.parseJobMessage(body)
	require.NoError(t, err)
	assert.Equal(t, 50, jm.PackageSize)
	assert.Equal(t, string(domain.PriorityStarter), jm.Priority)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "platinum")

	// Explicit zero is accepted (yields an empty job downstream).
	body, _ = json.Marshal(map[string]any{
		"job_id":       "J1",
		"customer_id":  "C1",
		"package_size": 0,
	})
	jm, warnings, err = s.parseJobMessage(body)
	require.NoError(t, err)
	assert.Equal(t, 0, jm.PackageSize)
	assert.Empty(t, warnings)

	// Negative is invalid and defaults to 50.
	body, _ = json.Marshal(map[string]any{
		"job_id":       "J1",
		"customer_id":  "C1",
		"package_size": -3,
	})
	jm, warnings, err = s.parseJobMessage(body)
	require.NoError(t, err)
	assert.Equal(t, 50, jm.PackageSize)
	require.Len(t, warnings, 1)
}

func TestRun_CircuitBreakerExitsLoop(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{receiveErr: fmt.Errorf("broker down")}
	s := NewSubscriber(q, &fakeDispatcher{}, SubscriberConfig{
		MaxConsecErrors: 2,
		ErrorPause:      time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	s := NewSubscriber(q, &fakeDispatcher{}, SubscriberConfig{ErrorPause: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAnnotateDLQBody(t *testing.T) {
	t.Parallel()
	out := annotateDLQBody([]byte(`{"job_id":"J1"}`), "exceeded_retry_limit_4", "m-1")
	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "J1", m["job_id"])
	assert.Equal(t, "exceeded_retry_limit_4", m["_dlq_reason"])
	assert.Equal(t, "m-1", m["_original_message_id"])

	// Non-JSON bodies survive under _raw_body.
	out = annotateDLQBody([]byte("garbage"), "r", "m-2")
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "garbage", m["_raw_body"])
}
