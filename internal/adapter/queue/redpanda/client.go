// Package redpanda provides the Redpanda/Kafka transport for submission
// jobs: a producer for enqueue/requeue/DLQ writes and a single-consumer
// receive loop.
//
// The rest of the pipeline works with SQS-style delivery semantics
// (visibility timeout, receive count, delete). The mapping onto Kafka
// used here: "delete" marks
// the record's offset for commit; "do not delete" re-publishes the message
// with its receive_count header incremented and then commits the consumed
// offset, so the redelivered copy carries the bookkeeping forward. A
// message whose receive count exceeds the DLQ threshold is copied to the
// DLQ topic exactly once and committed on the main topic.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/listflow/dirsubmit/internal/domain"
)

const (
	headerMessageID    = "message_id"
	headerReceiveCount = "receive_count"
	headerJobID        = "job_id"
)

// Client implements domain.Queue over a pair of kgo clients: a plain
// producer and, when constructed for consuming, a consumer-group session.
type Client struct {
	producer *kgo.Client
	consumer *kgo.Client

	queueTopic string
	dlqTopic   string

	mu      sync.Mutex
	pending map[string]*kgo.Record
}

// NewClient constructs a producing and consuming client. The consumer
// joins groupID on queueTopic; offsets are committed only for records
// explicitly marked via Delete.
func NewClient(brokers []string, queueTopic, dlqTopic, groupID string) (*Client, error) {
	c, err := newProducer(brokers, queueTopic, dlqTopic)
	if err != nil {
		return nil, err
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=queue.new: missing required group ID")
	}
	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(queueTopic),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1*time.Second),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.FetchMaxBytes(10*1024*1024),
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("op=queue.new: consumer client: %w", err)
	}
	c.consumer = consumer
	slog.Info("queue client created",
		slog.String("topic", queueTopic),
		slog.String("dlq_topic", dlqTopic),
		slog.String("group_id", groupID))
	return c, nil
}

// NewProducerClient constructs a write-only client for processes that only
// enqueue (the API server, the stale-job monitor).
func NewProducerClient(brokers []string, queueTopic, dlqTopic string) (*Client, error) {
	return newProducer(brokers, queueTopic, dlqTopic)
}

func newProducer(brokers []string, queueTopic, dlqTopic string) (*Client, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.new: no seed brokers provided")
	}
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.new: producer client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, topic := range []string{queueTopic, dlqTopic} {
		if err := createTopicIfNotExists(ctx, producer, topic, 1, 1); err != nil {
			slog.Warn("failed to create topic, it may already exist",
				slog.String("topic", topic), slog.Any("error", err))
		}
	}
	return &Client{
		producer:   producer,
		queueTopic: queueTopic,
		dlqTopic:   dlqTopic,
		pending:    make(map[string]*kgo.Record),
	}, nil
}

// Enqueue publishes a job message to the main topic and returns its
// message id.
func (c *Client) Enqueue(ctx context.Context, msg domain.JobMessage) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: marshal: %w", err)
	}
	id := newMessageID()
	rec := &kgo.Record{
		Topic: c.queueTopic,
		Key:   []byte(msg.JobID),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: headerMessageID, Value: []byte(id)},
			{Key: headerReceiveCount, Value: []byte("0")},
			{Key: headerJobID, Value: []byte(msg.JobID)},
		},
	}
	if err := c.produce(ctx, rec); err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	slog.Info("job message enqueued",
		slog.String("message_id", id),
		slog.String("job_id", msg.JobID),
		slog.String("topic", c.queueTopic))
	return id, nil
}

// Receive polls the main topic for up to max messages, waiting at most
// wait. Records stay pending until Delete acknowledges them.
func (c *Client) Receive(ctx context.Context, max int, wait time.Duration) ([]domain.QueueMessage, error) {
	if c.consumer == nil {
		return nil, fmt.Errorf("op=queue.receive: client is producer-only")
	}
	pollCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	fetches := c.consumer.PollRecords(pollCtx, max)
	if fetches.IsClientClosed() {
		return nil, fmt.Errorf("op=queue.receive: %w", domain.ErrQueueUnavailable)
	}
	for _, fe := range fetches.Errors() {
		if fe.Err == context.DeadlineExceeded || fe.Err == context.Canceled {
			continue
		}
		return nil, fmt.Errorf("op=queue.receive: topic %s partition %d: %w", fe.Topic, fe.Partition, fe.Err)
	}
	var out []domain.QueueMessage
	fetches.EachRecord(func(rec *kgo.Record) {
		msg := domain.QueueMessage{
			ID:           header(rec, headerMessageID),
			Body:         rec.Value,
			ReceiveCount: receiveCount(rec) + 1,
		}
		if msg.ID == "" {
			msg.ID = newMessageID()
		}
		c.mu.Lock()
		c.pending[msg.ID] = rec
		c.mu.Unlock()
		out = append(out, msg)
	})
	return out, nil
}

// Delete acknowledges a received message by marking its offset for commit.
func (c *Client) Delete(_ context.Context, msg domain.QueueMessage) error {
	c.mu.Lock()
	rec, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("op=queue.delete: unknown message %s", msg.ID)
	}
	c.consumer.MarkCommitRecords(rec)
	return nil
}

// Requeue re-publishes a received message with its receive count carried
// forward, standing in for visibility-timeout redelivery.
func (c *Client) Requeue(ctx context.Context, msg domain.QueueMessage) error {
	rec := &kgo.Record{
		Topic: c.queueTopic,
		Value: msg.Body,
		Headers: []kgo.RecordHeader{
			{Key: headerMessageID, Value: []byte(msg.ID)},
			{Key: headerReceiveCount, Value: []byte(strconv.Itoa(msg.ReceiveCount))},
		},
	}
	if err := c.produce(ctx, rec); err != nil {
		return fmt.Errorf("op=queue.requeue: %w", err)
	}
	slog.Info("message requeued",
		slog.String("message_id", msg.ID),
		slog.Int("receive_count", msg.ReceiveCount))
	return nil
}

// SendToDLQ copies a message to the dead-letter topic annotated with the
// failure reason and the original message id.
func (c *Client) SendToDLQ(ctx context.Context, msg domain.QueueMessage, reason string) error {
	annotated := annotateDLQBody(msg.Body, reason, msg.ID)
	rec := &kgo.Record{
		Topic: c.dlqTopic,
		Value: annotated,
		Headers: []kgo.RecordHeader{
			{Key: headerMessageID, Value: []byte(newMessageID())},
			{Key: "_original_message_id", Value: []byte(msg.ID)},
			{Key: "_dlq_reason", Value: []byte(reason)},
		},
	}
	if err := c.produce(ctx, rec); err != nil {
		return fmt.Errorf("op=queue.dlq: %w", err)
	}
	slog.Warn("message moved to DLQ",
		slog.String("message_id", msg.ID),
		slog.String("reason", reason),
		slog.Int("receive_count", msg.ReceiveCount))
	return nil
}

// Close closes the underlying kgo clients.
func (c *Client) Close() {
	if c.producer != nil {
		c.producer.Close()
	}
	if c.consumer != nil {
		c.consumer.Close()
	}
}

func (c *Client) produce(ctx context.Context, rec *kgo.Record) error {
	res := c.producer.ProduceSync(ctx, rec)
	return res.FirstErr()
}

// annotateDLQBody merges the DLQ annotations into the JSON body. A body
// that does not parse as a JSON object is preserved verbatim under
// _raw_body so nothing is lost.
func annotateDLQBody(body []byte, reason, originalID string) []byte {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil || m == nil {
		m = map[string]any{"_raw_body": string(body)}
	}
	m["_dlq_reason"] = reason
	m["_original_message_id"] = originalID
	out, err := json.Marshal(m)
	if err != nil {
		return body
	}
	return out
}

func header(rec *kgo.Record, key string) string {
	for _, h := range rec.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func receiveCount(rec *kgo.Record) int {
	v := header(rec, headerReceiveCount)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func newMessageID() string {
	return ulid.Make().String()
}
