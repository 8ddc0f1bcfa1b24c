package redpanda

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/listflow/dirsubmit/internal/domain"
)

// DLQReader implements the read side of the dead-letter queue for the DLQ
// monitor: approximate depth and non-consuming peeks.
type DLQReader struct {
	brokers []string
	topic   string
	admin   *kadm.Client
	client  *kgo.Client
}

// NewDLQReader constructs a reader over the DLQ topic.
func NewDLQReader(brokers []string, topic string) (*DLQReader, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=dlq.new: no seed brokers provided")
	}
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("op=dlq.new: %w", err)
	}
	return &DLQReader{
		brokers: brokers,
		topic:   topic,
		admin:   kadm.NewClient(client),
		client:  client,
	}, nil
}

// Depth returns the approximate number of messages on the DLQ topic
// (visible plus in-flight: nothing on the DLQ is ever consumed by the
// monitor, so end minus start offsets is the whole story).
func (r *DLQReader) Depth(ctx context.Context) (int64, error) {
	starts, err := r.admin.ListStartOffsets(ctx, r.topic)
	if err != nil {
		return 0, fmt.Errorf("op=dlq.depth: start offsets: %w", err)
	}
	ends, err := r.admin.ListEndOffsets(ctx, r.topic)
	if err != nil {
		return 0, fmt.Errorf("op=dlq.depth: end offsets: %w", err)
	}
	var depth int64
	ends.Each(func(end kadm.ListedOffset) {
		start, ok := starts.Lookup(end.Topic, end.Partition)
		if !ok {
			depth += end.Offset
			return
		}
		depth += end.Offset - start.Offset
	})
	return depth, nil
}

// Peek reads up to max messages from the start of the DLQ topic without
// consuming them (no group, no commits).
func (r *DLQReader) Peek(ctx context.Context, max int) ([]domain.QueueMessage, error) {
	peeker, err := kgo.NewClient(
		kgo.SeedBrokers(r.brokers...),
		kgo.ConsumeTopics(r.topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.peek: %w", err)
	}
	defer peeker.Close()

	pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	fetches := peeker.PollRecords(pollCtx, max)
	for _, fe := range fetches.Errors() {
		if fe.Err == context.DeadlineExceeded || fe.Err == context.Canceled {
			continue
		}
		return nil, fmt.Errorf("op=dlq.peek: topic %s partition %d: %w", fe.Topic, fe.Partition, fe.Err)
	}
	var out []domain.QueueMessage
	fetches.EachRecord(func(rec *kgo.Record) {
		if len(out) >= max {
			return
		}
		out = append(out, domain.QueueMessage{
			ID:   header(rec, headerMessageID),
			Body: rec.Value,
		})
	})
	return out, nil
}

// Close releases the underlying client.
func (r *DLQReader) Close() {
	if r.client != nil {
		r.client.Close()
	}
}
