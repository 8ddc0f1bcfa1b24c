package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"

	"github.com/listflow/dirsubmit/internal/adapter/observability"
	"github.com/listflow/dirsubmit/internal/domain"
)

// FlowDispatcher starts a job flow for a validated message. Dispatch must
// return promptly: the flow itself runs in the background and the
// subscriber never awaits its completion.
type FlowDispatcher interface {
	Dispatch(ctx context.Context, msg domain.JobMessage) error
}

// SubscriberConfig carries the tunables of the receive loop.
type SubscriberConfig struct {
	BatchSize         int
	WaitTime          time.Duration
	DLQRetryThreshold int
	MaxConsecErrors   int
	// ErrorPause throttles the loop after a failed poll so a hard-down
	// broker does not spin it.
	ErrorPause time.Duration
}

// Subscriber is the single consumer of the main topic within a process.
// Parallelism comes from the downstream flow executor, never from
// receiving more messages concurrently; horizontal scaling is achieved by
// running more subscriber processes.
type Subscriber struct {
	queue      domain.Queue
	dispatcher FlowDispatcher
	cfg        SubscriberConfig
	breaker    *gobreaker.CircuitBreaker
	validate   *validator.Validate
}

// NewSubscriber constructs a Subscriber. Zero config fields get the
// documented defaults (batch 5, wait 20s, DLQ threshold 3, max errors 10).
func NewSubscriber(queue domain.Queue, dispatcher FlowDispatcher, cfg SubscriberConfig) *Subscriber {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = 20 * time.Second
	}
	if cfg.DLQRetryThreshold <= 0 {
		cfg.DLQRetryThreshold = 3
	}
	if cfg.MaxConsecErrors <= 0 {
		cfg.MaxConsecErrors = 10
	}
	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = 2 * time.Second
	}
	maxErrors := uint32(cfg.MaxConsecErrors)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "queue-subscriber",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxErrors
		},
	})
	return &Subscriber{
		queue:      queue,
		dispatcher: dispatcher,
		cfg:        cfg,
		breaker:    breaker,
		validate:   validator.New(),
	}
}

// Run executes the long-polling loop until the context is cancelled or the
// circuit breaker trips on consecutive errors. A tripped breaker means the
// process should be restarted by the supervisor.
func (s *Subscriber) Run(ctx context.Context) error {
	slog.Info("queue subscriber started",
		slog.Int("batch_size", s.cfg.BatchSize),
		slog.Duration("wait", s.cfg.WaitTime),
		slog.Int("dlq_retry_threshold", s.cfg.DLQRetryThreshold),
		slog.Int("max_consecutive_errors", s.cfg.MaxConsecErrors))

	for {
		select {
		case <-ctx.Done():
			slog.Info("queue subscriber stopping", slog.Any("reason", ctx.Err()))
			return ctx.Err()
		default:
		}

		_, err := s.breaker.Execute(func() (any, error) {
			return nil, s.pollOnce(ctx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) {
			slog.Error("consecutive error threshold reached, subscriber exiting")
			return fmt.Errorf("op=subscriber.run: circuit breaker open after %d consecutive errors", s.cfg.MaxConsecErrors)
		}
		if err != nil {
			slog.Error("subscriber poll failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.ErrorPause):
			}
		}
	}
}

func (s *Subscriber) pollOnce(ctx context.Context) error {
	tracer := otel.Tracer("queue.subscriber")
	ctx, span := tracer.Start(ctx, "Subscriber.pollOnce")
	defer span.End()

	msgs, err := s.queue.Receive(ctx, s.cfg.BatchSize, s.cfg.WaitTime)
	if err != nil {
		return fmt.Errorf("op=subscriber.poll: %w", err)
	}
	for _, m := range msgs {
		if err := s.processMessage(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// processMessage routes one received message: DLQ when the receive count
// is exhausted, requeue for malformed bodies, otherwise dispatch and
// delete. Dispatch failure leaves the message to redeliver.
func (s *Subscriber) processMessage(ctx context.Context, m domain.QueueMessage) error {
	if m.ReceiveCount > s.cfg.DLQRetryThreshold {
		reason := fmt.Sprintf("exceeded_retry_limit_%d", m.ReceiveCount)
		if err := s.queue.SendToDLQ(ctx, m, reason); err != nil {
			return fmt.Errorf("op=subscriber.process: dlq send: %w", err)
		}
		if err := s.queue.Delete(ctx, m); err != nil {
			return fmt.Errorf("op=subscriber.process: delete after dlq: %w", err)
		}
		observability.MessagesConsumedTotal.WithLabelValues("dlq").Inc()
		return nil
	}

	jm, warnings, err := s.parseJobMessage(m.Body)
	if err != nil {
		slog.Warn("invalid job message, leaving for redelivery",
			slog.String("message_id", m.ID),
			slog.Int("receive_count", m.ReceiveCount),
			slog.Any("error", err))
		observability.MessagesConsumedTotal.WithLabelValues("invalid").Inc()
		return s.redeliver(ctx, m)
	}
	for _, w := range warnings {
		slog.Warn("job message normalized",
			slog.String("message_id", m.ID),
			slog.String("job_id", jm.JobID),
			slog.String("warning", w))
	}

	// Fire-and-forget: the flow runs in the background; the visibility
	// contract is satisfied by deleting only after a successful dispatch.
	if err := s.dispatcher.Dispatch(ctx, jm); err != nil {
		slog.Error("flow dispatch failed, leaving for redelivery",
			slog.String("message_id", m.ID),
			slog.String("job_id", jm.JobID),
			slog.Any("error", err))
		observability.MessagesConsumedTotal.WithLabelValues("requeued").Inc()
		if rErr := s.redeliver(ctx, m); rErr != nil {
			return rErr
		}
		return fmt.Errorf("op=subscriber.process: dispatch: %w", err)
	}
	if err := s.queue.Delete(ctx, m); err != nil {
		return fmt.Errorf("op=subscriber.process: delete: %w", err)
	}
	observability.MessagesConsumedTotal.WithLabelValues("dispatched").Inc()
	slog.Info("job dispatched",
		slog.String("message_id", m.ID),
		slog.String("job_id", jm.JobID),
		slog.Int("receive_count", m.ReceiveCount))
	return nil
}

// redeliver stands in for an expiring visibility timeout: the message is
// re-published with its receive count carried forward and the consumed
// copy acknowledged.
func (s *Subscriber) redeliver(ctx context.Context, m domain.QueueMessage) error {
	if err := s.queue.Requeue(ctx, m); err != nil {
		return fmt.Errorf("op=subscriber.redeliver: %w", err)
	}
	if err := s.queue.Delete(ctx, m); err != nil {
		return fmt.Errorf("op=subscriber.redeliver: delete: %w", err)
	}
	return nil
}

// inboundJobMessage is the wire shape of a queue message. package_size is
// a pointer so an absent field (defaults to 50) can be told apart from an
// explicit zero (accepted, yields an empty job).
type inboundJobMessage struct {
	JobID        string         `json:"job_id" validate:"required"`
	CustomerID   string         `json:"customer_id" validate:"required"`
	PackageSize  *int           `json:"package_size"`
	Priority     string         `json:"priority"`
	RetryAttempt int            `json:"retry_attempt"`
	RequeuedBy   string         `json:"requeued_by"`
	RequeuedAt   string         `json:"requeued_at"`
	Source       string         `json:"source"`
	Metadata     map[string]any `json:"metadata"`
}

// parseJobMessage validates the body and normalizes optional fields.
// Returned warnings describe defaults applied to invalid optional values.
func (s *Subscriber) parseJobMessage(body []byte) (domain.JobMessage, []string, error) {
	var in inboundJobMessage
	if err := json.Unmarshal(body, &in); err != nil {
		return domain.JobMessage{}, nil, fmt.Errorf("%w: malformed JSON: %v", domain.ErrInvalidArgument, err)
	}
	if err := s.validate.Struct(in); err != nil {
		return domain.JobMessage{}, nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	var warnings []string
	jm := domain.JobMessage{
		JobID:        in.JobID,
		CustomerID:   in.CustomerID,
		Priority:     in.Priority,
		RetryAttempt: in.RetryAttempt,
		RequeuedBy:   in.RequeuedBy,
		RequeuedAt:   in.RequeuedAt,
		Source:       in.Source,
		Metadata:     in.Metadata,
	}
	switch {
	case in.PackageSize == nil:
		jm.PackageSize = 50
	case *in.PackageSize < 0:
		warnings = append(warnings, fmt.Sprintf("package_size %d invalid, defaulting to 50", *in.PackageSize))
		jm.PackageSize = 50
	default:
		jm.PackageSize = *in.PackageSize
	}
	if jm.Priority == "" {
		jm.Priority = string(domain.PriorityStarter)
	} else if norm, ok := domain.NormalizePriority(jm.Priority); !ok {
		warnings = append(warnings, fmt.Sprintf("priority %q invalid, defaulting to starter", jm.Priority))
		jm.Priority = string(norm)
	}
	return jm, warnings, nil
}
