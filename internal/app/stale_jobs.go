package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/listflow/dirsubmit/internal/adapter/observability"
	"github.com/listflow/dirsubmit/internal/domain"
)

// StaleJobMonitor requeues jobs that went quiet: in_progress rows whose
// newest liveness signal is older than the threshold. Each tick is
// independent and per-job failures never stop the sweep.
type StaleJobMonitor struct {
	jobs     domain.JobRepository
	history  domain.HistoryRepository
	queue    domain.Queue
	interval time.Duration
	// Threshold is how long a job may go without a liveness signal.
	threshold time.Duration
	workerID  string
}

// NewStaleJobMonitor constructs a monitor. Non-positive interval and
// threshold default to 120s and 10m.
func NewStaleJobMonitor(jobs domain.JobRepository, history domain.HistoryRepository, queue domain.Queue, interval, threshold time.Duration, workerID string) *StaleJobMonitor {
	if interval <= 0 {
		interval = 120 * time.Second
	}
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}
	return &StaleJobMonitor{
		jobs:      jobs,
		history:   history,
		queue:     queue,
		interval:  interval,
		threshold: threshold,
		workerID:  workerID,
	}
}

// Run ticks until ctx is cancelled. The first sweep happens immediately.
func (m *StaleJobMonitor) Run(ctx context.Context) {
	slog.Info("stale job monitor started",
		slog.Duration("interval", m.interval),
		slog.Duration("threshold", m.threshold))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stale job monitor stopping")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *StaleJobMonitor) sweep(ctx context.Context) {
	tracer := otel.Tracer("monitor")
	ctx, span := tracer.Start(ctx, "StaleJobMonitor.sweep")
	defer span.End()

	stale, err := m.jobs.FindStaleJobs(ctx, m.threshold)
	if err != nil {
		slog.Error("stale job query failed", slog.Any("error", err))
		return
	}
	if len(stale) == 0 {
		return
	}
	slog.Warn("stale jobs detected", slog.Int("count", len(stale)))
	for _, job := range stale {
		if err := m.requeue(ctx, job); err != nil {
			slog.Error("stale job requeue failed",
				slog.String("job_id", job.ID),
				slog.Any("error", err))
			continue
		}
		observability.StaleJobsRequeuedTotal.Inc()
	}
}

// requeue re-enqueues one stale job and resets it to pending. The
// requeue message is tagged so downstream history shows where the
// redelivery came from.
func (m *StaleJobMonitor) requeue(ctx context.Context, job domain.Job) error {
	msg := domain.JobMessage{
		JobID:        job.ID,
		CustomerID:   job.CustomerID,
		PackageSize:  job.PackageSize,
		Priority:     string(job.Priority),
		RetryAttempt: 1,
		RequeuedBy:   "stale_job_monitor",
		RequeuedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	msgID, err := m.queue.Enqueue(ctx, msg)
	if err != nil {
		return err
	}
	if err := m.jobs.SetStatus(ctx, job.ID, domain.JobPending, nil); err != nil {
		return err
	}
	ev := domain.HistoryEvent{
		JobID:    job.ID,
		Event:    "requeued_stale",
		WorkerID: m.workerID,
		Details: map[string]any{
			"message_id": msgID,
			"threshold":  m.threshold.String(),
		},
	}
	if err := m.history.Record(ctx, ev); err != nil {
		slog.Warn("history write failed",
			slog.String("job_id", job.ID),
			slog.Any("error", err))
	}
	slog.Info("stale job requeued",
		slog.String("job_id", job.ID),
		slog.String("message_id", msgID))
	return nil
}
