package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/listflow/dirsubmit/internal/adapter/observability"
	"github.com/listflow/dirsubmit/internal/domain"
)

// HeartbeatEmitter writes worker liveness rows while a submission runs.
// Heartbeat writes are advisory only: a failed write is logged and
// counted, never surfaced to the submission path.
type HeartbeatEmitter struct {
	repo      domain.HeartbeatRepository
	workerID  string
	queueName string
	interval  time.Duration
}

// NewHeartbeatEmitter constructs an emitter. interval <= 0 defaults to
// the 20s liveness window.
func NewHeartbeatEmitter(repo domain.HeartbeatRepository, workerID, queueName string, interval time.Duration) *HeartbeatEmitter {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	return &HeartbeatEmitter{
		repo:      repo,
		workerID:  workerID,
		queueName: queueName,
		interval:  interval,
	}
}

// Run beats every interval for jobID until ctx is cancelled, then writes
// one final idle beat with the current job cleared. Always returns after
// the final write; the caller runs it on its own goroutine.
func (h *HeartbeatEmitter) Run(ctx context.Context, jobID string) {
	h.beat(domain.WorkerHeartbeat{
		WorkerID:     h.workerID,
		QueueName:    h.queueName,
		Status:       domain.WorkerRunning,
		CurrentJobID: &jobID,
	})
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Final write runs off the cancelled context on purpose:
			// the idle row must land even though the run is over.
			h.beat(domain.WorkerHeartbeat{
				WorkerID:  h.workerID,
				QueueName: h.queueName,
				Status:    domain.WorkerIdle,
			})
			return
		case <-ticker.C:
			h.beat(domain.WorkerHeartbeat{
				WorkerID:     h.workerID,
				QueueName:    h.queueName,
				Status:       domain.WorkerRunning,
				CurrentJobID: &jobID,
			})
		}
	}
}

func (h *HeartbeatEmitter) beat(hb domain.WorkerHeartbeat) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.repo.Upsert(ctx, hb); err != nil {
		observability.HeartbeatWriteErrors.Inc()
		slog.Warn("heartbeat write failed",
			slog.String("worker_id", h.workerID),
			slog.String("status", string(hb.Status)),
			slog.Any("error", err))
	}
}
