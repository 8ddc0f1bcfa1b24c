package postgres

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/listflow/dirsubmit/internal/domain"
)

// HeartbeatRepo maintains one liveness row per worker id.
type HeartbeatRepo struct{ Pool PgxPool }

// NewHeartbeatRepo constructs a HeartbeatRepo with the given pool.
func NewHeartbeatRepo(p PgxPool) *HeartbeatRepo { return &HeartbeatRepo{Pool: p} }

// Upsert writes a heartbeat keyed by worker id, stamping last_heartbeat
// with the wall clock.
func (r *HeartbeatRepo) Upsert(ctx context.Context, hb domain.WorkerHeartbeat) error {
	tracer := otel.Tracer("repo.heartbeats")
	ctx, span := tracer.Start(ctx, "heartbeats.Upsert")
	defer span.End()
	q := `INSERT INTO worker_heartbeats (worker_id, queue_name, status, current_job_id, last_heartbeat, metadata)
	VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (worker_id) DO UPDATE SET
		queue_name=EXCLUDED.queue_name,
		status=EXCLUDED.status,
		current_job_id=EXCLUDED.current_job_id,
		last_heartbeat=EXCLUDED.last_heartbeat,
		metadata=EXCLUDED.metadata`
	_, err := r.Pool.Exec(ctx, q, hb.WorkerID, hb.QueueName, hb.Status, hb.CurrentJobID, time.Now().UTC(), hb.Metadata)
	if err != nil {
		return fmt.Errorf("op=heartbeat.upsert: %w", err)
	}
	return nil
}
