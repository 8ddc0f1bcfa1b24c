package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/listflow/dirsubmit/internal/domain"
)

// HistoryRepo appends audit events. Rows are never updated; the only
// delete path is the retention sweep.
type HistoryRepo struct{ Pool PgxPool }

// NewHistoryRepo constructs a HistoryRepo with the given pool.
func NewHistoryRepo(p PgxPool) *HistoryRepo { return &HistoryRepo{Pool: p} }

// Record appends one history event.
func (r *HistoryRepo) Record(ctx context.Context, ev domain.HistoryEvent) error {
	tracer := otel.Tracer("repo.history")
	ctx, span := tracer.Start(ctx, "history.Record")
	defer span.End()
	id := ev.ID
	if id == "" {
		id = uuid.New().String()
	}
	ts := ev.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	q := `INSERT INTO job_history (id, job_id, directory, event, details, worker_id, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.Pool.Exec(ctx, q, id, ev.JobID, nullIfEmpty(ev.Directory), ev.Event, ev.Details, nullIfEmpty(ev.WorkerID), ts)
	if err != nil {
		return fmt.Errorf("op=history.record: %w", err)
	}
	return nil
}

// DeleteOlderThan removes events created before cutoff and reports the
// number deleted. Retention policy only; the core never calls this.
func (r *HistoryRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.history")
	ctx, span := tracer.Start(ctx, "history.DeleteOlderThan")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM job_history WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=history.delete_older_than: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
