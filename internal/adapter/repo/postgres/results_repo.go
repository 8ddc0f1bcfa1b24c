package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/listflow/dirsubmit/internal/domain"
)

// ResultRepo persists per-directory submission results. The unique index
// on idempotency_key plus a guarded ON CONFLICT update enforce that a
// terminal row (submitted/skipped) is never demoted.
type ResultRepo struct{ Pool PgxPool }

// NewResultRepo constructs a ResultRepo with the given pool.
func NewResultRepo(p PgxPool) *ResultRepo { return &ResultRepo{Pool: p} }

// Upsert inserts or updates a result by idempotency key.
//
// Returns duplicate_success without writing when the stored row is already
// terminal: the conflict update's WHERE clause refuses the demotion, the
// statement returns no row, and concurrent racers observe the same thing.
func (r *ResultRepo) Upsert(ctx context.Context, sub domain.DirectorySubmission) (domain.UpsertOutcome, error) {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.Upsert")
	defer span.End()
	id := sub.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO job_results (id, job_id, directory, status, idempotency_key, payload, response_log, error, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
	ON CONFLICT (idempotency_key) DO UPDATE SET
		status=EXCLUDED.status,
		payload=COALESCE(EXCLUDED.payload, job_results.payload),
		response_log=COALESCE(EXCLUDED.response_log, job_results.response_log),
		error=EXCLUDED.error,
		updated_at=EXCLUDED.updated_at
	WHERE job_results.status NOT IN ('submitted','skipped')
	RETURNING (xmax = 0)`
	var inserted bool
	row := r.Pool.QueryRow(ctx, q, id, sub.JobID, sub.Directory, sub.Status, sub.IdempotencyKey, sub.Payload, sub.ResponseLog, sub.Error, now)
	if err := row.Scan(&inserted); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UpsertDuplicateSuccess, nil
		}
		return "", fmt.Errorf("op=result.upsert: %w", err)
	}
	if inserted {
		return domain.UpsertInserted, nil
	}
	return domain.UpsertUpdated, nil
}

const resultColumns = `id, job_id, directory, status, idempotency_key, payload, response_log, COALESCE(error,''), created_at, updated_at`

// GetByIdempotencyKey loads a result by its idempotency key.
func (r *ResultRepo) GetByIdempotencyKey(ctx context.Context, key string) (domain.DirectorySubmission, error) {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.GetByIdempotencyKey")
	defer span.End()
	q := `SELECT ` + resultColumns + ` FROM job_results WHERE idempotency_key=$1`
	sub, err := scanResult(r.Pool.QueryRow(ctx, q, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DirectorySubmission{}, fmt.Errorf("op=result.get_by_key: %w", domain.ErrNotFound)
		}
		return domain.DirectorySubmission{}, fmt.Errorf("op=result.get_by_key: %w", err)
	}
	return sub, nil
}

// ListByJob loads all results for a job in directory order.
func (r *ResultRepo) ListByJob(ctx context.Context, jobID string) ([]domain.DirectorySubmission, error) {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.ListByJob")
	defer span.End()
	q := `SELECT ` + resultColumns + ` FROM job_results WHERE job_id=$1 ORDER BY directory`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=result.list_by_job: %w", err)
	}
	defer rows.Close()
	var subs []domain.DirectorySubmission
	for rows.Next() {
		sub, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("op=result.list_by_job: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=result.list_by_job: %w", err)
	}
	return subs, nil
}

func scanResult(row pgx.Row) (domain.DirectorySubmission, error) {
	var sub domain.DirectorySubmission
	err := row.Scan(&sub.ID, &sub.JobID, &sub.Directory, &sub.Status, &sub.IdempotencyKey, &sub.Payload, &sub.ResponseLog, &sub.Error, &sub.CreatedAt, &sub.UpdatedAt)
	return sub, err
}
