package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/listflow/dirsubmit/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, customer_id, package_size, priority, status, COALESCE(error,''), created_at, started_at, completed_at, updated_at`

// Get loads a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// SetStatus updates a job's status and optional error message. The first
// transition to in_progress stamps started_at; entering completed/failed
// stamps completed_at.
func (r *JobRepo) SetStatus(ctx context.Context, id string, status domain.JobStatus, errMsg *string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetStatus")
	defer span.End()
	q := `UPDATE jobs SET status=$2, error=$3, updated_at=$4,
		started_at = CASE WHEN $2='in_progress' AND started_at IS NULL THEN $4 ELSE started_at END,
		completed_at = CASE WHEN $2 IN ('completed','failed') THEN $4 ELSE completed_at END
	WHERE id=$1`
	errVal := ""
	if errMsg != nil {
		errVal = *errMsg
	}
	tag, err := r.Pool.Exec(ctx, q, id, status, errVal, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.set_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.set_status: %w", domain.ErrNotFound)
	}
	return nil
}

// GetBusinessProfile returns the business identity/contact fields joined
// through the job's customer record.
func (r *JobRepo) GetBusinessProfile(ctx context.Context, jobID string) (domain.BusinessProfile, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.GetBusinessProfile")
	defer span.End()
	q := `SELECT b.name, b.phone, b.address, b.city, b.state, b.zip, b.website, b.email, b.description, b.categories
	FROM jobs j JOIN businesses b ON b.customer_id = j.customer_id
	WHERE j.id=$1`
	var bp domain.BusinessProfile
	row := r.Pool.QueryRow(ctx, q, jobID)
	if err := row.Scan(&bp.Name, &bp.Phone, &bp.Address, &bp.City, &bp.State, &bp.Zip, &bp.Website, &bp.Email, &bp.Description, &bp.Categories); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BusinessProfile{}, fmt.Errorf("op=job.business_profile: %w", domain.ErrNotFound)
		}
		return domain.BusinessProfile{}, fmt.Errorf("op=job.business_profile: %w", err)
	}
	return bp, nil
}

// GetDirectoriesForJob returns the pending queued directories for a job in
// stable order.
func (r *JobRepo) GetDirectoriesForJob(ctx context.Context, jobID string) ([]string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.GetDirectoriesForJob")
	defer span.End()
	q := `SELECT directory FROM job_directories WHERE job_id=$1 AND status='pending' ORDER BY position, directory`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=job.directories: %w", err)
	}
	defer rows.Close()
	var dirs []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("op=job.directories: %w", err)
		}
		dirs = append(dirs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.directories: %w", err)
	}
	return dirs, nil
}

// FindStaleJobs returns in_progress jobs without a liveness signal inside
// the threshold window. A job whose worker never wrote a heartbeat counts
// as stale once started_at itself exceeds the threshold.
func (r *JobRepo) FindStaleJobs(ctx context.Context, threshold time.Duration) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindStaleJobs")
	defer span.End()
	cutoff := time.Now().UTC().Add(-threshold)
	q := `SELECT ` + qualifyJobColumns("j") + `
	FROM jobs j
	LEFT JOIN LATERAL (
		SELECT max(h.last_heartbeat) AS last_heartbeat
		FROM worker_heartbeats h
		WHERE h.current_job_id = j.id
	) hb ON true
	WHERE j.status='in_progress'
	  AND COALESCE(hb.last_heartbeat, j.started_at, j.created_at) < $1
	ORDER BY j.started_at`
	rows, err := r.Pool.Query(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=job.find_stale: %w", err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.find_stale: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.find_stale: %w", err)
	}
	return jobs, nil
}

func qualifyJobColumns(alias string) string {
	return alias + `.id, ` + alias + `.customer_id, ` + alias + `.package_size, ` + alias + `.priority, ` + alias + `.status, COALESCE(` + alias + `.error,''), ` + alias + `.created_at, ` + alias + `.started_at, ` + alias + `.completed_at, ` + alias + `.updated_at`
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.CustomerID, &j.PackageSize, &j.Priority, &j.Status, &j.Error, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt)
	return j, err
}
