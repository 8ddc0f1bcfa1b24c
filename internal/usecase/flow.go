package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"

	"github.com/listflow/dirsubmit/internal/adapter/observability"
	"github.com/listflow/dirsubmit/internal/domain"
)

// FlowConfig carries the fan-out tunables.
type FlowConfig struct {
	// MaxParallel bounds concurrent directory submissions per job.
	MaxParallel int
	// MaxAttempts is the per-directory retry budget.
	MaxAttempts int
	// RetryBaseDelay is the base for exponential retry backoff.
	RetryBaseDelay time.Duration
	// AttemptTimeout bounds a single submission attempt.
	AttemptTimeout time.Duration
}

func (c *FlowConfig) applyDefaults() {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 30 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 480 * time.Second
	}
}

// DirectorySubmitter is the one-directory attempt contract the flow
// fans out over. *DirectoryTask is the production implementation.
type DirectorySubmitter interface {
	SubmitDirectory(ctx context.Context, job domain.Job, directory string, priority domain.Priority) (domain.SubmissionResult, error)
}

// JobFlow orchestrates one job: status transition, directory fan-out
// with bounded parallelism and per-directory retries, finalization.
type JobFlow struct {
	jobs      domain.JobRepository
	history   domain.HistoryRepository
	task      DirectorySubmitter
	predictor domain.SuccessPredictor
	cfg       FlowConfig
	workerID  string
}

// NewJobFlow constructs a JobFlow. predictor may be nil.
func NewJobFlow(jobs domain.JobRepository, history domain.HistoryRepository, task DirectorySubmitter, predictor domain.SuccessPredictor, cfg FlowConfig, workerID string) *JobFlow {
	cfg.applyDefaults()
	return &JobFlow{
		jobs:      jobs,
		history:   history,
		task:      task,
		predictor: predictor,
		cfg:       cfg,
		workerID:  workerID,
	}
}

// ProcessJob runs the whole flow for msg and returns the job summary.
// All children are awaited before finalization; a cancelled context
// cancels every in-flight directory task.
func (f *JobFlow) ProcessJob(ctx context.Context, msg domain.JobMessage) (domain.JobSummary, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "JobFlow.ProcessJob")
	defer span.End()

	summary := domain.JobSummary{JobID: msg.JobID, Status: domain.JobFailed}
	if msg.JobID == "" || msg.CustomerID == "" {
		return summary, fmt.Errorf("op=flow.process: %w: job_id and customer_id are required", domain.ErrInvalidArgument)
	}
	priority, _ := domain.NormalizePriority(msg.Priority)

	observability.JobsInFlight.Inc()
	defer observability.JobsInFlight.Dec()

	if err := f.jobs.SetStatus(ctx, msg.JobID, domain.JobInProgress, nil); err != nil {
		return summary, fmt.Errorf("op=flow.process: set in_progress: %w", err)
	}
	f.recordHistory(ctx, msg.JobID, "job_started", map[string]any{
		"package_size":  msg.PackageSize,
		"priority":      string(priority),
		"retry_attempt": msg.RetryAttempt,
		"requeued_by":   msg.RequeuedBy,
	})

	directories, err := f.jobs.GetDirectoriesForJob(ctx, msg.JobID)
	if err != nil {
		return summary, fmt.Errorf("op=flow.process: list directories: %w", err)
	}
	if len(directories) == 0 {
		return f.finalize(ctx, msg.JobID, nil, "no_directories")
	}
	// A zero package is a real cap, not "unlimited": the truncation
	// leaves nothing to submit and the job fails with no results.
	if msg.PackageSize >= 0 && len(directories) > msg.PackageSize {
		directories = directories[:msg.PackageSize]
	}
	if len(directories) == 0 {
		return f.finalize(ctx, msg.JobID, nil, "no_results")
	}
	directories = f.rankDirectories(ctx, msg.JobID, directories)

	job := domain.Job{ID: msg.JobID, CustomerID: msg.CustomerID, Priority: priority}
	results := f.fanOut(ctx, job, directories, priority)
	return f.finalize(ctx, msg.JobID, results, "")
}

// fanOut dispatches one goroutine per directory, bounded by a semaphore,
// and awaits them all. Results index matches the directories slice.
func (f *JobFlow) fanOut(ctx context.Context, job domain.Job, directories []string, priority domain.Priority) []domain.SubmissionResult {
	results := make([]domain.SubmissionResult, len(directories))
	sem := make(chan struct{}, f.cfg.MaxParallel)
	var wg sync.WaitGroup
	for i, dir := range directories {
		wg.Add(1)
		go func(i int, dir string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = domain.SubmissionResult{
					Directory: dir,
					Status:    domain.SubmissionFailed,
					Error:     ctx.Err().Error(),
				}
				return
			}
			results[i] = f.submitWithRetry(ctx, job, dir, priority)
		}(i, dir)
	}
	wg.Wait()
	return results
}

// submitWithRetry wraps one directory in the retry budget: each attempt
// gets its own deadline, failed attempts back off exponentially from the
// base delay, and the last error becomes the aggregated failed result.
func (f *JobFlow) submitWithRetry(ctx context.Context, job domain.Job, dir string, priority domain.Priority) domain.SubmissionResult {
	var last domain.SubmissionResult
	attempt := 0
	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
		defer cancel()
		res, err := f.task.SubmitDirectory(attemptCtx, job, dir, priority)
		last = res
		if err != nil {
			slog.Warn("directory attempt failed",
				slog.String("job_id", job.ID),
				slog.String("directory", dir),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
			return err
		}
		return nil
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = f.cfg.RetryBaseDelay
	expo.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(f.cfg.MaxAttempts-1)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if last.Directory == "" {
			last = domain.SubmissionResult{Directory: dir, Status: domain.SubmissionFailed, Error: err.Error()}
		}
		last.Status = domain.SubmissionFailed
		if last.Error == "" {
			last.Error = err.Error()
		}
	}
	return last
}

// finalize aggregates child results into the job's terminal status.
// Partial success is success at job grain; skipped counts as non-failure.
func (f *JobFlow) finalize(ctx context.Context, jobID string, results []domain.SubmissionResult, emptyReason string) (domain.JobSummary, error) {
	summary := domain.JobSummary{JobID: jobID, Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case domain.SubmissionSubmitted:
			summary.Submitted++
		case domain.SubmissionSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
	}

	switch {
	case summary.Total == 0:
		summary.Status = domain.JobFailed
		if emptyReason == "" {
			emptyReason = "no_results"
		}
		summary.Error = emptyReason
	case summary.Failed == summary.Total:
		summary.Status = domain.JobFailed
		summary.Error = "All submissions failed"
	case summary.Submitted+summary.Skipped == summary.Total:
		summary.Status = domain.JobCompleted
	default:
		summary.Status = domain.JobCompleted
		summary.Error = fmt.Sprintf("%d of %d submissions failed", summary.Failed, summary.Total)
	}

	var errMsg *string
	if summary.Error != "" {
		errMsg = &summary.Error
	}
	if err := f.jobs.SetStatus(ctx, jobID, summary.Status, errMsg); err != nil {
		return summary, fmt.Errorf("op=flow.finalize: %w", err)
	}
	f.recordHistory(ctx, jobID, "job_finalized", map[string]any{
		"status":    string(summary.Status),
		"total":     summary.Total,
		"submitted": summary.Submitted,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
		"error":     summary.Error,
	})
	observability.JobsFinalizedTotal.WithLabelValues(string(summary.Status)).Inc()
	slog.Info("job finalized",
		slog.String("job_id", jobID),
		slog.String("status", string(summary.Status)),
		slog.Int("total", summary.Total),
		slog.Int("submitted", summary.Submitted),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped))
	return summary, nil
}

func (f *JobFlow) rankDirectories(ctx context.Context, jobID string, directories []string) []string {
	if f.predictor == nil {
		return directories
	}
	ranked, err := f.predictor.Rank(ctx, jobID, directories)
	if err != nil || len(ranked) != len(directories) {
		if err != nil {
			slog.Warn("directory ranking failed, keeping original order",
				slog.String("job_id", jobID), slog.Any("error", err))
		}
		return directories
	}
	return ranked
}

func (f *JobFlow) recordHistory(ctx context.Context, jobID, event string, details map[string]any) {
	ev := domain.HistoryEvent{
		JobID:    jobID,
		Event:    event,
		Details:  details,
		WorkerID: f.workerID,
	}
	if err := f.history.Record(ctx, ev); err != nil {
		slog.Warn("history write failed",
			slog.String("job_id", jobID),
			slog.String("event", event),
			slog.Any("error", err))
	}
}
