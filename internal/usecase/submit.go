package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/listflow/dirsubmit/internal/adapter/observability"
	"github.com/listflow/dirsubmit/internal/domain"
)

// DirectoryTask performs one submission attempt against one directory:
// idempotency preflight, plan fetch, rate-limited execution, result and
// history writes. Retrying a failed attempt is the flow's business; a
// returned error marks the attempt retryable, a nil error with a failed
// result marks it final.
type DirectoryTask struct {
	jobs     domain.JobRepository
	results  domain.ResultRepository
	history  domain.HistoryRepository
	planner  domain.PlanProvider
	executor *Executor

	rewriter domain.ContentRewriter
	variants domain.VariantAssigner
	advisor  domain.RetryAdvisor

	workerID string
}

// NewDirectoryTask constructs a DirectoryTask. The advisors may be nil.
func NewDirectoryTask(
	jobs domain.JobRepository,
	results domain.ResultRepository,
	history domain.HistoryRepository,
	planner domain.PlanProvider,
	executor *Executor,
	rewriter domain.ContentRewriter,
	variants domain.VariantAssigner,
	advisor domain.RetryAdvisor,
	workerID string,
) *DirectoryTask {
	return &DirectoryTask{
		jobs:     jobs,
		results:  results,
		history:  history,
		planner:  planner,
		executor: executor,
		rewriter: rewriter,
		variants: variants,
		advisor:  advisor,
		workerID: workerID,
	}
}

// SubmitDirectory runs one attempt for (job, directory). The result is
// always populated; the error reports a retryable failure.
func (t *DirectoryTask) SubmitDirectory(ctx context.Context, job domain.Job, directory string, priority domain.Priority) (domain.SubmissionResult, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "DirectoryTask.SubmitDirectory")
	defer span.End()

	start := time.Now()
	res := domain.SubmissionResult{Directory: directory, Status: domain.SubmissionFailed}

	if job.ID == "" || directory == "" {
		res.Error = "job and directory are required"
		return res, nil
	}
	if norm, ok := domain.NormalizePriority(string(priority)); !ok {
		slog.Warn("priority normalized for submission",
			slog.String("job_id", job.ID),
			slog.String("priority", string(priority)))
		priority = norm
	}

	business, err := t.jobs.GetBusinessProfile(ctx, job.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			t.recordHistory(ctx, job.ID, directory, "error_no_profile", map[string]any{
				"error": "business profile not found",
			})
			res.Error = "business profile not found"
			res.DurationMs = time.Since(start).Milliseconds()
			return res, nil
		}
		return res, fmt.Errorf("op=submit.profile: %w", err)
	}

	variant := t.assignVariant(ctx, job.ID, directory)
	business.Description = t.rewriteDescription(ctx, directory, business.Description)

	plan, err := t.planner.GetPlan(ctx, directory, business)
	if err != nil {
		return res, fmt.Errorf("op=submit.plan: %w", err)
	}

	factors := plan.IdempotencyFactors
	if len(factors) == 0 {
		factors = domain.DefaultIdempotencyFactors(business, directory)
	}
	key := domain.IdempotencyKey(job.ID, directory, factors)

	// Preflight gate: a row already terminal under this key means a
	// previous attempt (or a concurrent redelivery) finished the work.
	outcome, err := t.results.Upsert(ctx, domain.DirectorySubmission{
		JobID:          job.ID,
		Directory:      directory,
		Status:         domain.SubmissionSubmitting,
		IdempotencyKey: key,
		Payload: map[string]any{
			"variant":  variant,
			"priority": string(priority),
		},
	})
	if err != nil {
		return res, fmt.Errorf("op=submit.preflight: %w", err)
	}
	if outcome == domain.UpsertDuplicateSuccess {
		t.recordHistory(ctx, job.ID, directory, "skipped_duplicate", map[string]any{
			"idempotency_key": key,
		})
		res.Status = domain.SubmissionSkipped
		res.Error = ""
		res.DurationMs = time.Since(start).Milliseconds()
		observability.ObserveSubmission(string(domain.SubmissionSkipped), time.Since(start))
		slog.Info("submission skipped, already completed",
			slog.String("job_id", job.ID),
			slog.String("directory", directory))
		return res, nil
	}

	t.recordHistory(ctx, job.ID, directory, "submitting", map[string]any{
		"idempotency_key": key,
		"variant":         variant,
		"priority":        string(priority),
	})

	if err := sleepCtx(ctx, paceDelay(plan.RateLimitMs, priority)); err != nil {
		return res, fmt.Errorf("op=submit.pace: %w", err)
	}

	exec := t.executor.RunPlan(ctx, job, directory, plan, business)
	res.Status = exec.Status
	res.Error = exec.Error
	res.DurationMs = time.Since(start).Milliseconds()

	if _, err := t.results.Upsert(ctx, domain.DirectorySubmission{
		JobID:          job.ID,
		Directory:      directory,
		Status:         exec.Status,
		IdempotencyKey: key,
		ResponseLog:    exec.ResponseLog,
		Error:          exec.Error,
	}); err != nil {
		return res, fmt.Errorf("op=submit.finalize: %w", err)
	}

	details := map[string]any{
		"duration_ms": exec.DurationMs,
		"final_url":   exec.FinalURL,
		"variant":     variant,
	}
	if len(exec.Screenshot) > 0 {
		details["screenshot_bytes"] = len(exec.Screenshot)
	}
	observability.ObserveSubmission(string(exec.Status), time.Since(start))

	if exec.Status == domain.SubmissionSubmitted {
		t.recordHistory(ctx, job.ID, directory, "submitted", details)
		return res, nil
	}

	details["error"] = exec.Error
	t.recordHistory(ctx, job.ID, directory, "failed", details)
	t.analyzeFailure(ctx, directory, exec.Error)
	return res, fmt.Errorf("op=submit.execute: %s: %s", directory, exec.Error)
}

// paceDelay scales the planner's rate-limit floor by priority:
// enterprise runs at half pace (never below 500ms), starter at 1.5x.
func paceDelay(rateLimitMs int, priority domain.Priority) time.Duration {
	if rateLimitMs <= 0 {
		return 0
	}
	base := time.Duration(rateLimitMs) * time.Millisecond
	switch priority {
	case domain.PriorityEnterprise:
		d := base / 2
		if d < 500*time.Millisecond {
			d = 500 * time.Millisecond
		}
		return d
	case domain.PriorityPro:
		return base
	default:
		return base + base/2
	}
}

func (t *DirectoryTask) assignVariant(ctx context.Context, jobID, directory string) string {
	if t.variants == nil {
		return ""
	}
	v, err := t.variants.Assign(ctx, jobID, directory)
	if err != nil {
		slog.Warn("variant assignment failed, using original content",
			slog.String("directory", directory), slog.Any("error", err))
		return ""
	}
	return v
}

func (t *DirectoryTask) rewriteDescription(ctx context.Context, directory, description string) string {
	if t.rewriter == nil || description == "" {
		return description
	}
	rewritten, err := t.rewriter.Rewrite(ctx, directory, description)
	if err != nil || rewritten == "" {
		slog.Warn("description rewrite failed, using original",
			slog.String("directory", directory), slog.Any("error", err))
		return description
	}
	return rewritten
}

func (t *DirectoryTask) analyzeFailure(ctx context.Context, directory string, failureMsg string) {
	if t.advisor == nil {
		return
	}
	advice, err := t.advisor.Analyze(ctx, directory, errors.New(failureMsg))
	if err != nil {
		slog.Debug("retry analysis unavailable", slog.Any("error", err))
		return
	}
	if advice != "" {
		slog.Info("retry analysis",
			slog.String("directory", directory),
			slog.String("advice", advice))
	}
}

func (t *DirectoryTask) recordHistory(ctx context.Context, jobID, directory, event string, details map[string]any) {
	ev := domain.HistoryEvent{
		JobID:     jobID,
		Directory: directory,
		Event:     event,
		Details:   details,
		WorkerID:  t.workerID,
	}
	if err := t.history.Record(ctx, ev); err != nil {
		slog.Warn("history write failed",
			slog.String("job_id", jobID),
			slog.String("event", event),
			slog.Any("error", err))
	}
}
