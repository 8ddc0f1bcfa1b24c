package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/listflow/dirsubmit/internal/domain"
)

// successIndicators are matched case-insensitively against the final
// page HTML to decide whether a submission landed.
var successIndicators = []string{"success", "thank you", "submitted", "received"}

// minActionDelay is the floor between consecutive browser actions.
const minActionDelay = 500 * time.Millisecond

// Executor runs a submission plan through a browser session and reports
// the outcome. The form mapper is optional; when present it backfills
// fill actions for plans that carry none.
type Executor struct {
	driver      domain.BrowserDriver
	mapper      domain.FormMapper
	heartbeats  *HeartbeatEmitter
	actionDelay time.Duration
}

// NewExecutor constructs an Executor. mapper and heartbeats may be nil.
func NewExecutor(driver domain.BrowserDriver, mapper domain.FormMapper, heartbeats *HeartbeatEmitter) *Executor {
	return &Executor{
		driver:      driver,
		mapper:      mapper,
		heartbeats:  heartbeats,
		actionDelay: minActionDelay,
	}
}

// RunPlan executes plan against directory's page. The outcome always
// carries a duration and a structured response log, whatever the status.
// A heartbeat goroutine runs for the life of the call.
func (e *Executor) RunPlan(ctx context.Context, job domain.Job, directory string, plan domain.Plan, business domain.BusinessProfile) domain.Outcome {
	tracer := otel.Tracer("executor")
	ctx, span := tracer.Start(ctx, "Executor.RunPlan")
	defer span.End()

	start := time.Now()
	log := map[string]any{
		"directory": directory,
		"job_id":    job.ID,
		"steps":     len(plan.Steps),
	}

	if e.heartbeats != nil {
		hbCtx, hbCancel := context.WithCancel(ctx)
		hbDone := make(chan struct{})
		go func() {
			e.heartbeats.Run(hbCtx, job.ID)
			close(hbDone)
		}()
		defer func() {
			hbCancel()
			<-hbDone
		}()
	}

	outcome := e.run(ctx, directory, plan, business, log)
	outcome.DurationMs = time.Since(start).Milliseconds()
	outcome.ResponseLog = log
	log["duration_ms"] = outcome.DurationMs
	return outcome
}

func (e *Executor) run(ctx context.Context, directory string, plan domain.Plan, business domain.BusinessProfile, log map[string]any) domain.Outcome {
	session, err := e.driver.NewSession(ctx)
	if err != nil {
		log["error_stage"] = "session"
		return domain.Outcome{Status: domain.SubmissionFailed, Error: fmt.Sprintf("browser session: %v", err)}
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cErr := session.Close(closeCtx); cErr != nil {
			slog.Warn("browser session close failed", slog.Any("error", cErr))
		}
	}()

	// Work on an owned copy: derived fill steps are spliced in mid-run,
	// so the loop is index-based over a slice that may grow.
	steps := append([]domain.PlanStep{}, plan.Steps...)
	executed := make([]string, 0, len(steps))
	mapperPending := !plan.HasFillSteps() && e.mapper != nil
	for i := 0; i < len(steps); i++ {
		step := steps[i]
		if i > 0 {
			if err := sleepCtx(ctx, e.actionDelay); err != nil {
				log["error_stage"] = "delay"
				log["actions"] = executed
				return domain.Outcome{Status: domain.SubmissionFailed, Error: err.Error()}
			}
		}
		if err := e.runStep(ctx, session, step); err != nil {
			log["error_stage"] = fmt.Sprintf("step_%d_%s", i, step.Action)
			log["actions"] = executed
			return domain.Outcome{Status: domain.SubmissionFailed, Error: err.Error()}
		}
		executed = append(executed, string(step.Action))

		// A plan without fill actions gets them derived from the form
		// mapper right after the first navigation, while the page is up.
		if step.Action == domain.ActionGoto && mapperPending {
			mapperPending = false
			derived := e.deriveFillSteps(ctx, session, directory, business)
			if len(derived) > 0 {
				rest := append([]domain.PlanStep{}, steps[i+1:]...)
				steps = append(append(steps[:i+1:i+1], derived...), rest...)
				log["derived_fill_steps"] = len(derived)
			}
		}
	}
	log["actions"] = executed

	html, err := session.Content(ctx)
	if err != nil {
		log["error_stage"] = "content"
		return domain.Outcome{Status: domain.SubmissionFailed, Error: fmt.Sprintf("read page content: %v", err)}
	}
	finalURL, err := session.CurrentURL(ctx)
	if err != nil {
		slog.Warn("final URL unavailable", slog.Any("error", err))
	}
	shot, err := session.Screenshot(ctx)
	if err != nil {
		slog.Warn("screenshot failed", slog.Any("error", err))
	}
	log["final_url"] = finalURL
	log["content_length"] = len(html)

	if indicator := matchSuccessIndicator(html); indicator != "" {
		log["matched_indicator"] = indicator
		return domain.Outcome{
			Status:     domain.SubmissionSubmitted,
			FinalURL:   finalURL,
			Screenshot: shot,
		}
	}
	return domain.Outcome{
		Status:     domain.SubmissionFailed,
		Error:      domain.ErrNoSuccessIndicators.Error(),
		FinalURL:   finalURL,
		Screenshot: shot,
	}
}

func (e *Executor) runStep(ctx context.Context, s domain.BrowserSession, step domain.PlanStep) error {
	switch step.Action {
	case domain.ActionGoto:
		return s.Navigate(ctx, step.URL)
	case domain.ActionFill:
		return s.Fill(ctx, step.Selector, step.Value)
	case domain.ActionClick:
		return s.Click(ctx, step.Selector)
	case domain.ActionSelect:
		return s.SelectOption(ctx, step.Selector, step.Value)
	case domain.ActionWait:
		if step.Until != "" {
			timeout := 30 * time.Second
			if step.Seconds > 0 {
				timeout = time.Duration(step.Seconds * float64(time.Second))
			}
			return s.WaitVisible(ctx, step.Until, timeout)
		}
		return sleepCtx(ctx, time.Duration(step.Seconds*float64(time.Second)))
	default:
		return fmt.Errorf("unknown plan action %q", step.Action)
	}
}

// deriveFillSteps asks the form mapper for selector→field assignments
// and resolves them against the business profile. Mapper failure is
// logged and swallowed: the plan proceeds as given.
func (e *Executor) deriveFillSteps(ctx context.Context, s domain.BrowserSession, directory string, business domain.BusinessProfile) []domain.PlanStep {
	html, err := s.Content(ctx)
	if err != nil {
		slog.Warn("form mapping skipped, page content unavailable", slog.Any("error", err))
		return nil
	}
	mapping, err := e.mapper.MapFields(ctx, directory, html, business)
	if err != nil {
		slog.Warn("form mapping failed, proceeding with plan as given",
			slog.String("directory", directory), slog.Any("error", err))
		return nil
	}
	var steps []domain.PlanStep
	for selector, field := range mapping {
		value := profileField(business, field)
		if value == "" {
			continue
		}
		steps = append(steps, domain.PlanStep{Action: domain.ActionFill, Selector: selector, Value: value})
	}
	return steps
}

// profileField resolves a mapper field name to a profile value.
func profileField(b domain.BusinessProfile, field string) string {
	switch strings.ToLower(field) {
	case "name", "business_name":
		return b.Name
	case "phone":
		return b.Phone
	case "address":
		return b.Address
	case "city":
		return b.City
	case "state":
		return b.State
	case "zip", "postal_code":
		return b.Zip
	case "website", "url":
		return b.Website
	case "email":
		return b.Email
	case "description":
		return b.Description
	default:
		return ""
	}
}

func matchSuccessIndicator(html string) string {
	lower := strings.ToLower(html)
	for _, ind := range successIndicators {
		if strings.Contains(lower, ind) {
			return ind
		}
	}
	return ""
}

// sleepCtx waits d without holding the goroutine past cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
