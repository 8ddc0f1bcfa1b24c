// Package app wires the long-lived process loops: the flow dispatcher
// behind the queue subscriber and the control-plane monitors.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/listflow/dirsubmit/internal/domain"
)

// JobProcessor is the flow entrypoint the dispatcher hands jobs to.
type JobProcessor interface {
	ProcessJob(ctx context.Context, msg domain.JobMessage) (domain.JobSummary, error)
}

// FlowRunner runs job flows in the background, fire-and-forget from the
// subscriber's point of view. Dispatch returns once the flow goroutine
// is started; Shutdown blocks until in-flight flows drain.
type FlowRunner struct {
	flow JobProcessor

	mu       sync.Mutex
	wg       sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
	draining bool
}

// NewFlowRunner constructs a runner over flow. Flows run under a context
// detached from the subscriber's poll context so a poll timeout never
// cancels a running job.
func NewFlowRunner(flow JobProcessor) *FlowRunner {
	ctx, cancel := context.WithCancel(context.Background())
	return &FlowRunner{flow: flow, baseCtx: ctx, cancel: cancel}
}

// Dispatch starts the flow for msg on its own goroutine. Fails only when
// the runner is draining, which leaves the message to redeliver.
func (r *FlowRunner) Dispatch(_ context.Context, msg domain.JobMessage) error {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return fmt.Errorf("op=runner.dispatch: runner is shutting down")
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if _, err := r.flow.ProcessJob(r.baseCtx, msg); err != nil {
			slog.Error("job flow failed",
				slog.String("job_id", msg.JobID),
				slog.Any("error", err))
		}
	}()
	return nil
}

// Shutdown stops accepting new flows and waits for running ones. When
// ctx expires first, the remaining flows are cancelled hard.
func (r *FlowRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return fmt.Errorf("op=runner.shutdown: drain cut short: %w", ctx.Err())
	}
}
