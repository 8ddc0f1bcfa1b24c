// Command worker runs the queue subscriber and the job flows it feeds.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/listflow/dirsubmit/internal/adapter/advisor/noop"
	browserstub "github.com/listflow/dirsubmit/internal/adapter/browser/stub"
	"github.com/listflow/dirsubmit/internal/adapter/observability"
	"github.com/listflow/dirsubmit/internal/adapter/planner"
	"github.com/listflow/dirsubmit/internal/adapter/queue/redpanda"
	"github.com/listflow/dirsubmit/internal/adapter/repo/postgres"
	"github.com/listflow/dirsubmit/internal/app"
	"github.com/listflow/dirsubmit/internal/config"
	"github.com/listflow/dirsubmit/internal/domain"
	"github.com/listflow/dirsubmit/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	workerID := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	slog.Info("worker starting", slog.String("worker_id", workerID))

	jobRepo := postgres.NewJobRepo(pool)
	resultRepo := postgres.NewResultRepo(pool)
	historyRepo := postgres.NewHistoryRepo(pool)
	heartbeatRepo := postgres.NewHeartbeatRepo(pool)

	queue, err := redpanda.NewClient(cfg.KafkaBrokers, cfg.QueueURL, cfg.DLQURL, "dirsubmit-workers")
	if err != nil {
		slog.Error("queue connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer queue.Close()

	var driver domain.BrowserDriver
	switch cfg.BrowserDriver {
	case "stub", "":
		driver = browserstub.NewDriver()
	default:
		slog.Error("unknown browser driver", slog.String("driver", cfg.BrowserDriver))
		os.Exit(1)
	}

	plans := planner.NewClient(cfg.PlannerURL, planner.WithTimeout(cfg.PlannerTimeout))
	heartbeats := usecase.NewHeartbeatEmitter(heartbeatRepo, workerID, cfg.QueueURL, cfg.HeartbeatInterval)
	executor := usecase.NewExecutor(driver, noop.FormMapper{}, heartbeats)
	task := usecase.NewDirectoryTask(
		jobRepo, resultRepo, historyRepo, plans, executor,
		noop.ContentRewriter{}, noop.VariantAssigner{}, noop.RetryAdvisor{},
		workerID,
	)
	flow := usecase.NewJobFlow(jobRepo, historyRepo, task, noop.SuccessPredictor{}, usecase.FlowConfig{
		MaxParallel:    cfg.FlowMaxParallel,
		MaxAttempts:    cfg.SubmitMaxRetries,
		RetryBaseDelay: cfg.SubmitRetryBaseDelay,
		AttemptTimeout: cfg.SubmitAttemptTimeout,
	}, workerID)

	runner := app.NewFlowRunner(flow)
	subscriber := redpanda.NewSubscriber(queue, runner, redpanda.SubscriberConfig{
		BatchSize:         cfg.QueueBatch,
		WaitTime:          cfg.QueueWait,
		DLQRetryThreshold: cfg.DLQRetryThreshold,
		MaxConsecErrors:   cfg.QueueMaxErrors,
	})

	sweeper := app.NewHistorySweeper(historyRepo, cfg.DataRetentionDays, cfg.CleanupInterval)
	go sweeper.Run(ctx)

	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("metrics listener starting", slog.Int("port", cfg.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics listener failed", slog.Any("error", err))
		}
	}()

	err = subscriber.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("subscriber exited", slog.Any("error", err))
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.SubmitAttemptTimeout)
	defer cancel()
	if err := runner.Shutdown(drainCtx); err != nil {
		slog.Error("flow drain incomplete", slog.Any("error", err))
	}
	_ = metricsSrv.Shutdown(context.Background())
	slog.Info("worker stopped", slog.String("worker_id", workerID))
}
