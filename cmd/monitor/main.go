// Command monitor runs the control-plane loops: the stale-job sweeper
// and the dead-letter queue watcher.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/listflow/dirsubmit/internal/adapter/alert"
	"github.com/listflow/dirsubmit/internal/adapter/observability"
	"github.com/listflow/dirsubmit/internal/adapter/queue/redpanda"
	"github.com/listflow/dirsubmit/internal/adapter/repo/postgres"
	"github.com/listflow/dirsubmit/internal/app"
	"github.com/listflow/dirsubmit/internal/config"
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

	queue, err := redpanda.NewProducerClient(cfg.KafkaBrokers, cfg.QueueURL, cfg.DLQURL)
	if err != nil {
		slog.Error("queue connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer queue.Close()

	dlqReader, err := redpanda.NewDLQReader(cfg.KafkaBrokers, cfg.DLQURL)
	if err != nil {
		slog.Error("dlq reader connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer dlqReader.Close()

	monitorID := fmt.Sprintf("monitor-%s", uuid.NewString()[:8])
	jobRepo := postgres.NewJobRepo(pool)
	historyRepo := postgres.NewHistoryRepo(pool)

	staleMonitor := app.NewStaleJobMonitor(
		jobRepo, historyRepo, queue,
		cfg.StaleCheckInterval, cfg.StaleThreshold, monitorID,
	)
	dlqMonitor := app.NewDLQMonitor(
		dlqReader, alert.NewWebhookSink(cfg.AlertWebhookURL),
		cfg.DLQCheckInterval, int64(cfg.DLQAlertThreshold),
	)

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

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		staleMonitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		dlqMonitor.Run(ctx)
	}()
	wg.Wait()

	_ = metricsSrv.Shutdown(context.Background())
	slog.Info("monitor stopped", slog.String("monitor_id", monitorID))
}
