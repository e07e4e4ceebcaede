package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/batch-extractor/internal/bootstrap"
	"github.com/kirillkom/batch-extractor/internal/config"
	"github.com/kirillkom/batch-extractor/internal/observability/logging"
	"github.com/kirillkom/batch-extractor/internal/observability/metrics"
)

const serviceName = "worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	batchMetrics := metrics.NewBatchMetrics(serviceName)
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           batchMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	settings := cfg.BatchSettings().Normalized()
	logger.Info("worker_started",
		"queue_size_threshold", settings.QueueSizeThreshold,
		"submit_interval", settings.SubmitInterval.String(),
		"poll_interval", settings.PollInterval.String(),
		"max_retry_count", settings.MaxRetryCount,
		"orphan_grace", settings.OrphanGrace.String(),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	for _, loop := range app.WorkerLoops(batchMetrics) {
		group.Go(func() error {
			return loop.Run(groupCtx)
		})
	}
	group.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("worker_stopped", "error", err)
		app.Close()
		os.Exit(1)
	}
	logger.Info("worker_stopped")
}
