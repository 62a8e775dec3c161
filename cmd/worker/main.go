package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"prediction-service/internal/archive"
	"prediction-service/internal/backends"
	"prediction-service/internal/config"
	"prediction-service/internal/inference"
	"prediction-service/internal/logging"
	"prediction-service/internal/telemetry"
	workerproc "prediction-service/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := redis.NewClient(cfg.RedisOptions())
	defer client.Close()

	st, err := backends.OpenStore(ctx, cfg, client)
	if err != nil {
		logger.Error("open result store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	q, err := backends.OpenQueue(ctx, cfg, client)
	if err != nil {
		logger.Error("open job queue", "backend", cfg.QueueBackend, "error", err)
		os.Exit(1)
	}

	// Worker id from WORKER_ID, else hostname:pid.
	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "worker"
		}
		workerID = hostname + ":" + strconv.Itoa(os.Getpid())
	}

	engine := inference.Instrumented(inference.NewHashEngine(cfg.EngineMinDelay, cfg.EngineMaxDelay, cfg.EngineFailureRate))
	processor := workerproc.NewProcessorWithID(cfg, q, st, engine, workerID, logger)

	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		logger.Error("init archive", "error", err)
		os.Exit(1)
	}
	if archiver != nil {
		processor.SetArchiver(archiver)
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started",
		"worker_id", workerID,
		"concurrency", cfg.WorkerConcurrency,
		"visibility", cfg.VisibilityTimeout,
		"max_attempts", cfg.MaxAttempts,
		"store", cfg.StoreBackend,
		"queue", cfg.QueueBackend,
	)
	if err := processor.Run(ctx); err != nil {
		logger.Error("worker stopped", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info("worker stopped")
}
