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

	"github.com/redis/go-redis/v9"

	api "prediction-service/internal/api"
	"prediction-service/internal/backends"
	"prediction-service/internal/config"
	"prediction-service/internal/dispatch"
	"prediction-service/internal/inference"
	"prediction-service/internal/logging"
	"prediction-service/internal/ratelimit"
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

	engine := inference.Instrumented(inference.NewHashEngine(cfg.EngineMinDelay, cfg.EngineMaxDelay, cfg.EngineFailureRate))
	server := api.New(api.Deps{
		Submitter: dispatch.New(st, q, engine, cfg.MaxInputLength, logger),
		Status:    dispatch.NewResolver(st),
		Limiter:   ratelimit.NewTokenBucket(client, cfg.KeyPrefix, cfg.RateLimitCapacity, cfg.RateLimitRefill),
		Checks:    map[string]api.Pinger{"store": st, "queue": q},
		Depth:     q.Depth,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "env", cfg.Env,
		"store", cfg.StoreBackend, "queue", cfg.QueueBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	logger.Info("api stopped")
}
