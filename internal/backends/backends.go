// Package backends builds the result store and job queue selected by configuration.
package backends

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"prediction-service/internal/config"
	"prediction-service/internal/queue"
	"prediction-service/internal/store"
)

// OpenStore returns the configured ResultStore. Postgres schemas are migrated on open.
func OpenStore(ctx context.Context, cfg config.Config, client *redis.Client) (store.ResultStore, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		return store.NewRedisStore(client, cfg.KeyPrefix, cfg.ResultTTL), nil
	case config.BackendPostgres:
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN, cfg.ResultTTL)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return pg, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// OpenQueue returns the configured JobQueue. The Redis consumer group is created if missing.
func OpenQueue(ctx context.Context, cfg config.Config, client *redis.Client) (queue.JobQueue, error) {
	switch cfg.QueueBackend {
	case config.BackendRedis:
		q := queue.NewRedisStream(client, cfg.StreamName, cfg.ConsumerGroup)
		if err := q.EnsureGroup(ctx); err != nil {
			return nil, err
		}
		return q, nil
	case config.BackendSQS:
		if cfg.SQSQueueURL == "" {
			return nil, errors.New("SQS_QUEUE_URL is required for the sqs queue backend")
		}
		awsCfg, err := cfg.AWS(ctx)
		if err != nil {
			return nil, err
		}
		return queue.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURL, cfg.VisibilityTimeout), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
}
