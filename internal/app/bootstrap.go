package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jia-app/paymentgateway/internal/cache"
	"github.com/jia-app/paymentgateway/internal/config"
	"github.com/jia-app/paymentgateway/internal/events"
	"github.com/jia-app/paymentgateway/internal/log"
	"github.com/jia-app/paymentgateway/internal/repository/postgres"
	"github.com/jia-app/paymentgateway/internal/tracing"
)

// NewStore connects to Postgres and applies the embedded schema when configured
func NewStore(ctx context.Context, cfg *config.Config) (*postgres.Store, error) {
	store, err := postgres.NewStore(ctx, cfg.Database, cfg.Retry.Schedule())
	if err != nil {
		return nil, err
	}

	if cfg.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
		log.Info(ctx, "Database schema applied")
	}
	return store, nil
}

// NewProcessedCache connects the Redis fast path. It returns nil when Redis is
// not configured or unreachable; the store alone still guarantees idempotency.
func NewProcessedCache(ctx context.Context, cfg *config.Config) *cache.ProcessedEvents {
	if cfg.Redis.Addr == "" {
		log.Info(ctx, "Redis not configured, processed-event cache disabled")
		return nil
	}

	processed, err := cache.NewProcessedEvents(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.ProcessedTTL)
	if err != nil {
		log.Warn(ctx, "Redis initialization failed, continuing without cache",
			zap.Error(err),
			zap.String("redis_addr", cfg.Redis.Addr))
		return nil
	}
	return processed
}

// NewPublisher returns a Kafka publisher, or a no-op one when Kafka is not configured or unreachable
func NewPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) events.Publisher {
	if len(cfg.Kafka.Brokers) == 0 {
		log.Info(ctx, "Kafka not configured, downstream events disabled")
		return events.NoopPublisher{}
	}

	publisher, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
	if err != nil {
		log.Warn(ctx, "Kafka initialization failed, downstream events disabled",
			zap.Error(err),
			zap.Strings("brokers", cfg.Kafka.Brokers))
		return events.NoopPublisher{}
	}
	return publisher
}

// NewTracing installs the Jaeger exporter when tracing is enabled
func NewTracing(cfg *config.Config, logger *zap.Logger) (func(context.Context) error, error) {
	if !cfg.Tracing.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	tc := tracing.DefaultConfig()
	if cfg.Tracing.ServiceName != "" {
		tc.ServiceName = cfg.Tracing.ServiceName
	}
	if cfg.Tracing.JaegerEndpoint != "" {
		tc.JaegerEndpoint = cfg.Tracing.JaegerEndpoint
	}
	if cfg.Tracing.SamplingRatio > 0 {
		tc.SamplingRatio = cfg.Tracing.SamplingRatio
	}
	return tracing.Init(tc, logger)
}

// getKeyPrefix returns the first 8 characters of a key for logging
func getKeyPrefix(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "***"
}
