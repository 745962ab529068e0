package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProcessedStore remembers which webhook events finished processing.
// It is an optimisation in front of the durable store, never the source of truth.
type ProcessedStore interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
}

// ProcessedEvents is the Redis implementation of ProcessedStore
type ProcessedEvents struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewProcessedEvents connects to Redis and verifies the connection
func NewProcessedEvents(ctx context.Context, addr, password string, db int, ttl time.Duration) (*ProcessedEvents, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return NewProcessedEventsWithClient(client, ttl), nil
}

// NewProcessedEventsWithClient wraps an existing client
func NewProcessedEventsWithClient(client *redis.Client, ttl time.Duration) *ProcessedEvents {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ProcessedEvents{client: client, ttl: ttl, prefix: "webhook:processed:"}
}

func (c *ProcessedEvents) key(eventID string) string {
	return c.prefix + eventID
}

// IsProcessed reports whether the event was marked processed within the TTL
func (c *ProcessedEvents) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	err := c.client.Get(ctx, c.key(eventID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get key: %w", err)
	}
	return true, nil
}

// MarkProcessed records the event as processed for the TTL
func (c *ProcessedEvents) MarkProcessed(ctx context.Context, eventID string) error {
	if err := c.client.Set(ctx, c.key(eventID), time.Now().Unix(), c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity
func (c *ProcessedEvents) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *ProcessedEvents) Close() error {
	return c.client.Close()
}
