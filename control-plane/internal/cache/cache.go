// Package cache publishes aggregated fleet snapshots to Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/fleetsync/control-plane/internal/config"
	"github.com/pilot-net/fleetsync/pkg/types"
)

const (
	// LatestKey holds the most recent snapshot as JSON.
	LatestKey = "fleetsync:stats:latest"
	// Channel receives every snapshot as it is produced.
	Channel = "fleetsync:stats"

	// DefaultTTL expires the latest key when the control plane stops publishing.
	DefaultTTL = config.CacheTTLStats
)

// Client is the subset of the Redis client the cache needs.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// Cache provides Redis-backed snapshot publication.
type Cache struct {
	client Client
	ttl    time.Duration
	logger *slog.Logger
}

// New connects to Redis at redisURL.
func New(redisURL string, logger *slog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), config.RedisConnectionTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewWithClient(client, DefaultTTL, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "cache"),
	}
}

// Publish stores s under LatestKey and announces it on Channel.
func (c *Cache) Publish(ctx context.Context, s types.AggregatedStats) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := c.client.Set(ctx, LatestKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("storing snapshot: %w", err)
	}
	if err := c.client.Publish(ctx, Channel, data).Err(); err != nil {
		return fmt.Errorf("publishing snapshot: %w", err)
	}
	return nil
}

// Latest returns the last published snapshot. ok is false on a cache miss.
func (c *Cache) Latest(ctx context.Context) (s types.AggregatedStats, ok bool, err error) {
	data, err := c.client.Get(ctx, LatestKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return s, false, nil // Cache miss
	}
	if err != nil {
		return s, false, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, false, fmt.Errorf("decoding snapshot: %w", err)
	}
	return s, true, nil
}

// Run publishes every snapshot from snapshots until the channel closes or
// ctx is cancelled. Publish failures are logged and do not stop the loop.
func (c *Cache) Run(ctx context.Context, snapshots <-chan types.AggregatedStats) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-snapshots:
			if !ok {
				return
			}
			if err := c.Publish(ctx, s); err != nil {
				c.logger.Warn("snapshot publish failed", "error", err)
			}
		}
	}
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
