// Package buffer provides a Redis-backed write-ahead queue for finished runs.
// This decouples run completion from database writes, so a slow or
// unavailable database never holds up the coordinator.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/fleetsync/control-plane/internal/config"
	"github.com/pilot-net/fleetsync/pkg/types"
)

const (
	// Redis keys for the run results queue and runs the database keeps
	// rejecting
	keyRunResults = "fleetsync:run_results"
	keyDeadLetter = "fleetsync:run_results:dead"

	// DefaultBatchSize is the number of runs written per flush.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the queue is drained.
	DefaultFlushInterval = 2 * time.Second

	// DefaultMaxAttempts is how many flushes may fail on one run before it
	// is moved to the dead-letter list.
	DefaultMaxAttempts = 5
)

// Client is the subset of the Redis API the queue uses.
type Client interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPopCount(ctx context.Context, key string, count int) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	Close() error
}

// RunQueue buffers run results in a Redis list.
// New results are pushed on the left and popped from the right (FIFO).
type RunQueue struct {
	client Client
	logger *slog.Logger
}

// NewRunQueue connects to Redis and returns a queue.
func NewRunQueue(redisURL string, logger *slog.Logger) (*RunQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), config.RedisConnectionTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRunQueueWithClient(client, logger), nil
}

// NewRunQueueWithClient wraps an existing client.
func NewRunQueueWithClient(client Client, logger *slog.Logger) *RunQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunQueue{
		client: client,
		logger: logger.With("component", "run_queue"),
	}
}

// RecordRun queues a finished run for persistence.
func (q *RunQueue) RecordRun(ctx context.Context, result types.RunResult) error {
	return q.Push(ctx, result)
}

// Push adds runs to the queue.
func (q *RunQueue) Push(ctx context.Context, results ...types.RunResult) error {
	values, err := encode(results)
	if err != nil || len(values) == 0 {
		return err
	}
	if err := q.client.LPush(ctx, keyRunResults, values...).Err(); err != nil {
		return fmt.Errorf("failed to push runs to redis: %w", err)
	}
	return nil
}

// Requeue returns runs to the consuming end of the queue so they are popped
// again, in the same order, before anything newer.
func (q *RunQueue) Requeue(ctx context.Context, results []types.RunResult) error {
	values, err := encode(results)
	if err != nil || len(values) == 0 {
		return err
	}
	slices.Reverse(values)
	if err := q.client.RPush(ctx, keyRunResults, values...).Err(); err != nil {
		return fmt.Errorf("failed to requeue runs: %w", err)
	}
	return nil
}

// Pop retrieves and removes up to max runs in FIFO order.
func (q *RunQueue) Pop(ctx context.Context, max int) ([]types.RunResult, error) {
	items, err := q.client.RPopCount(ctx, keyRunResults, max).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop runs from redis: %w", err)
	}

	results := make([]types.RunResult, 0, len(items))
	for _, item := range items {
		var r types.RunResult
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			q.logger.Warn("dropping undecodable run result", "error", err)
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

// Len returns the number of queued runs.
func (q *RunQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, keyRunResults).Result()
}

// DeadLetter parks a run outside the queue for manual inspection.
func (q *RunQueue) DeadLetter(ctx context.Context, result types.RunResult) error {
	values, err := encode([]types.RunResult{result})
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, keyDeadLetter, values...).Err(); err != nil {
		return fmt.Errorf("failed to dead-letter run %s: %w", result.RunID, err)
	}
	return nil
}

// DeadLetterLen returns the number of parked runs.
func (q *RunQueue) DeadLetterLen(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, keyDeadLetter).Result()
}

// Close closes the Redis connection.
func (q *RunQueue) Close() error {
	return q.client.Close()
}

func encode(results []types.RunResult) ([]interface{}, error) {
	values := make([]interface{}, len(results))
	for i, r := range results {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal run %s: %w", r.RunID, err)
		}
		values[i] = data
	}
	return values, nil
}
