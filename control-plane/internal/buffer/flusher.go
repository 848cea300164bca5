package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pilot-net/fleetsync/pkg/types"
)

// Sink is the durable destination of queued runs.
type Sink interface {
	RecordRun(ctx context.Context, result types.RunResult) error
}

// Flusher drains the run queue into the sink. A run that fails
// maxAttempts flushes in a row is moved to the dead-letter list so it cannot
// hold back the runs queued behind it.
type Flusher struct {
	queue       *RunQueue
	sink        Sink
	logger      *slog.Logger
	interval    time.Duration
	batch       int
	maxAttempts int

	mu       sync.Mutex
	attempts map[string]int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewFlusher creates a new queue flusher.
func NewFlusher(queue *RunQueue, sink Sink, logger *slog.Logger) *Flusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{
		queue:    queue,
		sink:     sink,
		logger:   logger.With("component", "run_flusher"),
		interval:    DefaultFlushInterval,
		batch:       DefaultBatchSize,
		maxAttempts: DefaultMaxAttempts,
		attempts:    make(map[string]int),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the background flushing loop.
func (f *Flusher) Start() {
	f.wg.Add(1)
	go f.run()
	f.logger.Info("run flusher started", "interval", f.interval, "batch_size", f.batch)
}

// Stop stops the flusher after a final flush and waits for completion.
func (f *Flusher) Stop() {
	close(f.stopCh)
	f.wg.Wait()
	f.logger.Info("run flusher stopped")
}

func (f *Flusher) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			f.Flush(context.Background())
			return
		case <-ticker.C:
			f.Flush(context.Background())
		}
	}
}

// Flush writes one batch to the sink and returns how many runs were stored.
// Runs the sink rejects go back to the queue for the next flush.
func (f *Flusher) Flush(ctx context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	size, err := f.queue.Len(ctx)
	if err != nil {
		f.logger.Error("failed to get queue size", "error", err)
		return 0
	}
	if size == 0 {
		return 0
	}

	runs, err := f.queue.Pop(ctx, f.batch)
	if err != nil {
		f.logger.Error("failed to pop from queue", "error", err)
		return 0
	}

	start := time.Now()
	var failed []types.RunResult
	stored, dead := 0, 0
	for i, r := range runs {
		err := f.sink.RecordRun(ctx, r)
		if err == nil {
			delete(f.attempts, r.RunID)
			stored++
			continue
		}

		f.attempts[r.RunID]++
		attempt := f.attempts[r.RunID]
		if attempt >= f.maxAttempts {
			delete(f.attempts, r.RunID)
			dead++
			f.logger.Error("giving up on run, moving to dead letter",
				"run_id", r.RunID,
				"attempts", attempt,
				"error", err,
			)
			if err := f.queue.DeadLetter(ctx, r); err != nil {
				f.logger.Error("failed to dead-letter run, dropping", "run_id", r.RunID, "error", err)
			}
			continue
		}

		f.logger.Error("failed to record run", "run_id", r.RunID, "attempt", attempt, "error", err)
		// Keep order: everything from the first failure is retried.
		failed = runs[i:]
		break
	}

	if len(failed) > 0 {
		if err := f.queue.Requeue(ctx, failed); err != nil {
			f.logger.Error("failed to requeue runs, dropping", "count", len(failed), "error", err)
		}
	}

	if stored > 0 {
		f.logger.Info("flushed runs to database",
			"count", stored,
			"dead_lettered", dead,
			"remaining", size-int64(stored+dead),
			"duration", time.Since(start),
		)
	}
	return stored
}
