package buffer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/fleetsync/control-plane/internal/testutil"
	"github.com/pilot-net/fleetsync/pkg/types"
)

// fakeList models Redis lists by key; index 0 is the left end.
type fakeList struct {
	mu      sync.Mutex
	lists   map[string][]string
	pushErr error
}

func newFakeList(seed ...string) *fakeList {
	return &fakeList{lists: map[string][]string{keyRunResults: seed}}
}

func (f *fakeList) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return redis.NewIntResult(0, f.pushErr)
	}
	for _, v := range values {
		f.lists[key] = append([]string{string(v.([]byte))}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeList) RPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.lists[key] = append(f.lists[key], string(v.([]byte)))
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeList) RPopCount(_ context.Context, key string, count int) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.lists[key]
	if len(items) == 0 {
		return redis.NewStringSliceResult(nil, redis.Nil)
	}
	var out []string
	for i := 0; i < count && len(items) > 0; i++ {
		last := len(items) - 1
		out = append(out, items[last])
		items = items[:last]
	}
	f.lists[key] = items
	return redis.NewStringSliceResult(out, nil)
}

func (f *fakeList) LLen(_ context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeList) Close() error { return nil }

// flakySink fails for the listed run IDs.
type flakySink struct {
	mu     sync.Mutex
	fail   map[string]bool
	stored []string
}

func (s *flakySink) RecordRun(_ context.Context, r types.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[r.RunID] {
		return errors.New("database unavailable")
	}
	s.stored = append(s.stored, r.RunID)
	return nil
}

func run(id string) types.RunResult {
	return testutil.FixtureRunResult(func(r *types.RunResult) { r.RunID = id })
}

func ids(runs []types.RunResult) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.RunID
	}
	return out
}

func TestRunQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	q := NewRunQueueWithClient(newFakeList(), testutil.NewTestLogger())

	require.NoError(t, q.RecordRun(ctx, run("r1")))
	require.NoError(t, q.Push(ctx, run("r2"), run("r3")))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	got, err := q.Pop(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, ids(got))
	assert.Equal(t, 1000, got[0].TotalRate)

	got, err = q.Pop(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"r3"}, ids(got))

	got, err = q.Pop(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRunQueue_RequeueGoesFirst(t *testing.T) {
	ctx := context.Background()
	q := NewRunQueueWithClient(newFakeList(), testutil.NewTestLogger())

	require.NoError(t, q.Push(ctx, run("new")))
	require.NoError(t, q.Requeue(ctx, []types.RunResult{run("old1"), run("old2")}))

	got, err := q.Pop(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"old1", "old2", "new"}, ids(got))
}

func TestRunQueue_PushError(t *testing.T) {
	q := NewRunQueueWithClient(&fakeList{lists: map[string][]string{}, pushErr: errors.New("READONLY")}, testutil.NewTestLogger())
	err := q.RecordRun(context.Background(), run("r1"))
	assert.ErrorContains(t, err, "READONLY")
}

func TestRunQueue_SkipsUndecodable(t *testing.T) {
	list := newFakeList("{not json")
	q := NewRunQueueWithClient(list, testutil.NewTestLogger())
	require.NoError(t, q.Push(context.Background(), run("r1")))

	got, err := q.Pop(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids(got))
}

func TestFlusher_RequeuesFromFirstFailure(t *testing.T) {
	ctx := context.Background()
	q := NewRunQueueWithClient(newFakeList(), testutil.NewTestLogger())
	require.NoError(t, q.Push(ctx, run("r1"), run("r2"), run("r3")))

	sink := &flakySink{fail: map[string]bool{"r2": true}}
	f := NewFlusher(q, sink, testutil.NewTestLogger())

	assert.Equal(t, 1, f.Flush(ctx))
	assert.Equal(t, []string{"r1"}, sink.stored)

	n, _ := q.Len(ctx)
	assert.EqualValues(t, 2, n)

	sink.fail = nil
	assert.Equal(t, 2, f.Flush(ctx))
	assert.Equal(t, []string{"r1", "r2", "r3"}, sink.stored)
	assert.Equal(t, 0, f.Flush(ctx))
}

func TestFlusher_DeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	list := newFakeList()
	q := NewRunQueueWithClient(list, testutil.NewTestLogger())
	require.NoError(t, q.Push(ctx, run("bad"), run("r2"), run("r3")))

	sink := &flakySink{fail: map[string]bool{"bad": true}}
	f := NewFlusher(q, sink, testutil.NewTestLogger())
	f.maxAttempts = 3

	for attempt := 1; attempt < 3; attempt++ {
		assert.Equal(t, 0, f.Flush(ctx), "attempt %d", attempt)
		n, _ := q.Len(ctx)
		assert.EqualValues(t, 3, n, "attempt %d", attempt)
	}

	// The third failure parks the run and the rest of the batch goes through.
	assert.Equal(t, 2, f.Flush(ctx))
	assert.Equal(t, []string{"r2", "r3"}, sink.stored)

	n, _ := q.Len(ctx)
	assert.Zero(t, n)
	dead, err := q.DeadLetterLen(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, dead)
	assert.Contains(t, list.lists[keyDeadLetter][0], `"run_id":"bad"`)
	assert.Empty(t, f.attempts)

	// Later runs are not held back.
	require.NoError(t, q.Push(ctx, run("r4")))
	assert.Equal(t, 1, f.Flush(ctx))
	assert.Equal(t, []string{"r2", "r3", "r4"}, sink.stored)
}

func TestFlusher_SuccessResetsAttempts(t *testing.T) {
	ctx := context.Background()
	q := NewRunQueueWithClient(newFakeList(), testutil.NewTestLogger())
	require.NoError(t, q.Push(ctx, run("r1")))

	sink := &flakySink{fail: map[string]bool{"r1": true}}
	f := NewFlusher(q, sink, testutil.NewTestLogger())
	f.maxAttempts = 2

	assert.Equal(t, 0, f.Flush(ctx))
	assert.Equal(t, 1, f.attempts["r1"])

	sink.fail = nil
	assert.Equal(t, 1, f.Flush(ctx))
	assert.Empty(t, f.attempts)
	dead, _ := q.DeadLetterLen(ctx)
	assert.Zero(t, dead)
}

func TestFlusher_StopFlushes(t *testing.T) {
	q := NewRunQueueWithClient(newFakeList(), testutil.NewTestLogger())
	require.NoError(t, q.Push(context.Background(), run("r1")))

	sink := &flakySink{}
	f := NewFlusher(q, sink, testutil.NewTestLogger())
	f.Start()
	f.Stop()

	assert.Equal(t, []string{"r1"}, sink.stored)
}

func TestNewRunQueue_InvalidURL(t *testing.T) {
	_, err := NewRunQueue("not-a-url", testutil.NewTestLogger())
	assert.ErrorContains(t, err, "invalid redis URL")
}
