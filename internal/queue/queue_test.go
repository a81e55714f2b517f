package queue

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// skipIfNoRedis skips queue tests when no server is reachable. Each test
// gets its own key prefix so runs do not interfere.
func skipIfNoRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", addr, err)
	}
	return client
}

func newTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	client := skipIfNoRedis(t)
	t.Cleanup(func() { client.Close() })

	opts.Prefix = fmt.Sprintf("test:queue:%s:%d", t.Name(), time.Now().UnixNano())
	q := New(client, opts)

	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, opts.Prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})
	return q
}

func TestEnqueueDequeueComplete(t *testing.T) {
	q := newTestQueue(t, DefaultOptions())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, `{"work":"one"}`)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	state, err := q.State(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state)

	dequeueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	job, err := q.Dequeue(dequeueCtx)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, `{"work":"one"}`, job.Payload)
	assert.Equal(t, 1, job.Attempts)

	state, err = q.State(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)

	require.NoError(t, q.Complete(ctx, id, `{"ok":true}`))

	state, err = q.State(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)

	result, err := q.Result(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, result)
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxAttempts = 3
	opts.BackoffBase = 50 * time.Millisecond
	q := newTestQueue(t, opts)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, `{}`)
	require.NoError(t, err)

	dequeueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	job, err := q.Dequeue(dequeueCtx)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, job.ID, "boom"))

	// Back to waiting via the delayed set, not failed.
	state, err := q.State(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state)

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "boom", got.LastError)

	// Promote manually instead of waiting for the maintenance ticker.
	time.Sleep(60 * time.Millisecond)
	q.promoteDelayed(ctx)

	dequeueCtx2, cancel2 := context.WithTimeout(ctx, 5*time.Second)
	defer cancel2()
	job, err = q.Dequeue(dequeueCtx2)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 2, job.Attempts)
}

func TestFailExhaustsAttempts(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxAttempts = 2
	opts.BackoffBase = 10 * time.Millisecond
	q := newTestQueue(t, opts)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, `{}`)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		time.Sleep(30 * time.Millisecond)
		q.promoteDelayed(ctx)

		dequeueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		job, err := q.Dequeue(dequeueCtx)
		cancel()
		require.NoError(t, err)
		require.Equal(t, id, job.ID)

		require.NoError(t, q.Fail(ctx, id, fmt.Sprintf("attempt %d", attempt)))
	}

	state, err := q.State(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
}

func TestDequeueHonorsCancellation(t *testing.T) {
	q := newTestQueue(t, DefaultOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReaperReturnsExpiredLeases(t *testing.T) {
	opts := DefaultOptions()
	opts.VisibilityTimeout = 100 * time.Millisecond
	q := newTestQueue(t, opts)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, `{}`)
	require.NoError(t, err)

	dequeueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = q.Dequeue(dequeueCtx)
	require.NoError(t, err)

	// Simulate a worker crash: never Complete/Fail, let the lease lapse.
	time.Sleep(150 * time.Millisecond)
	q.reapExpired(ctx)

	state, err := q.State(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state)

	dequeueCtx2, cancel2 := context.WithTimeout(ctx, 5*time.Second)
	defer cancel2()
	job, err := q.Dequeue(dequeueCtx2)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 2, job.Attempts)
}

func TestRetentionBounds(t *testing.T) {
	opts := DefaultOptions()
	opts.RemoveOnComplete = 3
	q := newTestQueue(t, opts)
	ctx := context.Background()

	var last string
	for i := 0; i < 6; i++ {
		id, err := q.Enqueue(ctx, `{}`)
		require.NoError(t, err)

		dequeueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		job, err := q.Dequeue(dequeueCtx)
		cancel()
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, job.ID, "done"))
		last = id
	}

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[StateCompleted])

	// The newest completed job survives the trim.
	state, err := q.State(ctx, last)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)
}

func TestDistinctJobsDoNotOverwrite(t *testing.T) {
	q := newTestQueue(t, DefaultOptions())
	ctx := context.Background()

	first, err := q.Enqueue(ctx, `{"n":1}`)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, `{"n":1}`)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "same payload enqueued twice yields distinct jobs")

	for i := 0; i < 2; i++ {
		dequeueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		job, err := q.Dequeue(dequeueCtx)
		cancel()
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, job.ID, fmt.Sprintf("result-%s", job.ID)))
	}

	r1, err := q.Result(ctx, first)
	require.NoError(t, err)
	r2, err := q.Result(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "result-"+first, r1)
	assert.Equal(t, "result-"+second, r2)
}
