// Package queue implements the durable execution job queue on Redis.
// Jobs move waiting → active → completed|failed; a failed attempt with
// retries left goes back to waiting through a delayed set with
// exponential backoff. Delivery is at-least-once: a worker crash leaves
// the job active and the reaper returns it to waiting once its lease
// expires.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"codehive/internal/logging"
	"codehive/internal/metrics"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Job states observable through State.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

var (
	ErrJobNotFound = errors.New("queue: job not found")
	ErrClosed      = errors.New("queue: closed")
)

// Job is one unit of work. Payload is an opaque JSON document owned by
// the enqueuer.
type Job struct {
	ID        string
	Payload   string
	State     string
	Attempts  int
	LastError string
	Result    string
	CreatedAt time.Time
}

// Options tune retry, retention, and lease behavior.
type Options struct {
	// Prefix namespaces every key this queue touches.
	Prefix string

	MaxAttempts int
	BackoffBase time.Duration

	// VisibilityTimeout is the lease granted to a worker per attempt.
	VisibilityTimeout time.Duration

	RemoveOnComplete int64
	RemoveOnFail     int64
}

// DefaultOptions mirror the documented queue contract.
func DefaultOptions() Options {
	return Options{
		Prefix:            "queue:executions",
		MaxAttempts:       3,
		BackoffBase:       time.Second,
		VisibilityTimeout: 90 * time.Second,
		RemoveOnComplete:  10,
		RemoveOnFail:      50,
	}
}

// Queue is a Redis-backed durable job queue.
type Queue struct {
	client redis.UniversalClient
	opts   Options
}

// New creates a queue over an existing Redis client.
func New(client redis.UniversalClient, opts Options) *Queue {
	if opts.Prefix == "" {
		opts.Prefix = "queue:executions"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 90 * time.Second
	}
	if opts.RemoveOnComplete <= 0 {
		opts.RemoveOnComplete = 10
	}
	if opts.RemoveOnFail <= 0 {
		opts.RemoveOnFail = 50
	}
	return &Queue{client: client, opts: opts}
}

func (q *Queue) key(parts ...string) string {
	k := q.opts.Prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) jobKey(id string) string   { return q.key("job", id) }
func (q *Queue) leaseKey(id string) string { return q.key("lease", id) }

// Enqueue stores the job payload and pushes the id onto the waiting
// list. It is synchronous: once it returns, the job is durable.
func (q *Queue) Enqueue(ctx context.Context, payload string) (string, error) {
	id := uuid.New().String()
	now := time.Now()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), map[string]interface{}{
		"payload":    payload,
		"state":      StateWaiting,
		"attempts":   0,
		"created_at": now.UnixMilli(),
	})
	pipe.LPush(ctx, q.key("waiting"), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	metrics.Get().RecordJobEnqueued()
	return id, nil
}

// Dequeue blocks until a job is available or the context is cancelled.
// The returned job is leased to the caller for the visibility timeout;
// the caller must finish with Complete or Fail.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Short block so cancellation is observed promptly.
		id, err := q.client.BRPopLPush(ctx, q.key("waiting"), q.key("active"), 2*time.Second).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("dequeue: %w", err)
		}

		job, err := q.claim(ctx, id)
		if err != nil {
			logging.L().Warn("job claim failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		return job, nil
	}
}

// claim marks a popped job active and takes its lease.
func (q *Queue) claim(ctx context.Context, id string) (*Job, error) {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), "state", StateActive)
	attempts := pipe.HIncrBy(ctx, q.jobKey(id), "attempts", 1)
	pipe.Set(ctx, q.leaseKey(id), "1", q.opts.VisibilityTimeout)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}

	job := jobFromFields(id, fields)
	job.Attempts = int(attempts.Val())
	if createdMs, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		metrics.Get().RecordJobWait(time.Since(time.UnixMilli(createdMs)))
	}
	return job, nil
}

// Complete finishes a job, stores its return value, and trims old
// completed entries past the retention bound.
func (q *Queue) Complete(ctx context.Context, id, result string) error {
	now := float64(time.Now().UnixMilli())

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), map[string]interface{}{
		"state":  StateCompleted,
		"result": result,
	})
	pipe.LRem(ctx, q.key("active"), 0, id)
	pipe.Del(ctx, q.leaseKey(id))
	pipe.ZAdd(ctx, q.key("completed"), &redis.Z{Score: now, Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}

	return q.trim(ctx, q.key("completed"), q.opts.RemoveOnComplete)
}

// Fail records a failed attempt. With retries remaining the job is
// scheduled back through the delayed set with exponential backoff;
// otherwise it lands in failed and old entries are trimmed.
func (q *Queue) Fail(ctx context.Context, id, lastError string) error {
	attempts, err := q.client.HGet(ctx, q.jobKey(id), "attempts").Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrJobNotFound
		}
		return fmt.Errorf("fail job %s: %w", id, err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), "last_error", lastError)
	pipe.LRem(ctx, q.key("active"), 0, id)
	pipe.Del(ctx, q.leaseKey(id))

	if attempts < q.opts.MaxAttempts {
		shift := attempts - 1
		if shift < 0 {
			shift = 0
		}
		backoff := q.opts.BackoffBase * time.Duration(1<<shift)
		dueAt := float64(time.Now().Add(backoff).UnixMilli())
		pipe.HSet(ctx, q.jobKey(id), "state", StateWaiting)
		pipe.ZAdd(ctx, q.key("delayed"), &redis.Z{Score: dueAt, Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("retry job %s: %w", id, err)
		}
		metrics.Get().RecordJobRetried()
		return nil
	}

	pipe.HSet(ctx, q.jobKey(id), "state", StateFailed)
	pipe.ZAdd(ctx, q.key("failed"), &redis.Z{Score: float64(time.Now().UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return q.trim(ctx, q.key("failed"), q.opts.RemoveOnFail)
}

// trim drops the oldest set members and their job hashes beyond keep.
func (q *Queue) trim(ctx context.Context, setKey string, keep int64) error {
	count, err := q.client.ZCard(ctx, setKey).Result()
	if err != nil || count <= keep {
		return err
	}

	old, err := q.client.ZRange(ctx, setKey, 0, count-keep-1).Result()
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	for _, id := range old {
		pipe.ZRem(ctx, setKey, id)
		pipe.Del(ctx, q.jobKey(id))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// State returns the job's current state.
func (q *Queue) State(ctx context.Context, id string) (string, error) {
	state, err := q.client.HGet(ctx, q.jobKey(id), "state").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrJobNotFound
	}
	return state, err
}

// Result returns the stored return value of a completed job.
func (q *Queue) Result(ctx context.Context, id string) (string, error) {
	result, err := q.client.HGet(ctx, q.jobKey(id), "result").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrJobNotFound
	}
	return result, err
}

// Get returns a full job snapshot.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return jobFromFields(id, fields), nil
}

// Counts reports the backlog per state for metrics and health checks.
func (q *Queue) Counts(ctx context.Context) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.key("waiting"))
	active := pipe.LLen(ctx, q.key("active"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	return map[string]int64{
		StateWaiting:   waiting.Val() + delayed.Val(),
		StateActive:    active.Val(),
		StateCompleted: completed.Val(),
		StateFailed:    failed.Val(),
	}, nil
}

// StartMaintenance runs the delayed-job promoter and the expired-lease
// reaper until the context is cancelled. One maintenance loop per
// process is enough; the operations are idempotent across processes.
func (q *Queue) StartMaintenance(ctx context.Context) {
	go q.loop(ctx, time.Second, q.promoteDelayed)
	go q.loop(ctx, 5*time.Second, q.reapExpired)
	go q.loop(ctx, 15*time.Second, q.reportDepth)
}

func (q *Queue) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// promoteDelayed moves due delayed jobs back onto the waiting list.
func (q *Queue) promoteDelayed(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil || len(due) == 0 {
		return
	}

	for _, id := range due {
		removed, err := q.client.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil || removed == 0 {
			continue // another maintenance loop promoted it
		}
		q.client.LPush(ctx, q.key("waiting"), id)
	}
}

// reapExpired returns active jobs whose lease lapsed to the waiting
// list so another worker can retry them.
func (q *Queue) reapExpired(ctx context.Context) {
	active, err := q.client.LRange(ctx, q.key("active"), 0, -1).Result()
	if err != nil {
		return
	}

	for _, id := range active {
		held, err := q.client.Exists(ctx, q.leaseKey(id)).Result()
		if err != nil || held > 0 {
			continue
		}

		state, err := q.client.HGet(ctx, q.jobKey(id), "state").Result()
		if err != nil || state != StateActive {
			// Completed or failed between the scans; just drop the
			// stale list entry.
			q.client.LRem(ctx, q.key("active"), 0, id)
			continue
		}

		removed, err := q.client.LRem(ctx, q.key("active"), 0, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		q.client.HSet(ctx, q.jobKey(id), "state", StateWaiting)
		q.client.LPush(ctx, q.key("waiting"), id)

		metrics.Get().RecordJobReaped()
		logging.L().Warn("reaped job with expired lease", zap.String("job_id", id))
	}
}

func (q *Queue) reportDepth(ctx context.Context) {
	counts, err := q.Counts(ctx)
	if err != nil {
		return
	}
	for state, depth := range counts {
		metrics.Get().SetQueueDepth(state, depth)
	}
}

func jobFromFields(id string, fields map[string]string) *Job {
	job := &Job{
		ID:        id,
		Payload:   fields["payload"],
		State:     fields["state"],
		LastError: fields["last_error"],
		Result:    fields["result"],
	}
	if n, err := strconv.Atoi(fields["attempts"]); err == nil {
		job.Attempts = n
	}
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		job.CreatedAt = time.UnixMilli(ms)
	}
	return job
}
