package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"codehive/internal/kvs"
	"codehive/internal/logging"
	"codehive/internal/metrics"
	"codehive/internal/queue"
	"codehive/internal/sandbox"
	"codehive/pkg/models"

	"go.uber.org/zap"
)

// WorkSource is the queue surface the worker consumes.
type WorkSource interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, id, result string) error
	Fail(ctx context.Context, id, lastError string) error
}

// Sandbox runs one submission under a language profile.
type Sandbox interface {
	Execute(ctx context.Context, sub *models.Submission, profile *sandbox.LanguageProfile) (*models.ExecutionResult, error)
}

// Publisher fans completed results back to the realtime gateway.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// WorkerOptions tune the worker pool.
type WorkerOptions struct {
	Concurrency    int
	MaxSourceBytes int
}

// Worker drains the execution queue. Each of the Concurrency goroutines
// owns one job at a time; Run returns once the context is cancelled and
// all in-flight executions have drained.
type Worker struct {
	source   WorkSource
	sandbox  Sandbox
	store    kvs.Store
	notifier Publisher
	registry *sandbox.Registry
	filter   *sandbox.Filter
	opts     WorkerOptions
}

// NewWorker wires a worker. notifier may be nil when no gateway is
// listening (tests, batch tools).
func NewWorker(source WorkSource, sb Sandbox, store kvs.Store, notifier Publisher, registry *sandbox.Registry, filter *sandbox.Filter, opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.MaxSourceBytes <= 0 {
		opts.MaxSourceBytes = defaultMaxSourceBytes
	}
	return &Worker{
		source:   source,
		sandbox:  sb,
		store:    store,
		notifier: notifier,
		registry: registry,
		filter:   filter,
		opts:     opts,
	}
}

// Run blocks until ctx is cancelled and every in-flight job finished.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.drain(ctx, slot)
		}(i)
	}
	wg.Wait()
}

func (w *Worker) drain(ctx context.Context, slot int) {
	log := logging.L().With(zap.Int("slot", slot))
	for {
		job, err := w.source.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		// An in-flight job finishes even during shutdown; only the
		// dequeue loop observes cancellation.
		w.process(context.Background(), job, log)

		if ctx.Err() != nil {
			return
		}
	}
}

// process runs one job to completion. A panic inside the sandbox path
// marks the job failed instead of killing the worker slot.
func (w *Worker) process(ctx context.Context, job *queue.Job, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during execution", zap.Any("panic", r), zap.String("job_id", job.ID))
			_ = w.source.Fail(ctx, job.ID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	var sub models.Submission
	if err := json.Unmarshal([]byte(job.Payload), &sub); err != nil {
		// Malformed payloads never become runnable; don't retry.
		log.Error("undecodable job payload", zap.String("job_id", job.ID), zap.Error(err))
		w.publish(ctx, job, &sub, &models.ExecutionResult{
			SubmissionID: sub.SubmissionID,
			Status:       models.StatusSystemError,
			Stderr:       "internal error: invalid job payload",
			ExitCode:     -1,
		})
		return
	}

	log = log.With(zap.String("submission_id", sub.SubmissionID), zap.String("language", sub.Language))

	if result := w.validate(&sub); result != nil {
		log.Info("submission rejected before sandbox", zap.String("status", result.Status))
		w.publish(ctx, job, &sub, result)
		return
	}

	profile, _ := w.registry.Get(sub.Language)
	started := time.Now()
	result, err := w.sandbox.Execute(ctx, &sub, profile)
	if err != nil {
		log.Error("sandbox execution failed", zap.Error(err))
		_ = w.source.Fail(ctx, job.ID, sandbox.SanitizeError(err.Error()))
		return
	}

	metrics.Get().RecordExecution(sub.Language, result.Status, time.Since(started))
	log.Info("execution finished",
		zap.String("status", result.Status),
		zap.Int64("wall_millis", result.WallMillis))

	w.publish(ctx, job, &sub, result)
}

// validate re-checks the submission inside the worker: the queue is a
// trust boundary between processes.
func (w *Worker) validate(sub *models.Submission) *models.ExecutionResult {
	profile, ok := w.registry.Get(sub.Language)
	if !ok {
		return &models.ExecutionResult{
			SubmissionID: sub.SubmissionID,
			Status:       models.StatusSystemError,
			Stderr:       fmt.Sprintf("unsupported language: %s", sub.Language),
			ExitCode:     -1,
		}
	}
	if err := sandbox.ValidateSourceSize(sub.Code, w.opts.MaxSourceBytes); err != nil {
		return &models.ExecutionResult{
			SubmissionID: sub.SubmissionID,
			Status:       models.StatusCompilationError,
			Stderr:       err.Error(),
			ExitCode:     -1,
		}
	}
	if err := w.filter.Check(sub.Code, profile); err != nil {
		return &models.ExecutionResult{
			SubmissionID: sub.SubmissionID,
			Status:       models.StatusCompilationError,
			Stderr:       err.Error(),
			ExitCode:     -1,
		}
	}
	return nil
}

// publish stores the result in the KVS, notifies the gateway, and
// completes the queue job with the result as its stored return value.
func (w *Worker) publish(ctx context.Context, job *queue.Job, sub *models.Submission, result *models.ExecutionResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		_ = w.source.Fail(ctx, job.ID, fmt.Sprintf("marshal result: %v", err))
		return
	}

	if result.SubmissionID != "" {
		if err := w.store.Set(ctx, ResultKey(result.SubmissionID), string(raw), ResultTTL); err != nil {
			logging.L().Warn("result store write failed",
				zap.String("submission_id", result.SubmissionID), zap.Error(err))
		}
	}

	if w.notifier != nil && sub.RoomID != "" {
		event, err := json.Marshal(ResultEvent{
			RoomID:       sub.RoomID,
			SubmissionID: result.SubmissionID,
			Result:       result,
		})
		if err == nil {
			if err := w.notifier.Publish(ctx, EventChannel, string(event)); err != nil {
				logging.L().Warn("result event publish failed",
					zap.String("submission_id", result.SubmissionID), zap.Error(err))
			}
		}
	}

	if err := w.source.Complete(ctx, job.ID, string(raw)); err != nil {
		logging.L().Warn("job completion failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
