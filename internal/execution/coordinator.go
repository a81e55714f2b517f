package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"codehive/internal/kvs"
	"codehive/internal/logging"
	"codehive/internal/queue"
	"codehive/internal/sandbox"
	"codehive/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotAuthorized   = errors.New("user is not a member of the room")
	ErrUnknownLanguage = errors.New("unsupported language")
	ErrSourceTooLarge  = errors.New("source exceeds the size limit")
)

// JobClient is the queue surface the coordinator needs.
type JobClient interface {
	Enqueue(ctx context.Context, payload string) (string, error)
	State(ctx context.Context, id string) (string, error)
	Result(ctx context.Context, id string) (string, error)
	Get(ctx context.Context, id string) (*queue.Job, error)
}

// Membership answers the single authorization question every
// submission must pass.
type Membership interface {
	IsMember(userID uint, roomID string) (bool, error)
}

// CoordinatorOptions tune the await loop.
type CoordinatorOptions struct {
	PollInterval time.Duration
	AwaitBudget  time.Duration

	// MaxSourceBytes bounds submission size. Zero means the default.
	MaxSourceBytes int
}

const defaultMaxSourceBytes = 10 * 1024

// Coordinator turns a synchronous execute request into a queued job and
// awaits the outcome across process boundaries.
type Coordinator struct {
	jobs       JobClient
	store      kvs.Store
	membership Membership
	history    *HistoryStore
	registry   *sandbox.Registry
	filter     *sandbox.Filter
	opts       CoordinatorOptions
}

// NewCoordinator wires the coordinator. history may be nil in tests.
func NewCoordinator(jobs JobClient, store kvs.Store, membership Membership, history *HistoryStore, registry *sandbox.Registry, filter *sandbox.Filter, opts CoordinatorOptions) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.AwaitBudget <= 0 {
		opts.AwaitBudget = 30 * time.Second
	}
	if opts.MaxSourceBytes <= 0 {
		opts.MaxSourceBytes = defaultMaxSourceBytes
	}
	return &Coordinator{
		jobs:       jobs,
		store:      store,
		membership: membership,
		history:    history,
		registry:   registry,
		filter:     filter,
		opts:       opts,
	}
}

// SubmitRequest is one execute request from a handler or the fabric.
type SubmitRequest struct {
	Language string
	Code     string
	Stdin    string
	RoomID   string
	UserID   uint
}

// Submit authorizes, validates, and enqueues a submission without
// waiting for the outcome. The pending history record is written before
// the job is visible to workers.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*models.Submission, string, error) {
	ok, err := c.membership.IsMember(req.UserID, req.RoomID)
	if err != nil {
		return nil, "", fmt.Errorf("membership check: %w", err)
	}
	if !ok {
		return nil, "", ErrNotAuthorized
	}

	profile, found := c.registry.Get(req.Language)
	if !found {
		return nil, "", ErrUnknownLanguage
	}
	if err := sandbox.ValidateSourceSize(req.Code, c.opts.MaxSourceBytes); err != nil {
		return nil, "", ErrSourceTooLarge
	}
	if err := c.filter.Check(req.Code, profile); err != nil {
		return nil, "", err
	}

	sub := &models.Submission{
		SubmissionID: uuid.New().String(),
		Language:     profile.ID,
		Code:         req.Code,
		Stdin:        req.Stdin,
		RoomID:       req.RoomID,
		UserID:       req.UserID,
		SubmittedAt:  time.Now(),
	}

	if c.history != nil {
		if err := c.history.AppendPending(sub); err != nil {
			logging.L().Warn("history append failed",
				zap.String("submission_id", sub.SubmissionID), zap.Error(err))
		}
	}

	payload, err := json.Marshal(sub)
	if err != nil {
		return nil, "", fmt.Errorf("marshal submission: %w", err)
	}
	jobID, err := c.jobs.Enqueue(ctx, string(payload))
	if err != nil {
		// The pending row would otherwise dangle with no job to
		// resolve it.
		if c.history != nil {
			if herr := c.history.RecordResult(&models.ExecutionResult{
				SubmissionID: sub.SubmissionID,
				Status:       models.StatusSystemError,
				Stderr:       "submission could not be queued",
				ExitCode:     -1,
			}); herr != nil {
				logging.L().Warn("history record failed",
					zap.String("submission_id", sub.SubmissionID), zap.Error(herr))
			}
		}
		return nil, "", fmt.Errorf("enqueue submission: %w", err)
	}
	return sub, jobID, nil
}

// SubmitAndAwait submits and polls until the job completes, fails, or
// the await budget runs out. The returned ExecutionResult is always a
// valid envelope; only infrastructure problems surface as errors.
func (c *Coordinator) SubmitAndAwait(ctx context.Context, req SubmitRequest) (*models.ExecutionResult, error) {
	sub, jobID, err := c.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	result, err := c.await(ctx, sub.SubmissionID, jobID)
	if err != nil {
		return nil, err
	}

	if c.history != nil {
		// Fire and forget; audit failures never fail the request.
		go func(r models.ExecutionResult) {
			if err := c.history.RecordResult(&r); err != nil {
				logging.L().Warn("history record failed",
					zap.String("submission_id", r.SubmissionID), zap.Error(err))
			}
		}(*result)
	}
	return result, nil
}

func (c *Coordinator) await(ctx context.Context, submissionID, jobID string) (*models.ExecutionResult, error) {
	deadline := time.Now().Add(c.opts.AwaitBudget)
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		state, err := c.jobs.State(ctx, jobID)
		if err != nil && !errors.Is(err, queue.ErrJobNotFound) {
			return nil, fmt.Errorf("poll job state: %w", err)
		}

		switch state {
		case queue.StateCompleted:
			return c.fetchResult(ctx, submissionID, jobID)

		case queue.StateFailed:
			job, err := c.jobs.Get(ctx, jobID)
			lastError := "execution failed"
			if err == nil && job.LastError != "" {
				lastError = sandbox.SanitizeError(job.LastError)
			}
			return &models.ExecutionResult{
				SubmissionID: submissionID,
				Status:       models.StatusRuntimeError,
				Stderr:       lastError,
				ExitCode:     -1,
			}, nil
		}

		if time.Now().After(deadline) {
			// The job may still complete asynchronously; the fabric
			// will broadcast it when it does.
			return &models.ExecutionResult{
				SubmissionID: submissionID,
				Status:       models.StatusTimeout,
				Stderr:       "execution did not finish within the time budget",
				ExitCode:     -1,
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// fetchResult reads the per-submission result key, re-reading once
// after a tick to cover the window between job completion and the KVS
// write becoming visible, then falls back to the queue's stored return
// value.
func (c *Coordinator) fetchResult(ctx context.Context, submissionID, jobID string) (*models.ExecutionResult, error) {
	raw, err := c.store.Get(ctx, ResultKey(submissionID))
	if errors.Is(err, kvs.ErrNotFound) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.opts.PollInterval):
		}
		raw, err = c.store.Get(ctx, ResultKey(submissionID))
	}
	if errors.Is(err, kvs.ErrNotFound) {
		raw, err = c.jobs.Result(ctx, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch result for %s: %w", submissionID, err)
	}

	var result models.ExecutionResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("decode result for %s: %w", submissionID, err)
	}
	return &result, nil
}

// Languages exposes the supported language ids for the public listing.
func (c *Coordinator) Languages() []map[string]string {
	out := make([]map[string]string, 0)
	for _, id := range c.registry.IDs() {
		if p, ok := c.registry.Get(id); ok {
			out = append(out, map[string]string{"id": p.ID, "name": p.Name})
		}
	}
	return out
}

// History returns the recent executions of a room after a membership
// check.
func (c *Coordinator) History(userID uint, roomID string) ([]models.ExecutionLog, error) {
	ok, err := c.membership.IsMember(userID, roomID)
	if err != nil {
		return nil, fmt.Errorf("membership check: %w", err)
	}
	if !ok {
		return nil, ErrNotAuthorized
	}
	if c.history == nil {
		return nil, nil
	}
	return c.history.Recent(roomID)
}
