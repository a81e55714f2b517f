package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"codehive/internal/kvs"
	"codehive/internal/queue"
	"codehive/internal/sandbox"
	"codehive/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeJobClient is an in-memory JobClient for coordinator tests.
type fakeJobClient struct {
	mu       sync.Mutex
	jobs     map[string]*queue.Job
	enqueued []string
	nextID   int
}

func newFakeJobClient() *fakeJobClient {
	return &fakeJobClient{jobs: make(map[string]*queue.Job)}
}

func (f *fakeJobClient) Enqueue(_ context.Context, payload string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("job-%d", f.nextID)
	f.jobs[id] = &queue.Job{ID: id, Payload: payload, State: queue.StateWaiting}
	f.enqueued = append(f.enqueued, id)
	return id, nil
}

func (f *fakeJobClient) State(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return "", queue.ErrJobNotFound
	}
	return job.State, nil
}

func (f *fakeJobClient) Result(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return "", queue.ErrJobNotFound
	}
	return job.Result, nil
}

func (f *fakeJobClient) Get(_ context.Context, id string) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	snapshot := *job
	return &snapshot, nil
}

func (f *fakeJobClient) setState(id, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].State = state
}

func (f *fakeJobClient) setFailed(id, lastError string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].State = queue.StateFailed
	f.jobs[id].LastError = lastError
}

func (f *fakeJobClient) enqueuedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

// fakeMembership authorizes a fixed (user, room) set.
type fakeMembership struct {
	members map[uint]map[string]bool
}

func (f *fakeMembership) IsMember(userID uint, roomID string) (bool, error) {
	return f.members[userID][roomID], nil
}

func membershipOf(userID uint, roomID string) *fakeMembership {
	return &fakeMembership{members: map[uint]map[string]bool{userID: {roomID: true}}}
}

func newTestCoordinator(jobs JobClient, store kvs.Store, membership Membership, opts CoordinatorOptions) *Coordinator {
	return NewCoordinator(jobs, store, membership, nil, sandbox.NewRegistry(), sandbox.NewFilter(false), opts)
}

func validRequest() SubmitRequest {
	return SubmitRequest{
		Language: "python",
		Code:     `print("Hello, World!")`,
		RoomID:   "room-1",
		UserID:   7,
	}
}

func TestSubmitRejectsNonMembers(t *testing.T) {
	jobs := newFakeJobClient()
	c := newTestCoordinator(jobs, kvs.NewMemoryStore(), &fakeMembership{}, CoordinatorOptions{})

	_, _, err := c.Submit(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.Zero(t, jobs.enqueuedCount(), "no job may be enqueued for a non-member")
}

func TestSubmitValidation(t *testing.T) {
	jobs := newFakeJobClient()
	c := newTestCoordinator(jobs, kvs.NewMemoryStore(), membershipOf(7, "room-1"), CoordinatorOptions{MaxSourceBytes: 64})

	t.Run("unknown language", func(t *testing.T) {
		req := validRequest()
		req.Language = "brainfuck"
		_, _, err := c.Submit(context.Background(), req)
		assert.ErrorIs(t, err, ErrUnknownLanguage)
	})

	t.Run("source at the limit is accepted", func(t *testing.T) {
		req := validRequest()
		req.Code = "#" + strings.Repeat("a", 63) // exactly 64 bytes
		_, _, err := c.Submit(context.Background(), req)
		assert.NoError(t, err)
	})

	t.Run("source over the limit is rejected", func(t *testing.T) {
		req := validRequest()
		req.Code = "#" + strings.Repeat("a", 64) // 65 bytes
		_, _, err := c.Submit(context.Background(), req)
		assert.ErrorIs(t, err, ErrSourceTooLarge)
	})

	t.Run("danger filter", func(t *testing.T) {
		req := validRequest()
		req.Code = "import os"
		_, _, err := c.Submit(context.Background(), req)
		var violation *sandbox.FilterViolation
		assert.ErrorAs(t, err, &violation)
	})
}

func TestSubmitAndAwaitCompleted(t *testing.T) {
	jobs := newFakeJobClient()
	store := kvs.NewMemoryStore()
	c := newTestCoordinator(jobs, store, membershipOf(7, "room-1"),
		CoordinatorOptions{PollInterval: 10 * time.Millisecond, AwaitBudget: 2 * time.Second})

	done := make(chan *models.ExecutionResult, 1)
	go func() {
		result, err := c.SubmitAndAwait(context.Background(), validRequest())
		require.NoError(t, err)
		done <- result
	}()

	// Wait for the job to appear, then complete it like a worker would.
	require.Eventually(t, func() bool { return jobs.enqueuedCount() == 1 }, time.Second, 5*time.Millisecond)

	jobs.mu.Lock()
	jobID := jobs.enqueued[0]
	var sub models.Submission
	require.NoError(t, json.Unmarshal([]byte(jobs.jobs[jobID].Payload), &sub))
	jobs.mu.Unlock()

	result := &models.ExecutionResult{
		SubmissionID: sub.SubmissionID,
		Status:       models.StatusSuccess,
		Stdout:       "Hello, World!\n",
	}
	raw, _ := json.Marshal(result)
	require.NoError(t, store.Set(context.Background(), ResultKey(sub.SubmissionID), string(raw), 0))
	jobs.setState(jobID, queue.StateCompleted)

	select {
	case got := <-done:
		assert.Equal(t, models.StatusSuccess, got.Status)
		assert.Equal(t, "Hello, World!\n", got.Stdout)
		assert.Equal(t, sub.SubmissionID, got.SubmissionID)
	case <-time.After(3 * time.Second):
		t.Fatal("await did not return")
	}
}

func TestSubmitAndAwaitFallsBackToQueueResult(t *testing.T) {
	jobs := newFakeJobClient()
	c := newTestCoordinator(jobs, kvs.NewMemoryStore(), membershipOf(7, "room-1"),
		CoordinatorOptions{PollInterval: 10 * time.Millisecond, AwaitBudget: 2 * time.Second})

	done := make(chan *models.ExecutionResult, 1)
	go func() {
		result, err := c.SubmitAndAwait(context.Background(), validRequest())
		require.NoError(t, err)
		done <- result
	}()

	require.Eventually(t, func() bool { return jobs.enqueuedCount() == 1 }, time.Second, 5*time.Millisecond)

	jobs.mu.Lock()
	jobID := jobs.enqueued[0]
	var sub models.Submission
	require.NoError(t, json.Unmarshal([]byte(jobs.jobs[jobID].Payload), &sub))
	raw, _ := json.Marshal(&models.ExecutionResult{
		SubmissionID: sub.SubmissionID,
		Status:       models.StatusSuccess,
	})
	// The KVS write never landed; only the queue return value exists.
	jobs.jobs[jobID].Result = string(raw)
	jobs.jobs[jobID].State = queue.StateCompleted
	jobs.mu.Unlock()

	select {
	case got := <-done:
		assert.Equal(t, models.StatusSuccess, got.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("await did not return")
	}
}

func TestSubmitAndAwaitFailedJob(t *testing.T) {
	jobs := newFakeJobClient()
	c := newTestCoordinator(jobs, kvs.NewMemoryStore(), membershipOf(7, "room-1"),
		CoordinatorOptions{PollInterval: 10 * time.Millisecond, AwaitBudget: 2 * time.Second})

	done := make(chan *models.ExecutionResult, 1)
	go func() {
		result, err := c.SubmitAndAwait(context.Background(), validRequest())
		require.NoError(t, err)
		done <- result
	}()

	require.Eventually(t, func() bool { return jobs.enqueuedCount() == 1 }, time.Second, 5*time.Millisecond)
	jobs.mu.Lock()
	jobID := jobs.enqueued[0]
	jobs.mu.Unlock()
	jobs.setFailed(jobID, "container runtime crashed at /var/run/docker.sock")

	select {
	case got := <-done:
		assert.Equal(t, models.StatusRuntimeError, got.Status)
		assert.NotContains(t, got.Stderr, "/var/run", "last error must be sanitized")
	case <-time.After(3 * time.Second):
		t.Fatal("await did not return")
	}
}

func TestSubmitAndAwaitBudgetExhausted(t *testing.T) {
	jobs := newFakeJobClient()
	c := newTestCoordinator(jobs, kvs.NewMemoryStore(), membershipOf(7, "room-1"),
		CoordinatorOptions{PollInterval: 10 * time.Millisecond, AwaitBudget: 50 * time.Millisecond})

	result, err := c.SubmitAndAwait(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimeout, result.Status)
}

// failingJobClient rejects every enqueue.
type failingJobClient struct {
	*fakeJobClient
}

func (f *failingJobClient) Enqueue(context.Context, string) (string, error) {
	return "", fmt.Errorf("redis: connection refused")
}

func TestSubmitEnqueueFailureResolvesHistory(t *testing.T) {
	history := newTestHistory(t)
	jobs := &failingJobClient{newFakeJobClient()}
	c := NewCoordinator(jobs, kvs.NewMemoryStore(), membershipOf(7, "room-1"), history,
		sandbox.NewRegistry(), sandbox.NewFilter(false), CoordinatorOptions{})

	_, _, err := c.Submit(context.Background(), validRequest())
	require.Error(t, err)

	logs, err := history.Recent("room-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.StatusSystemError, logs[0].Status)
	assert.EqualValues(t, -1, logs[0].ExitCode)
}

func TestSubmitTwiceYieldsDistinctSubmissions(t *testing.T) {
	jobs := newFakeJobClient()
	c := newTestCoordinator(jobs, kvs.NewMemoryStore(), membershipOf(7, "room-1"), CoordinatorOptions{})

	first, _, err := c.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	second, _, err := c.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	assert.NotEqual(t, first.SubmissionID, second.SubmissionID)
	assert.Equal(t, 2, jobs.enqueuedCount())
}
