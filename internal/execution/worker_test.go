package execution

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"codehive/internal/kvs"
	"codehive/internal/queue"
	"codehive/internal/sandbox"
	"codehive/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource feeds a fixed set of jobs and records outcomes.
type fakeSource struct {
	mu        sync.Mutex
	pending   chan *queue.Job
	completed map[string]string
	failed    map[string]string
}

func newFakeSource(jobs ...*queue.Job) *fakeSource {
	f := &fakeSource{
		pending:   make(chan *queue.Job, len(jobs)+1),
		completed: make(map[string]string),
		failed:    make(map[string]string),
	}
	for _, j := range jobs {
		f.pending <- j
	}
	return f
}

func (f *fakeSource) Dequeue(ctx context.Context) (*queue.Job, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case job := <-f.pending:
		return job, nil
	}
}

func (f *fakeSource) Complete(_ context.Context, id, result string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[id] = result
	return nil
}

func (f *fakeSource) Fail(_ context.Context, id, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = lastError
	return nil
}

func (f *fakeSource) completedResult(t *testing.T, id string) *models.ExecutionResult {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.completed[id]
	require.True(t, ok, "job %s was not completed", id)
	var result models.ExecutionResult
	require.NoError(t, json.Unmarshal([]byte(raw), &result))
	return &result
}

// fakeSandbox returns a canned result or panics on demand.
type fakeSandbox struct {
	result *models.ExecutionResult
	err    error
	panics bool
}

func (f *fakeSandbox) Execute(_ context.Context, sub *models.Submission, _ *sandbox.LanguageProfile) (*models.ExecutionResult, error) {
	if f.panics {
		panic("sandbox exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	result := *f.result
	result.SubmissionID = sub.SubmissionID
	return &result, nil
}

// capturingPublisher records published events.
type capturingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *capturingPublisher) Publish(_ context.Context, _ string, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, message.(string))
	return nil
}

func jobFor(t *testing.T, sub *models.Submission) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(sub)
	require.NoError(t, err)
	return &queue.Job{ID: "job-" + sub.SubmissionID, Payload: string(payload), State: queue.StateActive}
}

func testSubmission(language, code string) *models.Submission {
	return &models.Submission{
		SubmissionID: uuid.New().String(),
		Language:     language,
		Code:         code,
		RoomID:       "room-1",
		UserID:       7,
		SubmittedAt:  time.Now(),
	}
}

func runWorkerOnce(w *Worker, source *fakeSource) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	// Wait until the queue drains, then stop the worker.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		source.mu.Lock()
		drained := len(source.pending) == 0 && len(source.completed)+len(source.failed) > 0
		source.mu.Unlock()
		if drained {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestWorkerHappyPath(t *testing.T) {
	sub := testSubmission("python", `print("hi")`)
	job := jobFor(t, sub)
	source := newFakeSource(job)
	store := kvs.NewMemoryStore()
	publisher := &capturingPublisher{}

	w := NewWorker(source, &fakeSandbox{result: &models.ExecutionResult{
		Status: models.StatusSuccess,
		Stdout: "hi\n",
	}}, store, publisher, sandbox.NewRegistry(), sandbox.NewFilter(false), WorkerOptions{Concurrency: 1})

	runWorkerOnce(w, source)

	// Result lands in the KVS under the submission key.
	raw, err := store.Get(context.Background(), ResultKey(sub.SubmissionID))
	require.NoError(t, err)
	var result models.ExecutionResult
	require.NoError(t, json.Unmarshal([]byte(raw), &result))
	assert.Equal(t, models.StatusSuccess, result.Status)

	// The queue job completes with the same result stored.
	completed := source.completedResult(t, job.ID)
	assert.Equal(t, models.StatusSuccess, completed.Status)

	// The gateway gets a result event.
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	require.Len(t, publisher.events, 1)
	var event ResultEvent
	require.NoError(t, json.Unmarshal([]byte(publisher.events[0]), &event))
	assert.Equal(t, "room-1", event.RoomID)
	assert.Equal(t, sub.SubmissionID, event.SubmissionID)
}

func TestWorkerRejectsUnknownLanguageWithoutSandbox(t *testing.T) {
	sub := testSubmission("cobol", "DISPLAY 'HI'.")
	job := jobFor(t, sub)
	source := newFakeSource(job)

	// A panicking sandbox proves the sandbox is never invoked.
	w := NewWorker(source, &fakeSandbox{panics: true}, kvs.NewMemoryStore(), nil,
		sandbox.NewRegistry(), sandbox.NewFilter(false), WorkerOptions{Concurrency: 1})

	runWorkerOnce(w, source)

	result := source.completedResult(t, job.ID)
	assert.Equal(t, models.StatusSystemError, result.Status)
	assert.Contains(t, result.Stderr, "unsupported language")
}

func TestWorkerRejectsFilteredSourceWithoutSandbox(t *testing.T) {
	sub := testSubmission("python", "import os\nos.listdir('/')")
	job := jobFor(t, sub)
	source := newFakeSource(job)

	w := NewWorker(source, &fakeSandbox{panics: true}, kvs.NewMemoryStore(), nil,
		sandbox.NewRegistry(), sandbox.NewFilter(false), WorkerOptions{Concurrency: 1})

	runWorkerOnce(w, source)

	result := source.completedResult(t, job.ID)
	assert.Equal(t, models.StatusCompilationError, result.Status)
	assert.Contains(t, result.Stderr, "forbidden construct")
}

func TestWorkerFailsJobOnSandboxError(t *testing.T) {
	sub := testSubmission("python", `print("hi")`)
	job := jobFor(t, sub)
	source := newFakeSource(job)

	w := NewWorker(source, &fakeSandbox{err: assert.AnError}, kvs.NewMemoryStore(), nil,
		sandbox.NewRegistry(), sandbox.NewFilter(false), WorkerOptions{Concurrency: 1})

	runWorkerOnce(w, source)

	source.mu.Lock()
	defer source.mu.Unlock()
	assert.Empty(t, source.completed)
	assert.Contains(t, source.failed, job.ID)
}

func TestWorkerSurvivesPanic(t *testing.T) {
	sub := testSubmission("python", `print("hi")`)
	job := jobFor(t, sub)
	source := newFakeSource(job)

	w := NewWorker(source, &fakeSandbox{panics: true}, kvs.NewMemoryStore(), nil,
		sandbox.NewRegistry(), sandbox.NewFilter(false), WorkerOptions{Concurrency: 1})

	runWorkerOnce(w, source)

	source.mu.Lock()
	defer source.mu.Unlock()
	assert.Contains(t, source.failed, job.ID)
	assert.Contains(t, source.failed[job.ID], "internal error")
}
