package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BLSQ/openhexa-app-sub000/internal/store"

	"github.com/google/uuid"
)

// fakeTx implements store.Tx. It releases the claim it carries on commit or
// rollback, emulating the row lock a real transaction would hold.
type fakeTx struct {
	store   *fakeJobStore
	claimed uuid.UUID
	done    bool
}

func (t *fakeTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, nil
}

func (t *fakeTx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, nil
}

func (t *fakeTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return nil
}

func (t *fakeTx) Commit() error {
	t.release()
	return nil
}

func (t *fakeTx) Rollback() error {
	t.release()
	return nil
}

func (t *fakeTx) release() {
	if t.done {
		return
	}
	t.done = true
	if t.claimed != uuid.Nil {
		t.store.mu.Lock()
		delete(t.store.locked, t.claimed)
		t.store.mu.Unlock()
	}
}

// fakeJobStore is an in-memory store.JobStore emulating the claim locking
// the Postgres implementation gets from FOR UPDATE SKIP LOCKED.
type fakeJobStore struct {
	mu     sync.Mutex
	order  []uuid.UUID
	jobs   map[uuid.UUID]*store.Job
	locked map[uuid.UUID]bool

	// Events records the store-visible sequence of operations, used to
	// assert delivery-policy ordering.
	events []string
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:   make(map[uuid.UUID]*store.Job),
		locked: make(map[uuid.UUID]bool),
	}
}

func (f *fakeJobStore) record(event string) {
	f.events = append(f.events, event)
}

func (f *fakeJobStore) BeginTx(ctx context.Context) (store.Tx, error) {
	return &fakeTx{store: f}, nil
}

func (f *fakeJobStore) CreateJob(ctx context.Context, job *store.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.jobs[job.ID] = &cp
	f.order = append(f.order, job.ID)
	f.record("create")
	return nil
}

func (f *fakeJobStore) ClaimJob(ctx context.Context, tx store.DBTransaction, queue string, exclude []uuid.UUID) (*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	excluded := make(map[uuid.UUID]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	for _, id := range f.order {
		job, ok := f.jobs[id]
		if !ok || job.Queue != queue || job.Status != store.JobStatusNew {
			continue
		}
		if f.locked[id] || excluded[id] || job.ScheduledFor.After(time.Now()) {
			continue
		}
		f.locked[id] = true
		if ftx, ok := tx.(*fakeTx); ok {
			ftx.claimed = id
		}
		cp := *job
		f.record("claim")
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeJobStore) MarkJobProcessing(ctx context.Context, tx store.DBTransaction, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].Status = store.JobStatusProcessing
	f.record("mark_processing")
	return nil
}

func (f *fakeJobStore) DeleteJob(ctx context.Context, tx store.DBTransaction, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
	delete(f.locked, id)
	f.record("delete")
	return nil
}

func (f *fakeJobStore) RecordJobFailure(ctx context.Context, tx store.DBTransaction, id uuid.UUID, errMsg string, fatal bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[id]
	job.Status = store.JobStatusNew
	if fatal {
		job.RetryCount = job.MaxRetries + 1
	} else {
		job.RetryCount++
	}
	job.LastError = &errMsg
	delete(f.locked, id)
	f.record("record_failure")
	return nil
}

func (f *fakeJobStore) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobStore) ListAbandonedJobs(ctx context.Context, queue string, limit, offset int) ([]store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var jobs []store.Job
	for _, id := range f.order {
		if job, ok := f.jobs[id]; ok && job.Queue == queue && job.Abandoned() {
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

func (f *fakeJobStore) CountPendingJobs(ctx context.Context, queue string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, job := range f.jobs {
		if job.Queue == queue && job.Status == store.JobStatusNew && !job.Abandoned() {
			count++
		}
	}
	return count, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T, fs *fakeJobStore, policy DeliveryPolicy, handlers map[string]Handler) *Queue {
	t.Helper()
	registry := NewRegistry()
	for name, h := range handlers {
		if err := registry.Register(name, h); err != nil {
			t.Fatalf("failed to register %s: %v", name, err)
		}
	}
	return New(fs, registry, Config{Name: "test", Policy: policy}, testLogger())
}

func mustEnqueue(t *testing.T, q *Queue, task string, opts ...EnqueueOption) uuid.UUID {
	t.Helper()
	id, err := q.Enqueue(context.Background(), task, nil, opts...)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

func TestEnqueue_UnknownTask(t *testing.T) {
	q := newTestQueue(t, newFakeJobStore(), AtLeastOnce, nil)

	_, err := q.Enqueue(context.Background(), "nope", nil)
	if !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
}

func TestEnqueue_Defaults(t *testing.T) {
	fs := newFakeJobStore()
	q := newTestQueue(t, fs, AtLeastOnce, map[string]Handler{
		"noop": func(ctx context.Context, job *store.Job) error { return nil },
	})

	id := mustEnqueue(t, q, "noop")

	job, err := fs.GetJobByID(context.Background(), id)
	if err != nil {
		t.Fatalf("job not stored: %v", err)
	}
	if job.Status != store.JobStatusNew {
		t.Errorf("got status %s, want NEW", job.Status)
	}
	if job.MaxRetries != DefaultMaxRetries {
		t.Errorf("got max_retries %d, want %d", job.MaxRetries, DefaultMaxRetries)
	}
	if job.RetryCount != 0 {
		t.Errorf("got retry_count %d, want 0", job.RetryCount)
	}
}

func TestClaimAndRun_EmptyQueue(t *testing.T) {
	q := newTestQueue(t, newFakeJobStore(), AtLeastOnce, nil)

	res, err := q.ClaimAndRun(context.Background(), nil)
	if err != nil {
		t.Fatalf("ClaimAndRun failed: %v", err)
	}
	if res != nil {
		t.Errorf("expected nil result for empty queue, got %+v", res)
	}
}

func TestClaimAndRun_SuccessRemovesJob(t *testing.T) {
	fs := newFakeJobStore()
	invocations := 0
	q := newTestQueue(t, fs, AtLeastOnce, map[string]Handler{
		"noop": func(ctx context.Context, job *store.Job) error {
			invocations++
			return nil
		},
	})
	id := mustEnqueue(t, q, "noop")

	res, err := q.ClaimAndRun(context.Background(), nil)
	if err != nil {
		t.Fatalf("ClaimAndRun failed: %v", err)
	}
	if res == nil || res.Outcome != OutcomeDone {
		t.Fatalf("expected OutcomeDone, got %+v", res)
	}
	if invocations != 1 {
		t.Errorf("expected 1 invocation, got %d", invocations)
	}
	if _, err := fs.GetJobByID(context.Background(), id); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected job removed, got err=%v", err)
	}
}

func TestClaimAndRun_FailureIncrementsRetry(t *testing.T) {
	fs := newFakeJobStore()
	q := newTestQueue(t, fs, AtLeastOnce, map[string]Handler{
		"flaky": func(ctx context.Context, job *store.Job) error {
			return fmt.Errorf("boom")
		},
	})
	id := mustEnqueue(t, q, "flaky")

	res, err := q.ClaimAndRun(context.Background(), nil)
	if err != nil {
		t.Fatalf("ClaimAndRun failed: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected OutcomeFailed, got %v", res.Outcome)
	}
	if res.HandlerErr == nil {
		t.Error("expected HandlerErr to be set")
	}

	job, _ := fs.GetJobByID(context.Background(), id)
	if job.RetryCount != 1 {
		t.Errorf("got retry_count %d, want 1", job.RetryCount)
	}
	if job.Status != store.JobStatusNew {
		t.Errorf("got status %s, want NEW (claimable again)", job.Status)
	}
}

// An always-failing handler runs the initial attempt plus max_retries
// retries, then the job is abandoned but stays queryable.
func TestClaimAndRun_RetryExhaustion(t *testing.T) {
	fs := newFakeJobStore()
	invocations := 0
	q := newTestQueue(t, fs, AtLeastOnce, map[string]Handler{
		"doomed": func(ctx context.Context, job *store.Job) error {
			invocations++
			return fmt.Errorf("always fails")
		},
	})
	const maxRetries = 2
	id := mustEnqueue(t, q, "doomed", WithMaxRetries(maxRetries))

	ctx := context.Background()
	var exclude []uuid.UUID
	var exhausted bool
	for i := 0; i < 10; i++ {
		res, err := q.ClaimAndRun(ctx, exclude)
		if err != nil {
			t.Fatalf("ClaimAndRun failed: %v", err)
		}
		if res == nil {
			break
		}
		if res.Outcome == OutcomeExhausted {
			exhausted = true
			exclude = append(exclude, res.Job.ID)
		}
	}

	if invocations != maxRetries+1 {
		t.Errorf("got %d invocations, want %d", invocations, maxRetries+1)
	}
	if !exhausted {
		t.Error("expected an OutcomeExhausted claim")
	}

	// The job is abandoned, never deleted.
	job, err := fs.GetJobByID(ctx, id)
	if err != nil {
		t.Fatalf("abandoned job should remain queryable: %v", err)
	}
	if !job.Abandoned() {
		t.Errorf("expected job abandoned, retry_count=%d max_retries=%d", job.RetryCount, job.MaxRetries)
	}

	abandoned, _ := fs.ListAbandonedJobs(ctx, "test", 10, 0)
	if len(abandoned) != 1 {
		t.Errorf("expected 1 abandoned job, got %d", len(abandoned))
	}

	// Excluded, the queue is drained.
	res, err := q.ClaimAndRun(ctx, exclude)
	if err != nil {
		t.Fatalf("ClaimAndRun failed: %v", err)
	}
	if res != nil {
		t.Errorf("expected drained queue, got %+v", res)
	}
}

func TestClaimAndRun_PermanentErrorAbandonsImmediately(t *testing.T) {
	fs := newFakeJobStore()
	invocations := 0
	q := newTestQueue(t, fs, AtLeastOnce, map[string]Handler{
		"fatal": func(ctx context.Context, job *store.Job) error {
			invocations++
			return Permanent(fmt.Errorf("bad arguments"))
		},
	})
	id := mustEnqueue(t, q, "fatal", WithMaxRetries(5))

	ctx := context.Background()
	res, err := q.ClaimAndRun(ctx, nil)
	if err != nil {
		t.Fatalf("ClaimAndRun failed: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected OutcomeFailed, got %v", res.Outcome)
	}

	job, _ := fs.GetJobByID(ctx, id)
	if !job.Abandoned() {
		t.Errorf("expected job abandoned after permanent error, retry_count=%d", job.RetryCount)
	}

	res, err = q.ClaimAndRun(ctx, nil)
	if err != nil {
		t.Fatalf("ClaimAndRun failed: %v", err)
	}
	if res == nil || res.Outcome != OutcomeExhausted {
		t.Fatalf("expected OutcomeExhausted, got %+v", res)
	}
	if invocations != 1 {
		t.Errorf("expected exactly 1 invocation, got %d", invocations)
	}
}

func TestClaimAndRun_UnknownTaskOnClaimedJob(t *testing.T) {
	fs := newFakeJobStore()
	// Enqueued by a process whose registry knew the task.
	id := uuid.New()
	fs.CreateJob(context.Background(), &store.Job{
		ID: id, Queue: "test", Task: "ghost",
		Status: store.JobStatusNew, MaxRetries: 3,
	})

	q := newTestQueue(t, fs, AtLeastOnce, nil)

	res, err := q.ClaimAndRun(context.Background(), nil)
	if err != nil {
		t.Fatalf("ClaimAndRun failed: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected OutcomeFailed, got %v", res.Outcome)
	}
	if !errors.Is(res.HandlerErr, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", res.HandlerErr)
	}

	// Configuration errors are not retryable.
	job, _ := fs.GetJobByID(context.Background(), id)
	if !job.Abandoned() {
		t.Error("expected unknown-task job abandoned")
	}
}

func TestClaimAndRun_PanicContained(t *testing.T) {
	fs := newFakeJobStore()
	q := newTestQueue(t, fs, AtLeastOnce, map[string]Handler{
		"panicky": func(ctx context.Context, job *store.Job) error {
			panic("oops")
		},
	})
	id := mustEnqueue(t, q, "panicky")

	res, err := q.ClaimAndRun(context.Background(), nil)
	if err != nil {
		t.Fatalf("panic escaped the engine: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected OutcomeFailed, got %v", res.Outcome)
	}

	job, _ := fs.GetJobByID(context.Background(), id)
	if job.RetryCount != 1 {
		t.Errorf("got retry_count %d, want 1", job.RetryCount)
	}
}

// At-most-once commits the PROCESSING claim before the handler runs.
func TestClaimAndRun_AtMostOnceOrdering(t *testing.T) {
	fs := newFakeJobStore()
	handlerAt := -1
	q := newTestQueue(t, fs, AtMostOnce, map[string]Handler{
		"noop": func(ctx context.Context, job *store.Job) error {
			fs.mu.Lock()
			handlerAt = len(fs.events)
			fs.mu.Unlock()
			return nil
		},
	})
	mustEnqueue(t, q, "noop")

	res, err := q.ClaimAndRun(context.Background(), nil)
	if err != nil {
		t.Fatalf("ClaimAndRun failed: %v", err)
	}
	if res.Outcome != OutcomeDone {
		t.Fatalf("expected OutcomeDone, got %v", res.Outcome)
	}

	markAt := -1
	for i, ev := range fs.events {
		if ev == "mark_processing" {
			markAt = i
		}
	}
	if markAt == -1 {
		t.Fatal("expected a mark_processing event")
	}
	if handlerAt <= markAt {
		t.Errorf("handler ran at event %d, before the claim was persisted at %d", handlerAt, markAt)
	}
}

func TestClaimAndRun_AtMostOnceFailureRequeues(t *testing.T) {
	fs := newFakeJobStore()
	q := newTestQueue(t, fs, AtMostOnce, map[string]Handler{
		"flaky": func(ctx context.Context, job *store.Job) error {
			return fmt.Errorf("boom")
		},
	})
	id := mustEnqueue(t, q, "flaky")

	res, err := q.ClaimAndRun(context.Background(), nil)
	if err != nil {
		t.Fatalf("ClaimAndRun failed: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected OutcomeFailed, got %v", res.Outcome)
	}

	job, _ := fs.GetJobByID(context.Background(), id)
	if job.Status != store.JobStatusNew {
		t.Errorf("got status %s, want NEW", job.Status)
	}
	if job.RetryCount != 1 {
		t.Errorf("got retry_count %d, want 1", job.RetryCount)
	}
}

// At most one worker executes a given job's handler, and executions of the
// same job never overlap in time.
func TestClaimAndRun_AtMostOneClaimUnderConcurrency(t *testing.T) {
	fs := newFakeJobStore()

	const numJobs = 20
	const numWorkers = 8

	type jobTrack struct {
		inFlight int
		total    int
		overlap  bool
	}
	var trackMu sync.Mutex
	tracks := make(map[uuid.UUID]*jobTrack)

	q := newTestQueue(t, fs, AtLeastOnce, map[string]Handler{
		"tracked": func(ctx context.Context, job *store.Job) error {
			trackMu.Lock()
			tr := tracks[job.ID]
			tr.inFlight++
			tr.total++
			if tr.inFlight > 1 {
				tr.overlap = true
			}
			trackMu.Unlock()

			time.Sleep(2 * time.Millisecond)

			trackMu.Lock()
			tr.inFlight--
			trackMu.Unlock()
			return nil
		},
	})

	for i := 0; i < numJobs; i++ {
		id := mustEnqueue(t, q, "tracked")
		tracks[id] = &jobTrack{}
	}

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res, err := q.ClaimAndRun(context.Background(), nil)
				if err != nil {
					t.Errorf("ClaimAndRun failed: %v", err)
					return
				}
				if res == nil {
					return
				}
			}
		}()
	}
	wg.Wait()

	for id, tr := range tracks {
		if tr.overlap {
			t.Errorf("job %s had overlapping executions", id)
		}
		if tr.total != 1 {
			t.Errorf("job %s executed %d times, want 1", id, tr.total)
		}
	}
}

func TestClaimAndRun_RespectsScheduledFor(t *testing.T) {
	fs := newFakeJobStore()
	q := newTestQueue(t, fs, AtLeastOnce, map[string]Handler{
		"noop": func(ctx context.Context, job *store.Job) error { return nil },
	})
	mustEnqueue(t, q, "noop", WithScheduledFor(time.Now().Add(time.Hour)))

	res, err := q.ClaimAndRun(context.Background(), nil)
	if err != nil {
		t.Fatalf("ClaimAndRun failed: %v", err)
	}
	if res != nil {
		t.Errorf("expected future job to be ineligible, got %+v", res)
	}
}

func TestEnqueue_ArgsRoundTrip(t *testing.T) {
	fs := newFakeJobStore()
	var got map[string]interface{}
	q := newTestQueue(t, fs, AtLeastOnce, map[string]Handler{
		"echo": func(ctx context.Context, job *store.Job) error {
			return json.Unmarshal(job.Args, &got)
		},
	})
	if _, err := q.Enqueue(context.Background(), "echo", map[string]interface{}{"file_id": "abc"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	res, err := q.ClaimAndRun(context.Background(), nil)
	if err != nil {
		t.Fatalf("ClaimAndRun failed: %v", err)
	}
	if res == nil || res.Outcome != OutcomeDone {
		t.Fatalf("expected OutcomeDone, got %+v", res)
	}
	if got["file_id"] != "abc" {
		t.Errorf("args did not round-trip, got %v", got)
	}
}
