package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BLSQ/openhexa-app-sub000/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DeliveryPolicy bounds what may happen to a job when a worker crashes
// mid-handler.
type DeliveryPolicy int

const (
	// AtLeastOnce runs the claim, the handler and the outcome inside one
	// transaction. A crash mid-handler rolls the claim back and the job
	// stays NEW, so it will be retried; non-idempotent side effects may
	// be duplicated.
	AtLeastOnce DeliveryPolicy = iota

	// AtMostOnce commits the claim (status PROCESSING) before the handler
	// runs. A crash mid-handler strands the job in PROCESSING: it is
	// lost, never duplicated, and stays visible to operators.
	AtMostOnce
)

// DefaultMaxRetries is the retry ceiling applied when an enqueue does not
// set one.
const DefaultMaxRetries = 3

// Config describes one queue instance.
type Config struct {
	// Name is the logical queue jobs are claimed from.
	Name string

	// Policy selects the delivery guarantee for this queue.
	Policy DeliveryPolicy
}

// Outcome classifies what ClaimAndRun did with a claimed job.
type Outcome int

const (
	// OutcomeDone means the handler succeeded and the job was removed.
	OutcomeDone Outcome = iota
	// OutcomeFailed means the handler failed and the failure was
	// recorded; the job may be retried on a later claim.
	OutcomeFailed
	// OutcomeExhausted means the job had no retry budget left and was
	// skipped without running the handler. Callers should exclude the
	// job ID on their next iteration.
	OutcomeExhausted
)

// ClaimResult reports the job a ClaimAndRun call claimed and what happened
// to it. HandlerErr is set only for OutcomeFailed.
type ClaimResult struct {
	Job        *store.Job
	Outcome    Outcome
	HandlerErr error
}

// Queue claims pending jobs under a row lock and dispatches them to
// registered handlers.
type Queue struct {
	store    store.JobStore
	registry *Registry
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer

	jobsProcessed metric.Int64Counter
	jobsFailed    metric.Int64Counter
}

// New creates a queue instance bound to a registry. The registry decides
// which tasks this queue can execute.
func New(s store.JobStore, registry *Registry, cfg Config, logger *slog.Logger) *Queue {
	meter := otel.Meter("hexaq")

	processed, _ := meter.Int64Counter("hexaq.jobs.processed",
		metric.WithDescription("Jobs whose handler completed successfully"))
	failed, _ := meter.Int64Counter("hexaq.jobs.failed",
		metric.WithDescription("Jobs whose handler returned an error"))

	return &Queue{
		store:         s,
		registry:      registry,
		cfg:           cfg,
		logger:        logger.With("queue", cfg.Name),
		tracer:        otel.Tracer("hexaq"),
		jobsProcessed: processed,
		jobsFailed:    failed,
	}
}

// EnqueueOption customizes a single enqueue.
type EnqueueOption func(*store.Job)

// WithMaxRetries overrides the default retry ceiling.
func WithMaxRetries(n int) EnqueueOption {
	return func(j *store.Job) { j.MaxRetries = n }
}

// WithScheduledFor delays the job's eligibility until t.
func WithScheduledFor(t time.Time) EnqueueOption {
	return func(j *store.Job) { j.ScheduledFor = t }
}

// Enqueue inserts a new job with status NEW. The task must be registered;
// an unknown name is a configuration error surfaced here rather than at
// claim time.
func (q *Queue) Enqueue(ctx context.Context, task string, args map[string]interface{}, opts ...EnqueueOption) (uuid.UUID, error) {
	if _, ok := q.registry.Resolve(task); !ok {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrUnknownTask, task)
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode job args: %w", err)
	}

	job := &store.Job{
		ID:         uuid.New(),
		Queue:      q.cfg.Name,
		Task:       task,
		Args:       payload,
		Status:     store.JobStatusNew,
		MaxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(job)
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		return uuid.Nil, err
	}

	q.logger.Debug("job enqueued", "job_id", job.ID, "task", task)
	return job.ID, nil
}

// ClaimAndRun claims one eligible job and executes its handler
// synchronously. Returns nil, nil when no job is eligible. Handler failures
// are contained: they are recorded on the job and reported in the result,
// never returned as the error value.
func (q *Queue) ClaimAndRun(ctx context.Context, exclude []uuid.UUID) (*ClaimResult, error) {
	switch q.cfg.Policy {
	case AtMostOnce:
		return q.claimAndRunAtMostOnce(ctx, exclude)
	default:
		return q.claimAndRunAtLeastOnce(ctx, exclude)
	}
}

// claimAndRunAtLeastOnce holds the claim's row lock across the handler
// invocation. Nothing is visible to other workers until commit; a crash
// rolls everything back and the job is reclaimed later.
func (q *Queue) claimAndRunAtLeastOnce(ctx context.Context, exclude []uuid.UUID) (*ClaimResult, error) {
	tx, err := q.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := q.store.ClaimJob(ctx, tx, q.cfg.Name, exclude)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	if job.Abandoned() {
		// Rollback releases the lock without touching the row.
		q.logger.Warn("skipping exhausted job", "job_id", job.ID, "task", job.Task, "retry_count", job.RetryCount)
		return &ClaimResult{Job: job, Outcome: OutcomeExhausted}, nil
	}

	handlerErr := q.dispatch(ctx, job)

	if handlerErr == nil {
		if err := q.store.DeleteJob(ctx, tx, job.ID); err != nil {
			return nil, fmt.Errorf("failed to remove completed job %s: %w", job.ID, err)
		}
	} else {
		if err := q.store.RecordJobFailure(ctx, tx, job.ID, handlerErr.Error(), IsPermanent(handlerErr)); err != nil {
			return nil, fmt.Errorf("failed to record failure for job %s: %w", job.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}

	return q.result(job, handlerErr), nil
}

// claimAndRunAtMostOnce commits the PROCESSING claim before invoking the
// handler, then records the outcome in follow-up statements.
func (q *Queue) claimAndRunAtMostOnce(ctx context.Context, exclude []uuid.UUID) (*ClaimResult, error) {
	tx, err := q.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := q.store.ClaimJob(ctx, tx, q.cfg.Name, exclude)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	if job.Abandoned() {
		q.logger.Warn("skipping exhausted job", "job_id", job.ID, "task", job.Task, "retry_count", job.RetryCount)
		return &ClaimResult{Job: job, Outcome: OutcomeExhausted}, nil
	}

	if err := q.store.MarkJobProcessing(ctx, tx, job.ID); err != nil {
		return nil, fmt.Errorf("failed to mark job %s processing: %w", job.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim of job %s: %w", job.ID, err)
	}

	handlerErr := q.dispatch(ctx, job)

	if handlerErr == nil {
		if err := q.store.DeleteJob(ctx, nil, job.ID); err != nil {
			return nil, fmt.Errorf("failed to remove completed job %s: %w", job.ID, err)
		}
	} else {
		if err := q.store.RecordJobFailure(ctx, nil, job.ID, handlerErr.Error(), IsPermanent(handlerErr)); err != nil {
			return nil, fmt.Errorf("failed to record failure for job %s: %w", job.ID, err)
		}
	}

	return q.result(job, handlerErr), nil
}

// dispatch runs the registered handler for a claimed job, containing panics
// and classifying unknown tasks as permanent failures.
func (q *Queue) dispatch(ctx context.Context, job *store.Job) (handlerErr error) {
	handler, ok := q.registry.Resolve(job.Task)
	if !ok {
		// Can only happen when a job was enqueued by a process with a
		// different registry. Not retryable.
		return Permanent(fmt.Errorf("%w: %q", ErrUnknownTask, job.Task))
	}

	ctx, span := q.tracer.Start(ctx, "process_job",
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.String("job.task", job.Task),
			attribute.String("job.queue", job.Queue),
			attribute.Int("job.retry_count", job.RetryCount),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			handlerErr = fmt.Errorf("handler for task %q panicked: %v", job.Task, r)
			span.RecordError(handlerErr)
		}
	}()

	if err := handler(ctx, job); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (q *Queue) result(job *store.Job, handlerErr error) *ClaimResult {
	attrs := metric.WithAttributes(
		attribute.String("queue", q.cfg.Name),
		attribute.String("task", job.Task),
	)

	if handlerErr == nil {
		q.jobsProcessed.Add(context.Background(), 1, attrs)
		q.logger.Info("job processed", "job_id", job.ID, "task", job.Task)
		return &ClaimResult{Job: job, Outcome: OutcomeDone}
	}

	q.jobsFailed.Add(context.Background(), 1, attrs)
	q.logger.Error("job failed", "job_id", job.ID, "task", job.Task,
		"retry_count", job.RetryCount+1, "max_retries", job.MaxRetries,
		"permanent", IsPermanent(handlerErr), "error", handlerErr)
	return &ClaimResult{Job: job, Outcome: OutcomeFailed, HandlerErr: handlerErr}
}
