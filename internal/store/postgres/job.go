package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BLSQ/openhexa-app-sub000/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// JobsChannel is the pg_notify channel used to wake idle workers after an
// enqueue. Notifications are an optimization; polling stays correct alone.
const JobsChannel = "hexaq_jobs"

const jobColumns = "id, queue, task, args, status, retry_count, max_retries, last_error, scheduled_for, created_at, updated_at"

func scanJob(row interface {
	Scan(dest ...interface{}) error
}) (*store.Job, error) {
	var job store.Job
	err := row.Scan(
		&job.ID, &job.Queue, &job.Task, &job.Args, &job.Status,
		&job.RetryCount, &job.MaxRetries, &job.LastError,
		&job.ScheduledFor, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJob inserts a new job with status NEW and notifies listeners on the
// jobs channel so idle workers poll immediately.
func (s *Store) CreateJob(ctx context.Context, job *store.Job) error {
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = time.Now().UTC()
	}

	query := `
		INSERT INTO jobs (id, queue, task, args, status, retry_count, max_retries, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.Queue, job.Task, job.Args, job.Status,
		job.RetryCount, job.MaxRetries, job.ScheduledFor,
	)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}

	// Best-effort wake-up. An enqueue must not fail because nobody is
	// listening.
	if _, err := s.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", JobsChannel, job.Queue); err != nil {
		return nil
	}
	return nil
}

// ClaimJob selects and locks one eligible job using
// SELECT ... FOR UPDATE SKIP LOCKED. Returns nil, nil when the queue is
// empty. The caller owns the surrounding transaction; the row lock is
// released at commit or rollback.
func (s *Store) ClaimJob(ctx context.Context, tx store.DBTransaction, queue string, exclude []uuid.UUID) (*store.Job, error) {
	executor := s.getExecutor(tx)

	if exclude == nil {
		exclude = []uuid.UUID{}
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM jobs
		WHERE queue = $1
		  AND status = $2
		  AND scheduled_for <= NOW()
		  AND NOT (id = ANY($3))
		ORDER BY scheduled_for ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, jobColumns)

	job, err := scanJob(executor.QueryRowContext(ctx, query, queue, store.JobStatusNew, pq.Array(exclude)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim query failed: %w", err)
	}

	return job, nil
}

// MarkJobProcessing persists an at-most-once claim. Committed before the
// handler runs; a crash mid-handler strands the row in PROCESSING.
func (s *Store) MarkJobProcessing(ctx context.Context, tx store.DBTransaction, id uuid.UUID) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, `
		UPDATE jobs SET status = $1, updated_at = NOW() WHERE id = $2
	`, store.JobStatusProcessing, id)
	return err
}

// DeleteJob removes a successfully processed job.
func (s *Store) DeleteJob(ctx context.Context, tx store.DBTransaction, id uuid.UUID) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, "DELETE FROM jobs WHERE id = $1", id)
	return err
}

// RecordJobFailure returns the job to NEW with an incremented retry count
// so a future claim can pick it up. A fatal failure exhausts the retry
// budget immediately. Exhausted jobs are never deleted; they remain
// queryable for operator inspection.
func (s *Store) RecordJobFailure(ctx context.Context, tx store.DBTransaction, id uuid.UUID, errMsg string, fatal bool) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1,
		    retry_count = CASE WHEN $2 THEN max_retries + 1 ELSE retry_count + 1 END,
		    last_error = $3,
		    updated_at = NOW()
		WHERE id = $4
	`, store.JobStatusNew, fatal, errMsg, id)
	return err
}

// GetJobByID returns a job by its ID.
func (s *Store) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	query := fmt.Sprintf("SELECT %s FROM jobs WHERE id = $1", jobColumns)
	return scanJob(s.db.QueryRowContext(ctx, query, id))
}

// ListAbandonedJobs returns jobs that exhausted their retry budget, newest
// failure first.
func (s *Store) ListAbandonedJobs(ctx context.Context, queue string, limit, offset int) ([]store.Job, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM jobs
		WHERE queue = $1 AND status = $2 AND retry_count > max_retries
		ORDER BY updated_at DESC
		LIMIT $3 OFFSET $4
	`, jobColumns)

	rows, err := s.db.QueryContext(ctx, query, queue, store.JobStatusNew, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []store.Job
	for rows.Next() {
		var job store.Job
		if err := rows.Scan(
			&job.ID, &job.Queue, &job.Task, &job.Args, &job.Status,
			&job.RetryCount, &job.MaxRetries, &job.LastError,
			&job.ScheduledFor, &job.CreatedAt, &job.UpdatedAt,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountPendingJobs returns the number of claimable jobs on a queue.
func (s *Store) CountPendingJobs(ctx context.Context, queue string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE queue = $1 AND status = $2 AND retry_count <= max_retries
	`, queue, store.JobStatusNew).Scan(&count)
	return count, err
}
