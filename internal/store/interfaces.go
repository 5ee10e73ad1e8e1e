package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx.
// This allows passing either a connection pool or an active transaction to
// the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// JobStore handles the persistence of queue jobs.
// Implementations must use SELECT ... FOR UPDATE SKIP LOCKED semantics for
// ClaimJob; the row lock is the only mutual-exclusion primitive the engine
// relies on.
type JobStore interface {
	BeginTx(ctx context.Context) (Tx, error)

	// CreateJob inserts a new job with status NEW and notifies listeners
	// on the queue's wake-up channel.
	CreateJob(ctx context.Context, job *Job) error

	// ClaimJob selects and locks one eligible job (status NEW,
	// scheduled_for due, id not excluded). Returns nil, nil when the
	// queue is empty. The lock is held until tx commits or rolls back.
	ClaimJob(ctx context.Context, tx DBTransaction, queue string, exclude []uuid.UUID) (*Job, error)

	// MarkJobProcessing flips a claimed job to PROCESSING (at-most-once
	// claim persistence).
	MarkJobProcessing(ctx context.Context, tx DBTransaction, id uuid.UUID) error

	// DeleteJob removes a successfully processed job.
	DeleteJob(ctx context.Context, tx DBTransaction, id uuid.UUID) error

	// RecordJobFailure increments retry_count, stores the handler error
	// and returns the job to NEW for a future claim. When fatal is true
	// the retry budget is exhausted immediately.
	RecordJobFailure(ctx context.Context, tx DBTransaction, id uuid.UUID, errMsg string, fatal bool) error

	// GetJobByID returns a job by its ID.
	GetJobByID(ctx context.Context, id uuid.UUID) (*Job, error)

	// ListAbandonedJobs returns jobs that exhausted their retry budget,
	// newest first.
	ListAbandonedJobs(ctx context.Context, queue string, limit, offset int) ([]Job, error)

	// CountPendingJobs returns the number of claimable jobs on a queue.
	CountPendingJobs(ctx context.Context, queue string) (int64, error)
}

// RunStore handles the persistence of pipeline runs and their append-only
// log and output streams.
type RunStore interface {
	BeginTx(ctx context.Context) (Tx, error)

	// CreateRun inserts a new run in the queued state.
	CreateRun(ctx context.Context, run *Run) error

	// GetRunByID returns a run by its ID.
	GetRunByID(ctx context.Context, id uuid.UUID) (*Run, error)

	// GetRunForUpdate returns a run with its row locked for the duration
	// of tx. Used by read-check-update transitions (Stop, Complete).
	GetRunForUpdate(ctx context.Context, tx DBTransaction, id uuid.UUID) (*Run, error)

	// StartRun transitions queued -> running, stamping started_at and the
	// first heartbeat. Returns false when the run was not in queued.
	StartRun(ctx context.Context, id uuid.UUID) (bool, error)

	// SetRunState writes a state decided by the caller. Terminal states
	// also stamp finished_at; errMsg is stored when non-empty.
	SetRunState(ctx context.Context, tx DBTransaction, id uuid.UUID, state RunState, errMsg string) error

	// TouchHeartbeat refreshes last_heartbeat while the run is active.
	// Returns false when the run is no longer in an active state.
	TouchHeartbeat(ctx context.Context, id uuid.UUID) (bool, error)

	// UpdateProgress overwrites current_progress while the run is active.
	UpdateProgress(ctx context.Context, id uuid.UUID, percent int) (bool, error)

	// AppendRunLog appends one log entry, guarded against terminal runs.
	AppendRunLog(ctx context.Context, id uuid.UUID, priority LogPriority, message string) (bool, error)

	// AddRunOutput appends one declared artifact, guarded against
	// terminal runs.
	AddRunOutput(ctx context.Context, id uuid.UUID, kind OutputKind, uri, name string) (bool, error)

	// GetRunLogs returns log entries after afterID, oldest first.
	GetRunLogs(ctx context.Context, id uuid.UUID, afterID int64, limit int) ([]RunLogEntry, error)

	// GetRunOutputs returns all declared artifacts in append order.
	GetRunOutputs(ctx context.Context, id uuid.UUID) ([]RunOutput, error)

	// ReapStaleRuns fails every active run whose heartbeat is older than
	// timeout and returns the affected IDs. Idempotent and safe to call
	// from concurrent reapers.
	ReapStaleRuns(ctx context.Context, timeout time.Duration, includeTerminating bool) ([]uuid.UUID, error)

	// CountRunningRuns returns the number of runs currently running.
	CountRunningRuns(ctx context.Context) (int64, error)
}

// MetadataStore handles dataset files and their derived samples.
type MetadataStore interface {
	// GetDatasetFileByID returns a registered file by its ID.
	GetDatasetFileByID(ctx context.Context, id uuid.UUID) (*DatasetFile, error)

	// SaveFileMetadata upserts the derived sample row for a file version.
	SaveFileMetadata(ctx context.Context, md *FileMetadata) error

	// GetFileMetadata returns the derived sample row for a file, or
	// sql.ErrNoRows when none exists.
	GetFileMetadata(ctx context.Context, fileID uuid.UUID) (*FileMetadata, error)

	// PreviousAttributes returns the user-set attributes recorded for the
	// most recent earlier version of the same logical filename in the
	// workspace, or nil when there is none.
	PreviousAttributes(ctx context.Context, workspaceID uuid.UUID, filename string, before uuid.UUID) ([]byte, error)
}
