// Package store contains the database layer for the workspace job and run engine.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the queue-visible state of a background job.
type JobStatus string

const (
	// JobStatusNew marks a job that is eligible for claiming.
	JobStatusNew JobStatus = "NEW"
	// JobStatusProcessing marks a job claimed by an at-most-once queue.
	// A row stuck in this state belongs to a worker that crashed mid-handler.
	JobStatusProcessing JobStatus = "PROCESSING"
)

// Job represents an enqueued unit of background work.
//
// Successful jobs are deleted from the table. A job whose RetryCount has
// reached MaxRetries is never claimed again and never deleted; it stays
// visible for operator inspection (see Abandoned).
type Job struct {
	ID           uuid.UUID
	Queue        string
	Task         string
	Args         json.RawMessage
	Status       JobStatus
	RetryCount   int
	MaxRetries   int
	LastError    *string
	ScheduledFor time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Abandoned reports whether the job has exhausted its retry budget. The
// budget covers the initial attempt plus MaxRetries retries, so RetryCount
// may reach MaxRetries before the final retry runs.
func (j *Job) Abandoned() bool {
	return j.RetryCount > j.MaxRetries
}

// RunState represents the lifecycle state of a pipeline run.
type RunState string

const (
	RunStateQueued      RunState = "queued"
	RunStateRunning     RunState = "running"
	RunStateSuccess     RunState = "success"
	RunStateFailed      RunState = "failed"
	RunStateStopped     RunState = "stopped"
	RunStateTerminating RunState = "terminating"
)

// Terminal reports whether no further transitions are allowed from s.
func (s RunState) Terminal() bool {
	return s == RunStateSuccess || s == RunStateFailed || s == RunStateStopped
}

// TriggerMode records how a run was started. Informational only; the state
// machine does not branch on it.
type TriggerMode string

const (
	TriggerModeManual    TriggerMode = "manual"
	TriggerModeScheduled TriggerMode = "scheduled"
	TriggerModeWebhook   TriggerMode = "webhook"
)

// Run represents a tracked execution of a versioned pipeline.
type Run struct {
	ID              uuid.UUID
	WorkspaceID     uuid.UUID
	PipelineID      uuid.UUID
	PipelineVersion int
	TriggeredBy     string
	TriggerMode     TriggerMode
	State           RunState
	Config          json.RawMessage
	CurrentProgress int
	ErrorMessage    *string
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	LastHeartbeat   *time.Time
}

// LogPriority is the severity attached to a run log entry.
type LogPriority string

const (
	LogPriorityDebug   LogPriority = "DEBUG"
	LogPriorityInfo    LogPriority = "INFO"
	LogPriorityWarning LogPriority = "WARNING"
	LogPriorityError   LogPriority = "ERROR"
)

// RunLogEntry is one line of a run's append-only log stream.
type RunLogEntry struct {
	ID       int64
	RunID    uuid.UUID
	Priority LogPriority
	Message  string
	LoggedAt time.Time
}

// OutputKind classifies a declared run artifact.
type OutputKind string

const (
	OutputKindFile    OutputKind = "file"
	OutputKindTable   OutputKind = "db"
	OutputKindGeneric OutputKind = "generic"
)

// RunOutput is one declared artifact of a run, append-only while the run
// is active.
type RunOutput struct {
	ID      int64
	RunID   uuid.UUID
	Kind    OutputKind
	URI     string
	Name    string
	AddedAt time.Time
}

// MetadataStatus is the outcome recorded on a derived file sample.
type MetadataStatus string

const (
	MetadataStatusPending  MetadataStatus = "PENDING"
	MetadataStatusFinished MetadataStatus = "FINISHED"
	MetadataStatusFailed   MetadataStatus = "FAILED"
)

// DatasetFile is a versioned tabular artifact registered in a workspace.
type DatasetFile struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	Filename    string
	URI         string
	ContentType string
	VersionID   uuid.UUID
	CreatedAt   time.Time
}

// FileMetadata holds the derived sample and profile for one file version,
// plus user-set attributes carried forward across versions of the same
// logical filename.
type FileMetadata struct {
	ID           uuid.UUID
	FileID       uuid.UUID
	Filename     string
	VersionID    uuid.UUID
	Status       MetadataStatus
	Sample       json.RawMessage
	Profile      json.RawMessage
	Attributes   json.RawMessage
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
