// Package run implements the pipeline run state machine and the heartbeat
// reaper. Transitions are guarded single statements or short row-locked
// transactions; once a run reaches a terminal state no mutation is
// accepted.
package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BLSQ/openhexa-app-sub000/internal/store"

	"github.com/google/uuid"
)

// ArtifactChecker validates declared outputs against their backing store.
// Object-storage and warehouse access live outside this engine; only the
// existence checks cross the boundary.
type ArtifactChecker interface {
	FileExists(ctx context.Context, uri string) (bool, error)
	TableExists(ctx context.Context, name string) (bool, error)
}

// Outcome is the terminal result reported by Complete.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeStopped Outcome = "stopped"
)

func (o Outcome) state() (store.RunState, error) {
	switch o {
	case OutcomeSuccess:
		return store.RunStateSuccess, nil
	case OutcomeFailed:
		return store.RunStateFailed, nil
	case OutcomeStopped:
		return store.RunStateStopped, nil
	default:
		return "", fmt.Errorf("unknown outcome %q", o)
	}
}

// Service exposes the run lifecycle to triggers, executors and controlling
// actors.
type Service struct {
	store     store.RunStore
	artifacts ArtifactChecker
	logger    *slog.Logger
}

// NewService creates a run lifecycle service. artifacts may be nil, in
// which case output declarations are accepted unvalidated.
func NewService(s store.RunStore, artifacts ArtifactChecker, logger *slog.Logger) *Service {
	return &Service{store: s, artifacts: artifacts, logger: logger}
}

// TriggerParams describes a new run request.
type TriggerParams struct {
	WorkspaceID     uuid.UUID
	PipelineID      uuid.UUID
	PipelineVersion int
	TriggeredBy     string
	TriggerMode     store.TriggerMode
	Config          map[string]interface{}
}

// Trigger creates a run in the queued state. An external executor is
// expected to pick it up and call Start.
func (s *Service) Trigger(ctx context.Context, params TriggerParams) (*store.Run, error) {
	cfg, err := json.Marshal(params.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run config: %w", err)
	}

	mode := params.TriggerMode
	if mode == "" {
		mode = store.TriggerModeManual
	}

	run := &store.Run{
		ID:              uuid.New(),
		WorkspaceID:     params.WorkspaceID,
		PipelineID:      params.PipelineID,
		PipelineVersion: params.PipelineVersion,
		TriggeredBy:     params.TriggeredBy,
		TriggerMode:     mode,
		State:           store.RunStateQueued,
		Config:          cfg,
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	s.logger.Info("run triggered", "run_id", run.ID, "pipeline_id", run.PipelineID, "mode", mode)
	return run, nil
}

// Get returns a run by its ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*store.Run, error) {
	run, err := s.store.GetRunByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// Start transitions a queued run to running and stamps the first heartbeat.
func (s *Service) Start(ctx context.Context, id uuid.UUID) error {
	ok, err := s.store.StartRun(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return s.rejectReason(ctx, id)
	}
	s.logger.Info("run started", "run_id", id)
	return nil
}

// Heartbeat refreshes the run's liveness timestamp. Accepted while the run
// is running or terminating; an executor draining a cancellation still
// counts as alive.
func (s *Service) Heartbeat(ctx context.Context, id uuid.UUID) error {
	ok, err := s.store.TouchHeartbeat(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return s.rejectReason(ctx, id)
	}
	return nil
}

// AppendLog appends one entry to the run's log stream. Rejected once the
// run is terminal.
func (s *Service) AppendLog(ctx context.Context, id uuid.UUID, priority store.LogPriority, message string) error {
	if priority == "" {
		priority = store.LogPriorityInfo
	}
	ok, err := s.store.AppendRunLog(ctx, id, priority, message)
	if err != nil {
		return err
	}
	if !ok {
		return s.rejectReason(ctx, id)
	}
	return nil
}

// UpdateProgress overwrites the run's progress percentage. Progress is not
// required to be monotonic; the executor owns its meaning.
func (s *Service) UpdateProgress(ctx context.Context, id uuid.UUID, percent int) error {
	if percent < 0 || percent > 100 {
		return ErrInvalidProgress
	}
	ok, err := s.store.UpdateProgress(ctx, id, percent)
	if err != nil {
		return err
	}
	if !ok {
		return s.rejectReason(ctx, id)
	}
	return nil
}

// AddOutput declares an artifact produced by the run. File outputs must
// exist in object storage and db outputs must name an existing table before
// they are accepted.
func (s *Service) AddOutput(ctx context.Context, id uuid.UUID, kind store.OutputKind, uri, name string) error {
	if s.artifacts != nil {
		switch kind {
		case store.OutputKindFile:
			exists, err := s.artifacts.FileExists(ctx, uri)
			if err != nil {
				return fmt.Errorf("failed to check output file %q: %w", uri, err)
			}
			if !exists {
				return fmt.Errorf("%w: file %q", ErrOutputNotFound, uri)
			}
		case store.OutputKindTable:
			exists, err := s.artifacts.TableExists(ctx, name)
			if err != nil {
				return fmt.Errorf("failed to check output table %q: %w", name, err)
			}
			if !exists {
				return fmt.Errorf("%w: table %q", ErrOutputNotFound, name)
			}
		}
	}

	ok, err := s.store.AddRunOutput(ctx, id, kind, uri, name)
	if err != nil {
		return err
	}
	if !ok {
		return s.rejectReason(ctx, id)
	}
	return nil
}

// Stop requests cancellation of a run. A queued run stops immediately; a
// running run moves to terminating and waits for the executor to observe
// the signal and confirm with Complete(stopped). Termination is
// cooperative: the coordinator never forces a state on a process it does
// not own.
func (s *Service) Stop(ctx context.Context, id uuid.UUID, principal string) error {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	run, err := s.store.GetRunForUpdate(ctx, tx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRunNotFound
		}
		return err
	}

	var target store.RunState
	switch run.State {
	case store.RunStateSuccess, store.RunStateFailed:
		return ErrAlreadyCompleted
	case store.RunStateTerminating, store.RunStateStopped:
		return ErrAlreadyStopped
	case store.RunStateQueued:
		// Never started; no executor to wait for.
		target = store.RunStateStopped
	default:
		target = store.RunStateTerminating
	}

	if err := s.store.SetRunState(ctx, tx, id, target, fmt.Sprintf("Stopped by %s", principal)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Info("run stop requested", "run_id", id, "principal", principal, "state", target)
	return nil
}

// Complete records the run's terminal state. Calling it again with the same
// outcome is a no-op; with a different outcome it is rejected, so a
// terminal state can never be rewritten.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, outcome Outcome, errMsg string) error {
	target, err := outcome.state()
	if err != nil {
		return err
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	run, err := s.store.GetRunForUpdate(ctx, tx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRunNotFound
		}
		return err
	}

	if run.State.Terminal() {
		if run.State == target {
			return nil
		}
		return ErrAlreadyCompleted
	}

	if err := s.store.SetRunState(ctx, tx, id, target, errMsg); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Info("run completed", "run_id", id, "state", target)
	return nil
}

// Logs returns run log entries after afterID, oldest first.
func (s *Service) Logs(ctx context.Context, id uuid.UUID, afterID int64, limit int) ([]store.RunLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.GetRunLogs(ctx, id, afterID, limit)
}

// Outputs returns the run's declared artifacts in append order.
func (s *Service) Outputs(ctx context.Context, id uuid.UUID) ([]store.RunOutput, error) {
	return s.store.GetRunOutputs(ctx, id)
}

// rejectReason turns a guarded statement that matched no row into the named
// rejection the caller expects.
func (s *Service) rejectReason(ctx context.Context, id uuid.UUID) error {
	run, err := s.store.GetRunByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRunNotFound
		}
		return err
	}
	switch {
	case run.State.Terminal():
		return ErrAlreadyCompleted
	case run.State == store.RunStateQueued:
		return ErrNotStarted
	default:
		// Raced with a concurrent transition; the guard already
		// protected the row, surface the closest reason.
		return ErrAlreadyCompleted
	}
}
