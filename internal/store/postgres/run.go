package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/BLSQ/openhexa-app-sub000/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const runColumns = "id, workspace_id, pipeline_id, pipeline_version, triggered_by, trigger_mode, state, config, current_progress, error_message, created_at, started_at, finished_at, last_heartbeat"

func scanRun(row interface {
	Scan(dest ...interface{}) error
}) (*store.Run, error) {
	var run store.Run
	err := row.Scan(
		&run.ID, &run.WorkspaceID, &run.PipelineID, &run.PipelineVersion,
		&run.TriggeredBy, &run.TriggerMode, &run.State, &run.Config,
		&run.CurrentProgress, &run.ErrorMessage,
		&run.CreatedAt, &run.StartedAt, &run.FinishedAt, &run.LastHeartbeat,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// CreateRun inserts a new run in the queued state.
func (s *Store) CreateRun(ctx context.Context, run *store.Run) error {
	query := `
		INSERT INTO runs (id, workspace_id, pipeline_id, pipeline_version, triggered_by, trigger_mode, state, config, current_progress)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.WorkspaceID, run.PipelineID, run.PipelineVersion,
		run.TriggeredBy, run.TriggerMode, run.State, run.Config, run.CurrentProgress,
	)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	return nil
}

// GetRunByID returns a run by its ID.
func (s *Store) GetRunByID(ctx context.Context, id uuid.UUID) (*store.Run, error) {
	query := fmt.Sprintf("SELECT %s FROM runs WHERE id = $1", runColumns)
	return scanRun(s.db.QueryRowContext(ctx, query, id))
}

// GetRunForUpdate returns a run with its row locked until tx ends. Used by
// the read-check-update transitions so two concurrent Stop calls cannot
// both observe the same pre-state.
func (s *Store) GetRunForUpdate(ctx context.Context, tx store.DBTransaction, id uuid.UUID) (*store.Run, error) {
	executor := s.getExecutor(tx)
	query := fmt.Sprintf("SELECT %s FROM runs WHERE id = $1 FOR UPDATE", runColumns)
	return scanRun(executor.QueryRowContext(ctx, query, id))
}

// StartRun transitions queued -> running, stamping started_at and the first
// heartbeat in the same statement. The state guard makes the transition
// reject anything but a queued run.
func (s *Store) StartRun(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET state = $1, started_at = NOW(), last_heartbeat = NOW()
		WHERE id = $2 AND state = $3
	`, store.RunStateRunning, id, store.RunStateQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetRunState writes a state decided by the caller. Terminal states also
// stamp finished_at. An empty errMsg leaves any recorded error untouched.
func (s *Store) SetRunState(ctx context.Context, tx store.DBTransaction, id uuid.UUID, state store.RunState, errMsg string) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, `
		UPDATE runs
		SET state = $1,
		    error_message = COALESCE(NULLIF($2, ''), error_message),
		    finished_at = CASE WHEN $1 = ANY($3) THEN NOW() ELSE finished_at END
		WHERE id = $4
	`, state, errMsg, pq.Array([]string{
		string(store.RunStateSuccess), string(store.RunStateFailed), string(store.RunStateStopped),
	}), id)
	return err
}

// TouchHeartbeat refreshes last_heartbeat while the run is active.
func (s *Store) TouchHeartbeat(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET last_heartbeat = NOW()
		WHERE id = $1 AND state = ANY($2)
	`, id, pq.Array([]string{
		string(store.RunStateRunning), string(store.RunStateTerminating),
	}))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

var nonTerminalStates = pq.Array([]string{
	string(store.RunStateQueued), string(store.RunStateRunning), string(store.RunStateTerminating),
})

// UpdateProgress overwrites current_progress while the run is not terminal.
func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, percent int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET current_progress = $1
		WHERE id = $2 AND state = ANY($3)
	`, percent, id, nonTerminalStates)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AppendRunLog appends one log entry. The EXISTS guard enforces terminal
// immutability in the same statement, so concurrent completion cannot slip
// a log line onto a finished run.
func (s *Store) AppendRunLog(ctx context.Context, id uuid.UUID, priority store.LogPriority, message string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_logs (run_id, priority, message)
		SELECT $1, $2, $3
		WHERE EXISTS (SELECT 1 FROM runs WHERE id = $1 AND state = ANY($4))
	`, id, priority, message, nonTerminalStates)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AddRunOutput appends one declared artifact, guarded like AppendRunLog.
func (s *Store) AddRunOutput(ctx context.Context, id uuid.UUID, kind store.OutputKind, uri, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_outputs (run_id, kind, uri, name)
		SELECT $1, $2, $3, $4
		WHERE EXISTS (SELECT 1 FROM runs WHERE id = $1 AND state = ANY($5))
	`, id, kind, uri, name, nonTerminalStates)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetRunLogs returns log entries after afterID, oldest first.
func (s *Store) GetRunLogs(ctx context.Context, id uuid.UUID, afterID int64, limit int) ([]store.RunLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, priority, message, logged_at
		FROM run_logs
		WHERE run_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`, id, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []store.RunLogEntry
	for rows.Next() {
		var entry store.RunLogEntry
		if err := rows.Scan(&entry.ID, &entry.RunID, &entry.Priority, &entry.Message, &entry.LoggedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// GetRunOutputs returns all declared artifacts in append order.
func (s *Store) GetRunOutputs(ctx context.Context, id uuid.UUID) ([]store.RunOutput, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, kind, uri, name, added_at
		FROM run_outputs
		WHERE run_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outputs []store.RunOutput
	for rows.Next() {
		var out store.RunOutput
		if err := rows.Scan(&out.ID, &out.RunID, &out.Kind, &out.URI, &out.Name, &out.AddedAt); err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, rows.Err()
}

// ReapStaleRuns fails every active run whose heartbeat is older than
// timeout. A single conditional UPDATE keeps the pass idempotent: a run
// already failed by a concurrent reaper no longer matches the state guard.
func (s *Store) ReapStaleRuns(ctx context.Context, timeout time.Duration, includeTerminating bool) ([]uuid.UUID, error) {
	states := []string{string(store.RunStateRunning)}
	if includeTerminating {
		states = append(states, string(store.RunStateTerminating))
	}

	rows, err := s.db.QueryContext(ctx, `
		UPDATE runs
		SET state = $1,
		    error_message = 'Heartbeat lost: executor is no longer responding',
		    finished_at = NOW()
		WHERE state = ANY($2)
		  AND last_heartbeat < NOW() - ($3 * INTERVAL '1 second')
		RETURNING id
	`, store.RunStateFailed, pq.Array(states), timeout.Seconds())
	if err != nil {
		return nil, fmt.Errorf("reap query failed: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountRunningRuns returns the number of runs currently running.
func (s *Store) CountRunningRuns(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM runs WHERE state = $1", store.RunStateRunning,
	).Scan(&count)
	return count, err
}
