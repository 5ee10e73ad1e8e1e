package run

import "errors"

// Named rejections returned by the state machine. They are plain result
// values: a rejected call has no side effect on the run.
var (
	// ErrRunNotFound means the run ID does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrAlreadyCompleted rejects mutations of a run that finished in
	// success or failure.
	ErrAlreadyCompleted = errors.New("run already completed")

	// ErrAlreadyStopped rejects a stop request for a run that is already
	// stopping or stopped.
	ErrAlreadyStopped = errors.New("run already stopped")

	// ErrNotStarted rejects executor operations on a run still queued.
	ErrNotStarted = errors.New("run not started")

	// ErrOutputNotFound rejects an output declaration whose referenced
	// file or table does not exist.
	ErrOutputNotFound = errors.New("declared output not found")

	// ErrInvalidProgress rejects progress values outside 0-100.
	ErrInvalidProgress = errors.New("progress must be between 0 and 100")
)
