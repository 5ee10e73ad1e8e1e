package queue

import "errors"

// ErrUnknownTask is returned by Enqueue when no handler is registered for
// the task name. Unknown tasks are a configuration error, never retried.
var ErrUnknownTask = errors.New("no handler registered for task")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent wraps a handler error so the engine abandons the job instead of
// retrying it. Use for failures that cannot succeed on a later attempt
// (malformed arguments, missing referenced entities).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
