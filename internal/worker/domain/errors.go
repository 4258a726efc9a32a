package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidStatus is returned for a status string that is not a JobStatus
	ErrInvalidStatus = errors.New("invalid job status")

	// ErrTerminalStatus is returned when changing the status of a job that
	// already reached FINISHED, CANCELLED or FAILED
	ErrTerminalStatus = errors.New("job status is terminal")

	// ErrInterrupted is returned by a phase that stopped because of a
	// cancel or pause command. The command router already updated the
	// job, so it must reach the dispatch loop without further handling.
	ErrInterrupted = errors.New("job interrupted by async command")
)

// RecoverableError wraps transient failures, such as an unreachable
// execution system, that a recovery manager may retry later
type RecoverableError struct {
	Err error
}

func (e *RecoverableError) Error() string {
	return "recoverable error: " + e.Err.Error()
}

func (e *RecoverableError) Unwrap() error {
	return e.Err
}

// NewRecoverableError creates a new recoverable error
func NewRecoverableError(err error) error {
	return &RecoverableError{Err: err}
}

// IsRecoverable reports whether err or any error in its chain is
// recoverable
func IsRecoverable(err error) bool {
	var recoverable *RecoverableError
	return errors.As(err, &recoverable)
}
