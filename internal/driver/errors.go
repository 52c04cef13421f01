package driver

import "errors"

var (
	// ErrDuplicateExecutor is returned when an executor ID is already registered
	ErrDuplicateExecutor = errors.New("duplicate executor ID")

	// ErrExecutorNotFound is returned when an executor is not registered
	ErrExecutorNotFound = errors.New("executor not found")

	// ErrInvalidHostPort is returned for a malformed host:port in a registration
	ErrInvalidHostPort = errors.New("invalid host:port")

	// ErrAskTimeout is returned when the coordinator does not acknowledge a
	// synchronous request within the configured ask timeout
	ErrAskTimeout = errors.New("timed out waiting for coordinator acknowledgement")

	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("backend already started")

	// ErrNotStarted is returned by Stop when Start has not been called
	ErrNotStarted = errors.New("backend not started")

	// ErrStopped is returned when the backend has shut down
	ErrStopped = errors.New("backend stopped")
)
