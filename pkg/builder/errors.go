package builder

import "errors"

var (
	// ErrValidation indicates a malformed or incomplete request.
	ErrValidation = errors.New("invalid request")
	// ErrUnauthenticated indicates the caller could not be identified where identity is required.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrForbidden indicates the caller does not own the build.
	ErrForbidden = errors.New("not allowed to access this build")
	// ErrNotFound indicates the build id is unknown.
	ErrNotFound = errors.New("build not found")
	// ErrQuotaExceeded indicates the caller has too many builds in flight.
	ErrQuotaExceeded = errors.New("build quota exhausted")

	// ErrDownstream wraps failures reported by the build service or artifact storage.
	ErrDownstream = errors.New("downstream failure")
	// ErrTimeout indicates a build exceeded its wall-clock ceiling.
	ErrTimeout = errors.New("build timeout")

	// ErrAlreadyExists is returned by Repository.Create for a duplicate id.
	ErrAlreadyExists = errors.New("build already exists")
	// ErrConflict is returned by Repository.CompareAndSwap when the stored version moved.
	ErrConflict = errors.New("build changed concurrently")
	// ErrInvalidTransition indicates an update that breaks the status machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTerminal indicates an update against a completed or failed build.
	ErrTerminal = errors.New("build already finished")
)
