package manager

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrGenerationCancelled is carried by the terminal event of a generation
	// that was stopped, superseded, unloaded or abandoned by its caller.
	ErrGenerationCancelled = errors.New("generation cancelled")
	// ErrTokenTimeout aborts a generation whose engine stalls between tokens.
	ErrTokenTimeout = errors.New("no token within timeout")
	// ErrResourceExhausted is returned by engines that cannot allocate the
	// memory a load needs.
	ErrResourceExhausted = errors.New("resource exhausted")
)

// LoadCause classifies a failed load.
type LoadCause string

const (
	LoadNotFound          LoadCause = "not_found"
	LoadUnsupportedFormat LoadCause = "unsupported_format"
	LoadResourceExhausted LoadCause = "resource_exhausted"
	LoadEngine            LoadCause = "engine"
)

// LoadError reports a failed model load. The session is idle afterwards.
type LoadError struct {
	Path  string
	Cause LoadCause
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s failed (%s): %v", e.Path, e.Cause, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// IsLoadError reports whether err is a LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// GenerationError reports why a generation ended without completing.
// The model stays loaded.
type GenerationError struct {
	ID  GenerationID
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation %d: %v", e.ID, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// IsGenerationError reports whether err is a GenerationError.
func IsGenerationError(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge)
}

// StateError signals an operation that is invalid in the current state.
type StateError struct {
	Op     string
	State  State
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s: %s", e.Op, e.State, e.Reason)
}

// IsStateError reports whether err is a StateError (return 409).
func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}

// CancellationError reports a cancellation that was requested but not
// acknowledged by the worker in time.
type CancellationError struct {
	ID      GenerationID
	Timeout time.Duration
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("generation %d did not stop within %s", e.ID, e.Timeout)
}

// IsCancellationError reports whether err is a CancellationError.
func IsCancellationError(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce)
}

// invalidRequestError marks malformed input (return 400).
type invalidRequestError struct{ msg string }

func (e invalidRequestError) Error() string { return e.msg }

// ErrInvalidRequest constructs an invalidRequestError.
func ErrInvalidRequest(msg string) error { return invalidRequestError{msg: msg} }

// IsInvalidRequest reports whether err indicates malformed input.
func IsInvalidRequest(err error) bool {
	var ir invalidRequestError
	return errors.As(err, &ir)
}

// dependencyUnavailableError signals a missing external dependency (e.g., llama.cpp)
// so the HTTP layer can return 503 Service Unavailable instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var du dependencyUnavailableError
	return errors.As(err, &du)
}

// cancelCause wraps ErrGenerationCancelled with the reason the worker was stopped.
type cancelCause struct{ reason string }

func (c cancelCause) Error() string { return ErrGenerationCancelled.Error() + ": " + c.reason }

func (c cancelCause) Unwrap() error { return ErrGenerationCancelled }

var (
	errStopRequested = cancelCause{reason: "stop requested"}
	errSuperseded    = cancelCause{reason: "superseded by a newer generation"}
	errUnloaded      = cancelCause{reason: "model unloaded"}
	errResetting     = cancelCause{reason: "context reset"}
	errStreamStopped = cancelCause{reason: "stream stopped by consumer"}
)
