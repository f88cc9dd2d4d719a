// Package coreiface provides the shared contracts (logging, telemetry,
// error taxonomy) used by every other package in this module.
package coreiface

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison using errors.Is(). Subsystem-specific
// errors wrap one of these so callers can classify failures without
// depending on a subsystem's concrete error types.
var (
	// State manager
	ErrResourceNotFound       = errors.New("resource not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrVersionConflict        = errors.New("version conflict")
	ErrSnapshotNotFound       = errors.New("snapshot not found")
	ErrBackendUnavailable     = errors.New("storage backend unavailable")
	ErrCorruptState           = errors.New("corrupt state payload")

	// Validator / propagator
	ErrInvalidAbstractionTier = errors.New("invalid abstraction tier")
	ErrDependencyCycle        = errors.New("dependency cycle detected")
	ErrUndefinedDependency    = errors.New("reference to undefined dependency")

	// Refinement manager
	ErrContextNotFound  = errors.New("refinement context not found")
	ErrContextDiscarded = errors.New("refinement context discarded")

	// Resource lifecycle / circuit breaker
	ErrCircuitOpen     = errors.New("circuit breaker open")
	ErrAlreadyStarted  = errors.New("already started")
	ErrNotInitialized  = errors.New("not initialized")
	ErrLockTimeout     = errors.New("lock acquisition timed out")
	ErrTerminated      = errors.New("resource terminated")

	// Generic
	ErrTimeout              = errors.New("operation timed out")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrPanicRecovered       = errors.New("recovered from panic")
)

// FrameworkError carries structured context about a failure: which
// operation failed, in what subsystem, against which entity, wrapping
// the underlying cause for errors.Is/errors.As.
type FrameworkError struct {
	Op      string // e.g. "state.SetState"
	Kind    string // e.g. "state", "validator", "refinement"
	ID      string // resource/context/agent id involved, if any
	Message string
	Err     error
}

func (e *FrameworkError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *FrameworkError) Unwrap() error { return e.Err }

// NewFrameworkError builds a FrameworkError wrapping err.
func NewFrameworkError(op, kind string, err error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, Err: err}
}

// WithID attaches an entity id and returns the same error for chaining.
func (e *FrameworkError) WithID(id string) *FrameworkError {
	e.ID = id
	return e
}

// IsTransient reports whether err represents infrastructure flakiness
// that a caller may retry locally, per spec.md §7's error taxonomy.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrLockTimeout)
}

// IsNotFound reports whether err represents a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrResourceNotFound) ||
		errors.Is(err, ErrContextNotFound) ||
		errors.Is(err, ErrSnapshotNotFound)
}
