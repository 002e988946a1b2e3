package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestNotFound is returned when a request id is unknown.
	ErrRequestNotFound = errors.New("scan request not found")

	// ErrInvalidTransition is returned for a disallowed non-forced edge.
	ErrInvalidTransition = errors.New("invalid stage transition")

	// ErrConflict is returned when a concurrent transition changed the stage
	// between the read and the conditional write.
	ErrConflict = errors.New("stage changed concurrently")

	// ErrCollaboratorFailure wraps failures of the scan engine, normalizer, or
	// report generator.
	ErrCollaboratorFailure = errors.New("collaborator failure")

	// ErrPersistence wraps store failures. It never implies the write happened.
	ErrPersistence = errors.New("persistence failure")

	// ErrInvalidStage is returned when a value outside the enumerated set is seen.
	ErrInvalidStage = errors.New("invalid stage")

	// ErrNoRawPayload is returned when a pipeline run finds nothing to normalize.
	ErrNoRawPayload = errors.New("no raw scan payload")

	// ErrInvalidTarget is returned when a target URL can't be scanned.
	ErrInvalidTarget = errors.New("invalid target url")
)

// TransitionError describes a rejected edge.
type TransitionError struct {
	From Stage
	To   Stage
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid stage transition from %s to %s", e.From, e.To)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CollaboratorError records which external step failed.
type CollaboratorError struct {
	Step string
	Err  error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

// Is lets errors.Is match ErrCollaboratorFailure.
func (e *CollaboratorError) Is(target error) bool { return target == ErrCollaboratorFailure }

// Unwrap exposes the underlying collaborator error.
func (e *CollaboratorError) Unwrap() error { return e.Err }

// NewCollaboratorError wraps err as a failure of the named step.
func NewCollaboratorError(step string, err error) error {
	return &CollaboratorError{Step: step, Err: err}
}
