package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrInvalidState: the requested transition is not allowed from the job's current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrAlreadyRunning: a singleton job (or runner) is already in flight.
	ErrAlreadyRunning = errors.New("already running")
	ErrEmptyAudience  = errors.New("empty audience")
	ErrValidation     = errors.New("validation failed")
	// ErrResolution: the contact store could not be read; the audience is unknown, not empty.
	ErrResolution = errors.New("audience resolution failed")
	// ErrGatewayUnavailable: the messaging gateway cannot accept requests at all.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
)

// StateError reports a rejected transition.
type StateError struct {
	JobID string
	Op    string
	State JobState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s job %s: not allowed in state %q", e.Op, e.JobID, e.State)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// ValidationError names the offending field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Msg }

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Invalid(field, msg string) error { return &ValidationError{Field: field, Msg: msg} }

// SendFailure is a per-recipient gateway failure. It is recorded on the
// delivery row and never fails the job.
type SendFailure struct {
	ContactID int64
	Phone     string
	Err       error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("send to contact %d: %v", e.ContactID, e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }
