package recorder

import (
	"errors"
	"fmt"
)

// Failure kinds surfaced by the recording engine. Every failure a tool can
// return maps to exactly one of these sentinels; nothing is swallowed.
var (
	// ErrRecordingDisabled: a write was attempted while gated off. Recoverable
	// by the user toggling recording state; never retried automatically.
	ErrRecordingDisabled = errors.New("recording disabled")

	// ErrCaptureFailed: the external capture timed out or returned nothing.
	// Retried a bounded number of times before being surfaced.
	ErrCaptureFailed = errors.New("capture failed")

	// ErrStoreWrite: the content store transaction failed. Never retried
	// automatically; nothing was written.
	ErrStoreWrite = errors.New("store write failed")

	// ErrSyncValidation: post-write verification failed. The write nominally
	// succeeded but the record is unverifiable, so the operation is reported
	// as failed.
	ErrSyncValidation = errors.New("sync validation failed")

	// ErrNotFound: a read query matched nothing. A normal empty result.
	ErrNotFound = errors.New("no exchange recorded yet")

	// ErrAlreadyStarted: start_session while a session is active. Re-starting
	// must be explicit, never a silent overwrite.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrNoSession: a recording operation before start_session.
	ErrNoSession = errors.New("no active session")

	// ErrTimeout: an operation exceeded the reliability monitor's hard bound.
	ErrTimeout = errors.New("operation timed out")
)

// StepError wraps a pipeline failure with the name of the step that produced
// it, so callers can tell a gate denial from a capture failure from a store
// failure without parsing messages.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepErr(step string, err error) error {
	return &StepError{Step: step, Err: err}
}
