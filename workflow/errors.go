// Package workflow implements the durable workflow execution core: an
// engine that journals every step of a user workflow, snapshots state,
// admits exactly one executor per workflow through fenced leases, and
// rebuilds state deterministically on resume.
package workflow

import (
	"errors"
	"fmt"

	"github.com/bhavdeep98/contd.ai/workflow/store"
)

// Lifecycle errors. Reported to the caller; the workflow is not modified.
var (
	// ErrWorkflowLocked means a live lease is held by another executor.
	ErrWorkflowLocked = store.ErrWorkflowLocked

	// ErrWorkflowNotFound means the workflow has no journal history.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowAlreadyCompleted means the journal ends with a terminal
	// event and no further execution is accepted.
	ErrWorkflowAlreadyCompleted = errors.New("workflow already completed")

	// ErrNoActiveWorkflow means a step was invoked outside a running
	// workflow body.
	ErrNoActiveWorkflow = errors.New("no active workflow execution")
)

// Step errors. Step-failed events are already recorded when these surface.
var (
	// ErrStepTimeout means the step exceeded its configured timeout.
	ErrStepTimeout = errors.New("step timed out")

	// ErrTooManyAttempts means the retry budget is exhausted.
	ErrTooManyAttempts = errors.New("too many attempts")

	// ErrStepCancelled means the step observed cancellation, either from
	// an external Cancel or a lost lease.
	ErrStepCancelled = errors.New("step cancelled")
)

// Integrity errors are fatal. Recovery fails closed; no partial state is
// ever returned.
var (
	// ErrChecksumMismatch means a stored checksum does not match a fresh
	// computation over the stored bytes.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrSequenceGap means the journal's event_seq is not contiguous.
	ErrSequenceGap = errors.New("event sequence gap")

	// ErrSnapshotCorrupted means a snapshot's state cannot be decoded or
	// verified.
	ErrSnapshotCorrupted = errors.New("snapshot corrupted")
)

// Recovery errors. No resume is attempted when these surface.
var (
	// ErrRecoveryFailed wraps a restore failure.
	ErrRecoveryFailed = errors.New("recovery failed")

	// ErrInvalidSavepoint means a time-travel target does not exist or
	// does not reference a usable snapshot.
	ErrInvalidSavepoint = errors.New("invalid savepoint")
)

// Error kinds attached to step_failed payloads and matched against
// RetryPolicy.RetryableKinds.
const (
	KindTimeout         = "timeout"
	KindCancelled       = "cancelled"
	KindConnectionError = "connection_error"
	KindPersistence     = "persistence_error"
	KindExecution       = "execution_error"
)

// StepError wraps a step failure with the identity of the failing attempt.
type StepError struct {
	StepID  string
	Attempt int
	Kind    string
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s attempt %d (%s): %v", e.StepID, e.Attempt, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// kindedError carries an explicit error kind for retry matching. User step
// functions wrap transient failures with Kinded so the retry policy can
// recognize them.
type kindedError struct {
	kind string
	err  error
}

// Kinded tags err with an error kind. The kind is recorded in the
// step_failed payload and matched against the retry policy's retryable
// kinds.
//
// Example:
//
//	resp, err := httpClient.Do(req)
//	if err != nil {
//	    return nil, workflow.Kinded(workflow.KindConnectionError, err)
//	}
func Kinded(kind string, err error) error {
	return &kindedError{kind: kind, err: err}
}

func (e *kindedError) Error() string { return e.err.Error() }
func (e *kindedError) Unwrap() error { return e.err }
func (e *kindedError) ErrorKind() string {
	return e.kind
}

// errorKind classifies an error for the step_failed payload. Explicit
// kinds win; context and sentinel errors map to their fixed kinds;
// everything else is an execution error.
func errorKind(err error) string {
	var kinded interface{ ErrorKind() string }
	if errors.As(err, &kinded) {
		return kinded.ErrorKind()
	}
	switch {
	case errors.Is(err, ErrStepTimeout):
		return KindTimeout
	case errors.Is(err, ErrStepCancelled):
		return KindCancelled
	case errors.Is(err, store.ErrSeqConflict):
		return KindPersistence
	}
	return KindExecution
}
