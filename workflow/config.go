package workflow

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// WorkflowConfig identifies and parameterizes a workflow submitted through
// Start.
type WorkflowConfig struct {
	// WorkflowID is the stable identity of the workflow. Generated when
	// empty.
	WorkflowID string

	// WorkflowName is a human-readable label recorded in workflow
	// metadata. Required.
	WorkflowName string

	// OrgID scopes the workflow for multi-tenant stores. Optional.
	OrgID string

	// Input seeds the initial state variables.
	Input map[string]any

	// Tags are free-form labels recorded in the workflow metadata.
	Tags map[string]string

	// Retry overrides the engine default retry policy for every step of
	// this workflow. Optional.
	Retry *RetryPolicy
}

func (c *WorkflowConfig) validate() error {
	if c.WorkflowName == "" {
		return fmt.Errorf("workflow config: workflow name is required")
	}
	if c.Retry != nil {
		if err := c.Retry.validate(); err != nil {
			return err
		}
	}
	return nil
}

// StepConfig tunes a single step invocation. The zero value checkpoints
// on the engine cadence with no timeout and the default retry policy.
type StepConfig struct {
	// Timeout bounds one attempt of the step function. Zero falls back
	// to the engine default; a negative value disables the timeout.
	Timeout time.Duration

	// Retry overrides the retry policy for this step.
	Retry *RetryPolicy

	// Savepoint forces a snapshot and a savepoint_created event after
	// the step commits, regardless of the snapshot cadence.
	Savepoint bool

	// SavepointMeta annotates the forced savepoint. Ignored unless
	// Savepoint is set; when nil the metadata is pulled from the
	// state variable "_savepoint_metadata" if present.
	SavepointMeta *SavepointMetadata

	// SkipCheckpoint exempts the step from the snapshot cadence. The
	// step is still journaled and replayable; it just never triggers a
	// cadence snapshot on its own.
	SkipCheckpoint bool
}

// SavepointMetadata is the context a resumed session needs to pick up
// where a savepoint left off.
type SavepointMetadata struct {
	GoalSummary string           `json:"goal_summary,omitempty"`
	Hypotheses  []string         `json:"hypotheses,omitempty"`
	Questions   []string         `json:"questions,omitempty"`
	Decisions   []map[string]any `json:"decisions,omitempty"`
	NextStep    string           `json:"next_step,omitempty"`
}

// RetryPolicy governs how failed step attempts are retried. Attempts are
// numbered from 1; MaxAttempts counts every attempt including the first.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget. At least 1.
	MaxAttempts int

	// BackoffBase is the exponential base delay in seconds. The delay
	// before attempt n+1 is BackoffBase * 2^(n-1), capped at BackoffMax.
	BackoffBase float64

	// BackoffMax caps the delay in seconds.
	BackoffMax float64

	// BackoffJitter is the fraction of the delay randomized away, in
	// [0, 1]. 0.5 means the actual delay is uniform in [d/2, d].
	BackoffJitter float64

	// RetryableKinds lists the error kinds worth retrying. Empty means
	// every kind except cancellation is retryable.
	RetryableKinds []string
}

// DefaultRetryPolicy returns the engine default: three attempts with
// exponential backoff starting at two seconds, capped at one minute,
// with 50% jitter, retrying timeouts and connection errors.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BackoffBase:    2,
		BackoffMax:     60,
		BackoffJitter:  0.5,
		RetryableKinds: []string{KindTimeout, KindConnectionError, KindPersistence},
	}
}

// Retryable reports whether an error of the given kind is worth another
// attempt under this policy. Cancellation is never retryable.
func (p RetryPolicy) Retryable(kind string) bool {
	if kind == KindCancelled {
		return false
	}
	if len(p.RetryableKinds) == 0 {
		return true
	}
	for _, k := range p.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Backoff computes the delay before the attempt following attempt n.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BackoffBase * math.Pow(2, float64(attempt-1))
	if p.BackoffMax > 0 && d > p.BackoffMax {
		d = p.BackoffMax
	}
	if p.BackoffJitter > 0 {
		j := p.BackoffJitter
		if j > 1 {
			j = 1
		}
		d = d * (1 - j*rand.Float64())
	}
	return time.Duration(d * float64(time.Second))
}

func (p RetryPolicy) validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BackoffJitter < 0 || p.BackoffJitter > 1 {
		return fmt.Errorf("retry policy: jitter must be in [0, 1], got %v", p.BackoffJitter)
	}
	return nil
}
