package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bhavdeep98/contd.ai/workflow/codec"
	"github.com/bhavdeep98/contd.ai/workflow/emit"
	"github.com/bhavdeep98/contd.ai/workflow/event"
	"github.com/bhavdeep98/contd.ai/workflow/state"
	"github.com/bhavdeep98/contd.ai/workflow/store"
)

// StepFunc is the user function executed by a step. It receives a copy of
// the current state variables and returns the variables to merge into
// state. A nil value in the result removes the key. The function must be
// deterministic in its effect on state: its result is journaled once and
// replay applies the journaled delta, never the function.
type StepFunc func(ctx context.Context, vars map[string]any) (map[string]any, error)

// StepResult reports one step invocation.
type StepResult struct {
	// StepID is the durable identity, "name_ordinal".
	StepID string

	// AttemptID is the attempt that produced the result. Zero for
	// cached results whose attempt is not re-read from the store.
	AttemptID int

	// WasCached means the step had already committed and its recorded
	// result was returned without executing the function.
	WasCached bool

	// Output is the variables the step merged into state. For cached
	// results it is recovered from the result blob; nil when the blob
	// is no longer available, in which case the merged values are still
	// present in state.
	Output map[string]any

	// Duration is the executing attempt's duration. Zero for cached
	// results.
	Duration time.Duration
}

// Step runs fn as a durable step with the default configuration. The
// step's identity is its name plus the invocation ordinal within the
// body, so re-executed bodies address the same journal records and
// committed steps are skipped.
func (c *ExecutionContext) Step(name string, fn StepFunc) (*StepResult, error) {
	return c.StepWithConfig(name, StepConfig{}, fn)
}

// StepWithConfig runs fn as a durable step.
//
// The commit protocol runs in this order: completion check, attempt
// allocation, step_intention append, execution, then an atomic commit of
// the step_completed event and the completion row. A crash at any point
// leaves either a fully committed step or a step that will re-execute,
// never a half-committed one.
func (c *ExecutionContext) StepWithConfig(name string, cfg StepConfig, fn StepFunc) (*StepResult, error) {
	if c == nil || c.state == nil {
		return nil, ErrNoActiveWorkflow
	}
	if err := c.ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStepCancelled, context.Cause(c.ctx))
	}
	if name == "" {
		return nil, fmt.Errorf("step name is required")
	}

	c.mu.Lock()
	c.stepCounter++
	stepID := fmt.Sprintf("%s_%d", name, c.stepCounter)
	c.mu.Unlock()

	if comp, err := c.engine.store.CheckCompleted(c.ctx, c.workflowID, stepID); err == nil {
		return c.cachedResult(stepID, comp)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check completion for %s: %w", stepID, err)
	}

	policy := c.retry
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}

	for {
		att, comp, err := c.engine.store.AllocateAttempt(c.ctx, c.workflowID, stepID, c.fence())
		if err != nil {
			return nil, fmt.Errorf("allocate attempt for %s: %w", stepID, err)
		}
		if comp != nil {
			// Committed by a previous incarnation between the completion
			// check and now.
			return c.cachedResult(stepID, comp)
		}

		if att.AttemptID > policy.MaxAttempts {
			return nil, &StepError{StepID: stepID, Attempt: att.AttemptID, Kind: KindExecution,
				Err: fmt.Errorf("%w: budget %d", ErrTooManyAttempts, policy.MaxAttempts)}
		}

		res, stepErr := c.runAttempt(stepID, name, att.AttemptID, cfg, fn)
		if stepErr == nil {
			return res, nil
		}

		kind := errorKind(stepErr)
		c.engine.metrics.IncrementRetries(c.workflowID, name, kind)

		if kind == KindCancelled || !policy.Retryable(kind) || att.AttemptID >= policy.MaxAttempts {
			wrapped := error(&StepError{StepID: stepID, Attempt: att.AttemptID, Kind: kind, Err: stepErr})
			if att.AttemptID >= policy.MaxAttempts && kind != KindCancelled {
				wrapped = fmt.Errorf("%w: %w", ErrTooManyAttempts, wrapped)
			}
			return nil, wrapped
		}

		delay := policy.Backoff(att.AttemptID)
		c.engine.emitter.Emit(emit.Event{
			WorkflowID: c.workflowID,
			Step:       c.StepNumber(),
			StepID:     stepID,
			Msg:        "step retrying",
			Meta:       map[string]any{"attempt": att.AttemptID, "error": stepErr.Error(), "backoff_ms": delay.Milliseconds()},
		})
		select {
		case <-c.ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrStepCancelled, context.Cause(c.ctx))
		case <-time.After(delay):
		}
	}
}

// runAttempt executes one attempt end to end: intention, execution, and
// either the atomic commit or a step_failed record.
func (c *ExecutionContext) runAttempt(stepID, name string, attemptID int, cfg StepConfig, fn StepFunc) (*StepResult, error) {
	fence := c.fence()

	intent := event.New(c.workflowID, c.orgID, event.TypeStepIntention, event.Intention{
		StepID:       stepID,
		StepName:     name,
		AttemptID:    attemptID,
		FencingToken: fence.Token,
	})
	intent.ProducerVersion = c.engine.producer
	if _, err := c.engine.store.Append(c.ctx, intent, fence); err != nil {
		return nil, fmt.Errorf("append intention for %s: %w", stepID, err)
	}

	prev, err := c.State()
	if err != nil {
		return nil, err
	}
	// The function gets its own copy of the variables. Only the returned
	// output is journaled; an in-place mutation of a shared map would skip
	// the delta and surface as a checksum mismatch on the next restore.
	work, err := prev.Clone()
	if err != nil {
		return nil, err
	}
	vars := work.Variables

	attemptCtx := c.ctx
	cancel := context.CancelFunc(func() {})
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = c.engine.defaultStepTimeout
	}
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(c.ctx, timeout)
	}
	defer cancel()

	start := time.Now()
	output, execErr := fn(attemptCtx, vars)
	duration := time.Since(start)

	if execErr != nil {
		execErr = c.classifyAttemptErr(attemptCtx, execErr, timeout)
		c.recordFailure(stepID, name, attemptID, duration, execErr, fence)
		return nil, execErr
	}

	next, err := prev.Next(output)
	if err != nil {
		return nil, fmt.Errorf("advance state for %s: %w", stepID, err)
	}
	delta, err := state.ComputeDelta(prev.Variables, next.Variables)
	if err != nil {
		return nil, fmt.Errorf("compute delta for %s: %w", stepID, err)
	}

	resultRef, resultSum, err := c.putResult(stepID, output)
	if err != nil {
		return nil, err
	}

	completed := event.New(c.workflowID, c.orgID, event.TypeStepCompleted, event.Completion{
		StepID:           stepID,
		AttemptID:        attemptID,
		StateDelta:       delta,
		NewStateChecksum: next.Checksum,
		DurationMS:       duration.Milliseconds(),
	})
	completed.ProducerVersion = c.engine.producer

	comp := &store.Completion{
		WorkflowID:     c.workflowID,
		StepID:         stepID,
		AttemptID:      attemptID,
		CompletedAt:    time.Now().UTC(),
		ResultRef:      resultRef,
		ResultChecksum: resultSum,
		OrgID:          c.orgID,
	}

	seq, err := c.engine.store.CommitStep(c.ctx, completed, comp, fence)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyCompleted) {
			return c.cachedResult(stepID, comp)
		}
		return nil, fmt.Errorf("commit step %s: %w", stepID, err)
	}

	c.swapState(next, !cfg.SkipCheckpoint)

	c.engine.metrics.RecordStep(c.workflowID, "committed")
	c.engine.metrics.RecordStepLatency(c.workflowID, name, duration, "success")
	c.engine.emitter.Emit(emit.Event{
		WorkflowID: c.workflowID,
		Step:       next.StepNumber,
		StepID:     stepID,
		Msg:        "step committed",
		Meta:       map[string]any{"attempt": attemptID, "duration_ms": duration.Milliseconds(), "seq": seq},
	})

	if err := c.maybeSnapshot(cfg); err != nil {
		return nil, err
	}

	return &StepResult{StepID: stepID, AttemptID: attemptID, Output: output, Duration: duration}, nil
}

// classifyAttemptErr maps context conditions onto the step error taxonomy.
func (c *ExecutionContext) classifyAttemptErr(attemptCtx context.Context, execErr error, timeout time.Duration) error {
	switch {
	case c.ctx.Err() != nil:
		return fmt.Errorf("%w: %v", ErrStepCancelled, context.Cause(c.ctx))
	case errors.Is(execErr, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %v: %v", ErrStepTimeout, timeout, execErr)
	}
	return execErr
}

// recordFailure journals a step_failed event. Journal errors here are
// logged through the emitter but do not mask the execution error.
func (c *ExecutionContext) recordFailure(stepID, name string, attemptID int, duration time.Duration, execErr error, fence store.Fence) {
	kind := errorKind(execErr)
	failed := event.New(c.workflowID, c.orgID, event.TypeStepFailed, event.Failure{
		StepID:       stepID,
		AttemptID:    attemptID,
		ErrorKind:    kind,
		ErrorMessage: execErr.Error(),
	})
	failed.ProducerVersion = c.engine.producer

	meta := map[string]any{"attempt": attemptID, "error": execErr.Error(), "kind": kind}
	if _, err := c.engine.store.Append(context.WithoutCancel(c.ctx), failed, fence); err != nil {
		meta["journal_error"] = err.Error()
	}

	c.engine.metrics.RecordStep(c.workflowID, "failed")
	c.engine.metrics.RecordStepLatency(c.workflowID, name, duration, "error")
	c.engine.emitter.Emit(emit.Event{
		WorkflowID: c.workflowID,
		Step:       c.StepNumber(),
		StepID:     stepID,
		Msg:        "step failed",
		Meta:       meta,
	})
}

// putResult stores the step output in the blob store so cached
// invocations can return it. An empty output stores nothing.
func (c *ExecutionContext) putResult(stepID string, output map[string]any) (ref, checksum string, err error) {
	if len(output) == 0 {
		return "", "", nil
	}
	raw, err := codec.Canonical(output)
	if err != nil {
		return "", "", fmt.Errorf("encode result for %s: %w", stepID, err)
	}
	ref = "result-" + c.workflowID + "-" + stepID
	if err := c.engine.blobs.PutBlob(c.ctx, ref, raw); err != nil {
		return "", "", fmt.Errorf("store result for %s: %w", stepID, err)
	}
	return ref, codec.ChecksumBytes(raw), nil
}

// cachedResult builds the result for a step that already committed. The
// recorded output is recovered from the result blob when available and
// verified against the recorded checksum.
func (c *ExecutionContext) cachedResult(stepID string, comp *store.Completion) (*StepResult, error) {
	res := &StepResult{StepID: stepID, AttemptID: comp.AttemptID, WasCached: true}

	if comp.ResultRef != "" {
		raw, err := c.engine.blobs.GetBlob(c.ctx, comp.ResultRef)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// The merged values survive in state; only the standalone
			// output copy is gone.
		case err != nil:
			return nil, fmt.Errorf("load cached result for %s: %w", stepID, err)
		default:
			if codec.ChecksumBytes(raw) != comp.ResultChecksum {
				return nil, fmt.Errorf("%w: cached result for %s", ErrChecksumMismatch, stepID)
			}
			var output map[string]any
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.UseNumber()
			if err := dec.Decode(&output); err != nil {
				return nil, fmt.Errorf("decode cached result for %s: %w", stepID, err)
			}
			res.Output = output
		}
	}

	c.engine.metrics.RecordStep(c.workflowID, "cached")
	c.engine.emitter.Emit(emit.Event{
		WorkflowID: c.workflowID,
		Step:       c.StepNumber(),
		StepID:     stepID,
		Msg:        "step cached",
		Meta:       map[string]any{"attempt": comp.AttemptID},
	})
	return res, nil
}

// maybeSnapshot applies the snapshot policy after a commit: a savepoint
// step always snapshots, checkpointing steps snapshot on the engine
// cadence, and cadence-exempt steps never trigger one.
func (c *ExecutionContext) maybeSnapshot(cfg StepConfig) error {
	if cfg.Savepoint {
		if _, err := c.CreateSavepoint(cfg.SavepointMeta); err != nil {
			return err
		}
		c.resetSnapshotCadence()
		return nil
	}
	if cfg.SkipCheckpoint || !c.dueForSnapshot() {
		return nil
	}
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	_, err := c.engine.writeSnapshot(c.ctx, st, "cadence")
	return err
}
