package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bhavdeep98/contd.ai/workflow/codec"
	"github.com/bhavdeep98/contd.ai/workflow/emit"
	"github.com/bhavdeep98/contd.ai/workflow/event"
	"github.com/bhavdeep98/contd.ai/workflow/state"
	"github.com/bhavdeep98/contd.ai/workflow/store"
)

// savepointMetadataVar is the state variable savepoint metadata is pulled
// from when a savepoint step does not pass metadata explicitly. Workflow
// bodies keep it updated through ordinary step results.
const savepointMetadataVar = "_savepoint_metadata"

// ExecutionContext is the handle a workflow body uses to run steps. It
// carries the authoritative in-memory state, the lease fence for every
// durable write, and the context cancelled when the lease is lost or the
// workflow is cancelled externally.
//
// An ExecutionContext is only valid inside the body invocation it was
// passed to. It is safe for concurrent reads; Step invocations are
// serialized internally.
type ExecutionContext struct {
	engine *Engine
	ctx    context.Context
	cancel context.CancelCauseFunc

	workflowID string
	orgID      string

	mu            sync.Mutex
	lease         *store.Lease
	state         *state.WorkflowState
	stepCounter   int
	sinceSnapshot int
	retry         RetryPolicy
}

// errLeaseLost is the cancellation cause when a heartbeat is fenced.
var errLeaseLost = errors.New("lease lost")

// errCancelRequested is the cancellation cause when a workflow_cancelled
// event is observed in the journal.
var errCancelRequested = errors.New("cancellation requested")

// Context returns the execution-scoped context. It is cancelled when the
// lease is lost, when the workflow is cancelled, or when the caller's
// outer context ends.
func (c *ExecutionContext) Context() context.Context {
	return c.ctx
}

// WorkflowID returns the workflow identity.
func (c *ExecutionContext) WorkflowID() string {
	return c.workflowID
}

// StepNumber returns the number of committed steps so far.
func (c *ExecutionContext) StepNumber() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.StepNumber
}

// State returns a deep copy of the current workflow state.
func (c *ExecutionContext) State() (*state.WorkflowState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Var returns a state variable and whether it is set. Numbers decode as
// json.Number, the canonical in-memory form.
func (c *ExecutionContext) Var(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.state.Variables[key]
	return v, ok
}

// fence returns the current write-admission fence.
func (c *ExecutionContext) fence() store.Fence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lease.Fence()
}

func (c *ExecutionContext) setLease(l *store.Lease) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lease = l
}

// heartbeatLoop extends the lease at a third of its TTL until done closes
// or the execution context ends. A refused heartbeat means another
// executor owns the workflow now, so the only correct move is to cancel
// everything in flight. The loop also watches the journal tail for an
// externally appended workflow_cancelled event.
func (c *ExecutionContext) heartbeatLoop(done <-chan struct{}) {
	interval := c.engine.leaseTTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		lease := c.lease
		c.mu.Unlock()

		renewed, err := c.engine.store.Heartbeat(c.ctx, lease, c.engine.leaseTTL)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.engine.metrics.RecordHeartbeatFailure(c.workflowID)
			c.engine.emitter.Emit(emit.Event{
				WorkflowID: c.workflowID,
				Step:       c.StepNumber(),
				Msg:        "heartbeat failed",
				Meta:       map[string]any{"error": err.Error()},
			})
			c.cancel(fmt.Errorf("%w: %v", errLeaseLost, err))
			return
		}
		c.setLease(renewed)

		if c.cancelRequested() {
			c.cancel(errCancelRequested)
			return
		}
	}
}

// cancelRequested reports whether the journal tail is a workflow_cancelled
// event appended by another process. Read errors are treated as "no", the
// next tick retries.
func (c *ExecutionContext) cancelRequested() bool {
	seq, _, err := c.engine.store.Tail(c.ctx, c.workflowID)
	if err != nil || seq == 0 {
		return false
	}
	events, err := c.engine.store.ReadRange(c.ctx, c.workflowID, seq, seq)
	if err != nil || len(events) == 0 {
		return false
	}
	return events[0].Type == event.TypeWorkflowCancelled
}

// CreateSavepoint writes a snapshot of the current state and journals a
// savepoint_created event referencing it. When meta is nil the metadata
// is pulled from the "_savepoint_metadata" state variable if present.
// Returns the savepoint id.
func (c *ExecutionContext) CreateSavepoint(meta *SavepointMetadata) (string, error) {
	if err := c.ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStepCancelled, context.Cause(c.ctx))
	}

	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	if meta == nil {
		meta = c.metadataFromState(st)
	}

	snap, err := c.engine.writeSnapshot(c.ctx, st, "savepoint")
	if err != nil {
		return "", err
	}

	spID := "sp-" + uuid.NewString()[:8]
	payload := event.Savepoint{
		SavepointID: spID,
		StepNumber:  st.StepNumber,
		SnapshotRef: snap.SnapshotID,
	}
	if meta != nil {
		payload.GoalSummary = meta.GoalSummary
		payload.Hypotheses = meta.Hypotheses
		payload.Questions = meta.Questions
		payload.Decisions = meta.Decisions
		payload.NextStep = meta.NextStep
	}

	ev := event.New(c.workflowID, c.orgID, event.TypeSavepointCreated, payload)
	ev.ProducerVersion = c.engine.producer
	seq, err := c.engine.store.Append(c.ctx, ev, c.fence())
	if err != nil {
		return "", fmt.Errorf("append savepoint event: %w", err)
	}

	c.engine.emitter.Emit(emit.Event{
		WorkflowID: c.workflowID,
		Step:       st.StepNumber,
		Msg:        "savepoint created",
		Meta:       map[string]any{"seq": seq, "snapshot_id": snap.SnapshotID, "savepoint_id": spID},
	})
	return spID, nil
}

// metadataFromState decodes the savepoint metadata variable, returning
// nil when it is absent or malformed.
func (c *ExecutionContext) metadataFromState(st *state.WorkflowState) *SavepointMetadata {
	raw, ok := st.Variables[savepointMetadataVar]
	if !ok {
		return nil
	}
	data, err := codec.Canonical(raw)
	if err != nil {
		return nil
	}
	var meta SavepointMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil
	}
	return &meta
}

// swapState installs the post-commit state and bumps the snapshot cadence
// counter. Called with the result of a committed step.
func (c *ExecutionContext) swapState(next *state.WorkflowState, countsTowardSnapshot bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = next
	if countsTowardSnapshot {
		c.sinceSnapshot++
	}
}

// dueForSnapshot reports and resets cadence eligibility.
func (c *ExecutionContext) dueForSnapshot() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sinceSnapshot >= c.engine.snapshotEvery {
		c.sinceSnapshot = 0
		return true
	}
	return false
}

// resetSnapshotCadence clears the cadence counter after a forced snapshot.
func (c *ExecutionContext) resetSnapshotCadence() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinceSnapshot = 0
}

// writeSnapshot persists a snapshot of st. Encodings at or under the
// inline threshold live in the snapshot row; larger ones go to the blob
// store and are read back and re-hashed before the row is written, so a
// snapshot row never references bytes that do not verify.
func (e *Engine) writeSnapshot(ctx context.Context, st *state.WorkflowState, trigger string) (*store.Snapshot, error) {
	raw, err := st.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode snapshot state: %w", err)
	}

	lastSeq, _, err := e.store.Tail(ctx, st.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("snapshot tail: %w", err)
	}

	snap := &store.Snapshot{
		SnapshotID:    "snap-" + uuid.NewString(),
		WorkflowID:    st.WorkflowID,
		OrgID:         st.OrgID,
		StepNumber:    st.StepNumber,
		LastEventSeq:  lastSeq,
		StateChecksum: codec.ChecksumBytes(raw),
		CreatedAt:     time.Now().UTC(),
	}

	if len(raw) <= e.inlineThreshold {
		snap.StateInline = raw
	} else {
		ref := "state-" + st.WorkflowID + "-" + snap.SnapshotID
		if err := e.blobs.PutBlob(ctx, ref, raw); err != nil {
			return nil, fmt.Errorf("write snapshot blob: %w", err)
		}
		stored, err := e.blobs.GetBlob(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("read back snapshot blob: %w", err)
		}
		if codec.ChecksumBytes(stored) != snap.StateChecksum {
			return nil, fmt.Errorf("%w: snapshot blob %s did not round-trip", ErrSnapshotCorrupted, ref)
		}
		snap.StateRef = ref
	}

	if err := e.store.PutSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("write snapshot row: %w", err)
	}
	e.metrics.RecordSnapshot(st.WorkflowID, trigger)
	return snap, nil
}
