package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bhavdeep98/contd.ai/workflow/event"
	"github.com/bhavdeep98/contd.ai/workflow/state"
	"github.com/bhavdeep98/contd.ai/workflow/store"
)

// RunResult is the outcome of a Start or Resume call.
type RunResult struct {
	WorkflowID string

	// FinalState is the state when the run ended, whether it completed,
	// suspended, or was cancelled. Nil when execution never began.
	FinalState *state.WorkflowState
}

// Start runs a new workflow to completion, suspension, or cancellation.
// The body executes under an exclusive lease with every step journaled.
// Starting an id that already has history resumes it instead, so Start
// is safe to repeat after a crash.
func (e *Engine) Start(ctx context.Context, cfg WorkflowConfig, body Func) (*RunResult, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, fmt.Errorf("workflow body is required")
	}

	workflowID := cfg.WorkflowID
	if workflowID == "" {
		workflowID = "wf-" + uuid.NewString()
	}

	initial, err := state.NewInitial(workflowID, cfg.OrgID, cfg.WorkflowName, cfg.Tags)
	if err != nil {
		return nil, err
	}
	if len(cfg.Input) > 0 {
		for k, v := range cfg.Input {
			initial.Variables[k] = v
		}
		if err := initial.Reseal(); err != nil {
			return nil, err
		}
	}

	retry := e.defaultRetry
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}

	final, err := e.run(ctx, workflowID, cfg.OrgID, initial, retry, body)
	return &RunResult{WorkflowID: workflowID, FinalState: final}, err
}

// Resume re-enters a workflow: state is rebuilt from the latest snapshot
// plus replay, then body re-executes from the top with committed steps
// served from the completion cache.
func (e *Engine) Resume(ctx context.Context, workflowID string, body Func) (*RunResult, error) {
	if body == nil {
		return nil, fmt.Errorf("workflow body is required")
	}

	snap, err := e.store.LatestSnapshot(ctx, workflowID, 0)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}
		return nil, fmt.Errorf("resume %s: %w", workflowID, err)
	}

	final, err := e.run(ctx, workflowID, snap.OrgID, nil, e.defaultRetry, body)
	return &RunResult{WorkflowID: workflowID, FinalState: final}, err
}

// Status is the derived condition of a workflow.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// LeaseInfo describes the current lease holder.
type LeaseInfo struct {
	OwnerID      string    `json:"owner_id"`
	ExpiresAt    time.Time `json:"lease_expires_at"`
	FencingToken int64     `json:"fencing_token"`
	Live         bool      `json:"live"`
}

// StatusResponse is the public view of a workflow's condition.
type StatusResponse struct {
	WorkflowID    string            `json:"workflow_id"`
	Status        Status            `json:"status"`
	StepNumber    int               `json:"step_number"`
	EventCount    int64             `json:"event_count"`
	SnapshotCount int               `json:"snapshot_count"`
	Lease         *LeaseInfo        `json:"lease,omitempty"`
	Savepoints    []event.Savepoint `json:"savepoints,omitempty"`
}

// GetStatus derives the workflow's condition from its durable records.
// Terminal events win; a live lease means running; a trailing step_failed
// means the retry budget was exhausted; any other non-empty journal is
// suspended and resumable; a genesis snapshot with no events is pending.
func (e *Engine) GetStatus(ctx context.Context, workflowID string) (*StatusResponse, error) {
	events, err := e.store.ReadRange(ctx, workflowID, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("status %s: %w", workflowID, err)
	}
	snaps, err := e.store.ListSnapshots(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("status %s: %w", workflowID, err)
	}
	if len(events) == 0 && len(snaps) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	resp := &StatusResponse{
		WorkflowID:    workflowID,
		Status:        StatusPending,
		EventCount:    int64(len(events)),
		SnapshotCount: len(snaps),
	}

	// The step counter anchors on the earliest snapshot, the same anchor
	// restore replays from. A fresh workflow's genesis sits at step 0; a
	// branch created by TimeTravel inherits the savepoint's step number,
	// which no event in the branch journal accounts for.
	var base *store.Snapshot
	for _, snap := range snaps {
		if base == nil || snap.LastEventSeq < base.LastEventSeq {
			base = snap
		}
	}
	if base != nil {
		resp.StepNumber = base.StepNumber
	}

	var lastType event.Type
	for _, ev := range events {
		lastType = ev.Type
		switch p := ev.Payload.(type) {
		case event.Completion:
			if base == nil || ev.Seq > base.LastEventSeq {
				resp.StepNumber++
			}
		case event.Savepoint:
			resp.Savepoints = append(resp.Savepoints, p)
		}
	}

	lease, err := e.store.GetLease(ctx, workflowID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("status %s: %w", workflowID, err)
	}
	if lease != nil {
		resp.Lease = &LeaseInfo{
			OwnerID:      lease.OwnerID,
			ExpiresAt:    lease.ExpiresAt,
			FencingToken: lease.FencingToken,
			Live:         lease.Live(time.Now()),
		}
	}

	switch {
	case lastType == event.TypeWorkflowCompleted:
		resp.Status = StatusCompleted
	case lastType == event.TypeWorkflowCancelled:
		resp.Status = StatusCancelled
	case resp.Lease != nil && resp.Lease.Live:
		resp.Status = StatusRunning
	case lastType == event.TypeStepFailed:
		resp.Status = StatusFailed
	case len(events) > 0:
		resp.Status = StatusSuspended
	}
	return resp, nil
}

// ListSavepoints returns every savepoint recorded for the workflow in
// journal order.
func (e *Engine) ListSavepoints(ctx context.Context, workflowID string) ([]event.Savepoint, error) {
	events, err := e.store.ReadRange(ctx, workflowID, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("list savepoints for %s: %w", workflowID, err)
	}
	var out []event.Savepoint
	for _, ev := range events {
		if sp, ok := ev.Payload.(event.Savepoint); ok {
			out = append(out, sp)
		}
	}
	return out, nil
}

// TimeTravel branches a new workflow from a savepoint: the new workflow's
// initial state is the state captured by the savepoint's snapshot, its
// journal and idempotency table start empty, and the original workflow is
// untouched. Returns the new workflow id.
func (e *Engine) TimeTravel(ctx context.Context, workflowID, savepointID string) (string, error) {
	sps, err := e.ListSavepoints(ctx, workflowID)
	if err != nil {
		return "", err
	}
	var sp *event.Savepoint
	for i := range sps {
		if sps[i].SavepointID == savepointID {
			sp = &sps[i]
			break
		}
	}
	if sp == nil {
		return "", fmt.Errorf("%w: %s has no savepoint %s", ErrInvalidSavepoint, workflowID, savepointID)
	}

	snap, err := e.store.GetSnapshot(ctx, sp.SnapshotRef)
	if err != nil {
		return "", fmt.Errorf("%w: savepoint %s snapshot %s: %v", ErrInvalidSavepoint, savepointID, sp.SnapshotRef, err)
	}

	st, err := e.loadSnapshotState(ctx, snap)
	if err != nil {
		return "", err
	}

	newID := workflowID + "-tt-" + uuid.NewString()[:8]
	st.WorkflowID = newID
	st.Metadata["branched_from"] = map[string]any{
		"workflow_id":  workflowID,
		"savepoint_id": savepointID,
	}
	if err := st.Reseal(); err != nil {
		return "", err
	}

	if _, err := e.writeSnapshot(ctx, st, "time_travel"); err != nil {
		return "", err
	}
	return newID, nil
}

// Cancel requests cooperative cancellation by appending a
// workflow_cancelled event without a fence. A live executor observes it
// on its next heartbeat cycle and unwinds.
func (e *Engine) Cancel(ctx context.Context, workflowID, reason string) error {
	if _, err := e.store.LatestSnapshot(ctx, workflowID, 0); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}
		return fmt.Errorf("cancel %s: %w", workflowID, err)
	}

	if reason == "" {
		reason = "cancelled by operator"
	}
	ev := event.New(workflowID, "", event.TypeWorkflowCancelled, event.WorkflowCancelled{Reason: reason})
	ev.ProducerVersion = e.producer
	if _, err := e.store.Append(ctx, ev, store.Fence{}); err != nil {
		if errors.Is(err, store.ErrWorkflowTerminal) {
			return fmt.Errorf("%w: %s", ErrWorkflowAlreadyCompleted, workflowID)
		}
		return fmt.Errorf("cancel %s: %w", workflowID, err)
	}
	return nil
}
