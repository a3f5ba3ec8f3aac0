package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bhavdeep98/contd.ai/workflow/emit"
	"github.com/bhavdeep98/contd.ai/workflow/event"
	"github.com/bhavdeep98/contd.ai/workflow/state"
	"github.com/bhavdeep98/contd.ai/workflow/store"
)

// run executes body under an exclusive lease: acquire, reconcile, restore
// or initialize, heartbeat, execute, journal the terminal outcome, and
// release. fresh is the initial state for a first run; nil means resume.
func (e *Engine) run(ctx context.Context, workflowID, orgID string, fresh *state.WorkflowState, retry RetryPolicy, body Func) (*state.WorkflowState, error) {
	takeover := e.expiredOwnerExists(ctx, workflowID)

	lease, err := e.store.Acquire(ctx, workflowID, e.executorID, orgID, e.leaseTTL)
	if err != nil {
		if errors.Is(err, store.ErrWorkflowLocked) {
			return nil, fmt.Errorf("%w: workflow %s", ErrWorkflowLocked, workflowID)
		}
		return nil, fmt.Errorf("acquire lease for %s: %w", workflowID, err)
	}
	if takeover {
		e.metrics.RecordLeaseTakeover(workflowID)
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		// Release must run even when ctx is already cancelled.
		_ = e.store.Release(context.WithoutCancel(ctx), lease)
	}
	defer release()

	if err := e.Reconcile(ctx, workflowID); err != nil {
		return nil, err
	}

	st, info, err := e.loadOrInit(ctx, workflowID, fresh)
	if err != nil {
		return nil, err
	}
	if info != nil && info.Terminal != "" {
		if info.Terminal == event.TypeWorkflowCompleted {
			return st, fmt.Errorf("%w: %s", ErrWorkflowAlreadyCompleted, workflowID)
		}
		return st, fmt.Errorf("%w: %s was cancelled", ErrWorkflowAlreadyCompleted, workflowID)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	ec := &ExecutionContext{
		engine:     e,
		ctx:        runCtx,
		cancel:     cancel,
		workflowID: workflowID,
		orgID:      orgID,
		lease:      lease,
		state:      st,
		retry:      retry,
	}

	done := make(chan struct{})
	go ec.heartbeatLoop(done)
	defer close(done)

	bodyErr := body(ec)

	ec.mu.Lock()
	final := ec.state
	lease = ec.lease
	ec.mu.Unlock()

	if bodyErr == nil {
		terminal := event.New(workflowID, orgID, event.TypeWorkflowCompleted, event.WorkflowCompleted{
			FinalStateChecksum: final.Checksum,
		})
		terminal.ProducerVersion = e.producer
		if _, err := e.store.Append(context.WithoutCancel(ctx), terminal, lease.Fence()); err != nil {
			return final, fmt.Errorf("append workflow_completed for %s: %w", workflowID, err)
		}
		e.emitter.Emit(emit.Event{WorkflowID: workflowID, Step: final.StepNumber, Msg: "workflow completed"})
		release()
		return final, nil
	}

	switch {
	case errors.Is(bodyErr, ErrStepCancelled) || errors.Is(context.Cause(runCtx), errCancelRequested):
		// The cancel command may already have journaled the terminal
		// event; a terminal-guard refusal here is expected.
		cancelled := event.New(workflowID, orgID, event.TypeWorkflowCancelled, event.WorkflowCancelled{
			Reason: bodyErr.Error(),
		})
		cancelled.ProducerVersion = e.producer
		if _, err := e.store.Append(context.WithoutCancel(ctx), cancelled, lease.Fence()); err != nil &&
			!errors.Is(err, store.ErrWorkflowTerminal) && !errors.Is(err, store.ErrFenced) {
			return final, fmt.Errorf("append workflow_cancelled for %s: %w", workflowID, err)
		}
		e.emitter.Emit(emit.Event{WorkflowID: workflowID, Step: final.StepNumber, Msg: "workflow cancelled",
			Meta: map[string]any{"error": bodyErr.Error()}})
	case errors.Is(context.Cause(runCtx), errLeaseLost):
		// Another executor fenced us out. Nothing durable to add; the
		// new owner carries on.
	default:
		// Step failures are already journaled. The workflow stays
		// suspended and resumable.
		e.emitter.Emit(emit.Event{WorkflowID: workflowID, Step: final.StepNumber, Msg: "workflow suspended",
			Meta: map[string]any{"error": bodyErr.Error()}})
	}

	release()
	return final, bodyErr
}

// loadOrInit restores the workflow when it has durable history, otherwise
// installs fresh as the initial state under a genesis snapshot. Starting
// an id that already has history falls through to a resume, which makes
// Start idempotent across crashed schedulers.
func (e *Engine) loadOrInit(ctx context.Context, workflowID string, fresh *state.WorkflowState) (*state.WorkflowState, *ReplayInfo, error) {
	st, info, err := e.restore(ctx, workflowID)
	if err == nil {
		return st, info, nil
	}
	if !errors.Is(err, ErrWorkflowNotFound) || fresh == nil {
		return nil, nil, err
	}

	// The genesis snapshot anchors every later recovery: replay is
	// deterministic only from a persisted initial state, since the
	// initial metadata carries the start timestamp.
	if _, err := e.writeSnapshot(ctx, fresh, "genesis"); err != nil {
		return nil, nil, err
	}
	e.emitter.Emit(emit.Event{WorkflowID: workflowID, Step: 0, Msg: "workflow started"})
	return fresh, nil, nil
}

// expiredOwnerExists reports whether a dead owner's expired lease is
// about to be taken over.
func (e *Engine) expiredOwnerExists(ctx context.Context, workflowID string) bool {
	lease, err := e.store.GetLease(ctx, workflowID)
	if err != nil {
		return false
	}
	return lease.OwnerID != "" && lease.OwnerID != e.executorID && !lease.Live(time.Now())
}

// Reconcile repairs the idempotency table from the journal: every
// step_completed event is authoritative, so any such event without a
// completion row gets one filled in. With atomic CommitStep backends this
// is a no-op; it exists for restores assembled from separate stores.
func (e *Engine) Reconcile(ctx context.Context, workflowID string) error {
	events, err := e.store.ReadRange(ctx, workflowID, 1, 0)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", workflowID, err)
	}
	for _, ev := range events {
		comp, ok := ev.Payload.(event.Completion)
		if !ok {
			continue
		}
		_, err := e.store.CheckCompleted(ctx, workflowID, comp.StepID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("reconcile %s: %w", workflowID, err)
		}
		row := &store.Completion{
			WorkflowID:  workflowID,
			StepID:      comp.StepID,
			AttemptID:   comp.AttemptID,
			CompletedAt: ev.Timestamp,
			OrgID:       ev.OrgID,
		}
		if err := e.store.MarkCompleted(ctx, row, store.Fence{}); err != nil &&
			!errors.Is(err, store.ErrAlreadyCompleted) {
			return fmt.Errorf("reconcile %s step %s: %w", workflowID, comp.StepID, err)
		}
	}
	return nil
}
