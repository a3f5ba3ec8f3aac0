package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/bhavdeep98/contd.ai/workflow/codec"
	"github.com/bhavdeep98/contd.ai/workflow/event"
	"github.com/bhavdeep98/contd.ai/workflow/state"
	"github.com/bhavdeep98/contd.ai/workflow/store"
)

// ReplayInfo summarizes one recovery: where it anchored, how far it
// replayed, and whether the journal ends in a terminal event.
type ReplayInfo struct {
	// BaseSeq is the last event sequence covered by the anchoring
	// snapshot. Zero means the genesis snapshot.
	BaseSeq int64

	// LastSeq is the journal tail at the time of recovery.
	LastSeq int64

	// Replayed is the number of events applied after the snapshot.
	Replayed int

	// Terminal is the terminal event type ending the journal, or empty
	// while the workflow is still live.
	Terminal event.Type

	// LastCompletion is the most recent step_completed payload seen
	// during replay, nil when none was replayed.
	LastCompletion *event.Completion
}

// restore rebuilds workflow state from the latest verified snapshot plus
// journal replay. Every integrity failure aborts with no partial state:
// an unverifiable snapshot, a sequence gap, a corrupt event, or a state
// checksum that diverges from the journal all fail the restore.
func (e *Engine) restore(ctx context.Context, workflowID string) (*state.WorkflowState, *ReplayInfo, error) {
	lastSeq, _, err := e.store.Tail(ctx, workflowID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read journal tail: %v", ErrRecoveryFailed, err)
	}

	snap, err := e.store.LatestSnapshot(ctx, workflowID, 0)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Every workflow writes a genesis snapshot before its first
			// step, so a missing snapshot means the workflow was never
			// started here.
			return nil, nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}
		return nil, nil, fmt.Errorf("%w: load snapshot: %v", ErrRecoveryFailed, err)
	}

	st, err := e.loadSnapshotState(ctx, snap)
	if err != nil {
		return nil, nil, err
	}

	info := &ReplayInfo{BaseSeq: snap.LastEventSeq, LastSeq: lastSeq}

	events, err := e.store.ReadRange(ctx, workflowID, snap.LastEventSeq+1, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read events after seq %d: %v", ErrRecoveryFailed, snap.LastEventSeq, err)
	}

	expect := snap.LastEventSeq + 1
	for _, ev := range events {
		if ev.Seq != expect {
			return nil, nil, fmt.Errorf("%w: workflow %s expected seq %d, found %d",
				ErrSequenceGap, workflowID, expect, ev.Seq)
		}
		expect++

		if !ev.Verify() {
			return nil, nil, fmt.Errorf("%w: event %s (seq %d) failed verification",
				ErrChecksumMismatch, ev.EventID, ev.Seq)
		}

		if ev.Type.Terminal() {
			info.Terminal = ev.Type
		}

		comp, ok := ev.Payload.(event.Completion)
		if !ok {
			continue
		}

		next, err := replayCompletion(st, &comp)
		if err != nil {
			return nil, nil, err
		}
		st = next
		info.LastCompletion = &comp
		info.Replayed++
	}
	if lastSeq > 0 && expect != lastSeq+1 {
		return nil, nil, fmt.Errorf("%w: workflow %s journal tail %d, replay reached %d",
			ErrSequenceGap, workflowID, lastSeq, expect-1)
	}

	e.metrics.RecordReplay(workflowID, len(events))
	return st, info, nil
}

// loadSnapshotState materializes and verifies a snapshot's state, pulling
// external encodings from the blob store.
func (e *Engine) loadSnapshotState(ctx context.Context, snap *store.Snapshot) (*state.WorkflowState, error) {
	raw := snap.StateInline
	if len(raw) == 0 {
		if snap.StateRef == "" {
			return nil, fmt.Errorf("%w: snapshot %s has neither inline state nor a reference",
				ErrSnapshotCorrupted, snap.SnapshotID)
		}
		var err error
		raw, err = e.blobs.GetBlob(ctx, snap.StateRef)
		if err != nil {
			return nil, fmt.Errorf("%w: snapshot %s blob %s: %v",
				ErrSnapshotCorrupted, snap.SnapshotID, snap.StateRef, err)
		}
	}

	if sum := codec.ChecksumBytes(raw); sum != snap.StateChecksum {
		return nil, fmt.Errorf("%w: snapshot %s state bytes hash %s, recorded %s",
			ErrSnapshotCorrupted, snap.SnapshotID, sum, snap.StateChecksum)
	}

	st, err := state.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot %s: %v", ErrSnapshotCorrupted, snap.SnapshotID, err)
	}
	if !st.VerifyChecksum() {
		return nil, fmt.Errorf("%w: snapshot %s state checksum does not verify",
			ErrSnapshotCorrupted, snap.SnapshotID)
	}
	return st, nil
}

// replayCompletion applies one step_completed payload: delta onto the
// variables, step counter advanced, checksum recomputed and compared to
// the checksum the original execution journaled.
func replayCompletion(st *state.WorkflowState, comp *event.Completion) (*state.WorkflowState, error) {
	next, err := st.Clone()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
	}
	if err := comp.StateDelta.Apply(next.Variables); err != nil {
		return nil, fmt.Errorf("%w: apply delta for step %s: %v", ErrRecoveryFailed, comp.StepID, err)
	}
	next.StepNumber++
	if err := next.Reseal(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
	}
	if next.Checksum != comp.NewStateChecksum {
		return nil, fmt.Errorf("%w: step %s replayed to %s, journal recorded %s",
			ErrChecksumMismatch, comp.StepID, next.Checksum, comp.NewStateChecksum)
	}
	return next, nil
}
