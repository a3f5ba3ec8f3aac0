package workflow_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bhavdeep98/contd.ai/workflow"
	"github.com/bhavdeep98/contd.ai/workflow/event"
	"github.com/bhavdeep98/contd.ai/workflow/state"
	"github.com/bhavdeep98/contd.ai/workflow/store"
)

func newTestEngine(t *testing.T, opts ...workflow.Option) (*workflow.Engine, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	eng, err := workflow.NewEngine(st, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng, st
}

// fastRetry retries everything quickly so tests do not sleep for real.
func fastRetry(maxAttempts int, kinds ...string) workflow.RetryPolicy {
	return workflow.RetryPolicy{
		MaxAttempts:    maxAttempts,
		BackoffBase:    0.001,
		BackoffMax:     0.01,
		RetryableKinds: kinds,
	}
}

func eventTypes(t *testing.T, st store.Store, workflowID string) []event.Type {
	t.Helper()
	events, err := st.ReadRange(context.Background(), workflowID, 1, 0)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	types := make([]event.Type, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestWorkflowCompletesThreeSteps(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	body := func(wf *workflow.ExecutionContext) error {
		for _, name := range []string{"fetch", "process", "publish"} {
			name := name
			_, err := wf.Step(name, func(ctx context.Context, vars map[string]any) (map[string]any, error) {
				return map[string]any{name + "_done": true}, nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	}

	res, err := eng.Start(ctx, workflow.WorkflowConfig{WorkflowID: "wf-three", WorkflowName: "three-steps"}, body)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.FinalState.StepNumber != 3 {
		t.Errorf("expected step number 3, got %d", res.FinalState.StepNumber)
	}
	for _, key := range []string{"fetch_done", "process_done", "publish_done"} {
		if _, ok := res.FinalState.Variables[key]; !ok {
			t.Errorf("expected final state to contain %q", key)
		}
	}

	want := []event.Type{
		event.TypeStepIntention, event.TypeStepCompleted,
		event.TypeStepIntention, event.TypeStepCompleted,
		event.TypeStepIntention, event.TypeStepCompleted,
		event.TypeWorkflowCompleted,
	}
	got := eventTypes(t, st, "wf-three")
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i+1, want[i], got[i])
		}
	}

	// The recorded final checksum must match the state Start returned.
	events, _ := st.ReadRange(ctx, "wf-three", int64(len(want)), int64(len(want)))
	final := events[0].Payload.(event.WorkflowCompleted)
	if final.FinalStateChecksum != res.FinalState.Checksum {
		t.Errorf("final checksum %s does not match state %s", final.FinalStateChecksum, res.FinalState.Checksum)
	}

	status, err := eng.GetStatus(ctx, "wf-three")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Status != workflow.StatusCompleted {
		t.Errorf("expected status completed, got %s", status.Status)
	}
	if status.StepNumber != 3 {
		t.Errorf("expected status step number 3, got %d", status.StepNumber)
	}
}

func TestResumeSkipsCommittedSteps(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	var execFirst, execSecond, execThird atomic.Int32
	var failThird atomic.Bool
	failThird.Store(true)

	body := func(wf *workflow.ExecutionContext) error {
		if _, err := wf.Step("first", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			execFirst.Add(1)
			return map[string]any{"first": 1}, nil
		}); err != nil {
			return err
		}
		if _, err := wf.Step("second", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			execSecond.Add(1)
			return map[string]any{"second": 2}, nil
		}); err != nil {
			return err
		}
		_, err := wf.Step("third", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			execThird.Add(1)
			if failThird.Load() {
				return nil, fmt.Errorf("downstream unavailable")
			}
			return map[string]any{"third": 3}, nil
		})
		return err
	}

	cfg := workflow.WorkflowConfig{WorkflowID: "wf-resume", WorkflowName: "resume"}
	if _, err := eng.Start(ctx, cfg, body); err == nil {
		t.Fatal("expected first run to fail at step three")
	}

	status, err := eng.GetStatus(ctx, "wf-resume")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Status != workflow.StatusFailed {
		t.Errorf("expected status failed after exhausted step, got %s", status.Status)
	}

	failThird.Store(false)
	res, err := eng.Resume(ctx, "wf-resume", body)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if got := execFirst.Load(); got != 1 {
		t.Errorf("first step executed %d times, expected exactly once", got)
	}
	if got := execSecond.Load(); got != 1 {
		t.Errorf("second step executed %d times, expected exactly once", got)
	}
	if got := execThird.Load(); got != 2 {
		t.Errorf("third step executed %d times, expected twice", got)
	}
	if res.FinalState.StepNumber != 3 {
		t.Errorf("expected step number 3 after resume, got %d", res.FinalState.StepNumber)
	}
}

func TestRetryJournalShape(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	var attempts atomic.Int32
	body := func(wf *workflow.ExecutionContext) error {
		policy := fastRetry(3, workflow.KindConnectionError)
		_, err := wf.StepWithConfig("flaky", workflow.StepConfig{Retry: &policy},
			func(ctx context.Context, vars map[string]any) (map[string]any, error) {
				if attempts.Add(1) < 3 {
					return nil, workflow.Kinded(workflow.KindConnectionError, fmt.Errorf("connection reset"))
				}
				return map[string]any{"ok": true}, nil
			})
		return err
	}

	if _, err := eng.Start(ctx, workflow.WorkflowConfig{WorkflowID: "wf-retry", WorkflowName: "retry"}, body); err != nil {
		t.Fatalf("Start: %v", err)
	}

	want := []event.Type{
		event.TypeStepIntention, event.TypeStepFailed,
		event.TypeStepIntention, event.TypeStepFailed,
		event.TypeStepIntention, event.TypeStepCompleted,
		event.TypeWorkflowCompleted,
	}
	got := eventTypes(t, st, "wf-retry")
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i+1, want[i], got[i])
		}
	}

	// Failure payloads must carry the attempt and kind.
	events, _ := st.ReadRange(ctx, "wf-retry", 2, 2)
	failure := events[0].Payload.(event.Failure)
	if failure.AttemptID != 1 || failure.ErrorKind != workflow.KindConnectionError {
		t.Errorf("unexpected failure payload: %+v", failure)
	}
}

func TestRetryBudgetSurvivesResume(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	var execs atomic.Int32
	policy := fastRetry(2, workflow.KindConnectionError)
	body := func(wf *workflow.ExecutionContext) error {
		_, err := wf.StepWithConfig("doomed", workflow.StepConfig{Retry: &policy},
			func(ctx context.Context, vars map[string]any) (map[string]any, error) {
				execs.Add(1)
				return nil, workflow.Kinded(workflow.KindConnectionError, fmt.Errorf("connection reset"))
			})
		return err
	}

	cfg := workflow.WorkflowConfig{WorkflowID: "wf-budget", WorkflowName: "budget"}
	_, err := eng.Start(ctx, cfg, body)
	if !errors.Is(err, workflow.ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts, got %v", err)
	}
	if got := execs.Load(); got != 2 {
		t.Fatalf("expected 2 executions, got %d", got)
	}

	// The attempt counter is durable: a resume may not restart the budget.
	_, err = eng.Resume(ctx, "wf-budget", body)
	if !errors.Is(err, workflow.ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts on resume, got %v", err)
	}
	if got := execs.Load(); got != 2 {
		t.Errorf("resume executed the exhausted step again: %d executions", got)
	}
}

func TestLeaseBlocksSecondExecutor(t *testing.T) {
	st := store.NewMemStore()
	first, err := workflow.NewEngine(st, workflow.WithExecutorID("exec-one"))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	second, err := workflow.NewEngine(st, workflow.WithExecutorID("exec-two"))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx := context.Background()

	entered := make(chan struct{})
	proceed := make(chan struct{})
	body := func(wf *workflow.ExecutionContext) error {
		_, err := wf.Step("hold", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			close(entered)
			<-proceed
			return map[string]any{"held": true}, nil
		})
		return err
	}

	cfg := workflow.WorkflowConfig{WorkflowID: "wf-lease", WorkflowName: "lease"}
	done := make(chan error, 1)
	go func() {
		_, err := first.Start(ctx, cfg, body)
		done <- err
	}()

	<-entered
	if _, err := second.Start(ctx, cfg, body); !errors.Is(err, workflow.ErrWorkflowLocked) {
		t.Errorf("expected ErrWorkflowLocked for second executor, got %v", err)
	}

	close(proceed)
	if err := <-done; err != nil {
		t.Fatalf("first executor failed: %v", err)
	}
}

func TestCancelPropagatesToRunningWorkflow(t *testing.T) {
	eng, _ := newTestEngine(t, workflow.WithLeaseTTL(60*time.Millisecond))
	ctx := context.Background()

	started := make(chan struct{})
	body := func(wf *workflow.ExecutionContext) error {
		if _, err := wf.Step("first", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			return map[string]any{"first": true}, nil
		}); err != nil {
			return err
		}
		close(started)
		<-wf.Context().Done()
		return wf.Context().Err()
	}

	cfg := workflow.WorkflowConfig{WorkflowID: "wf-cancel", WorkflowName: "cancel"}
	done := make(chan error, 1)
	go func() {
		_, err := eng.Start(ctx, cfg, body)
		done <- err
	}()

	<-started
	if err := eng.Cancel(ctx, "wf-cancel", "operator requested"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected the cancelled run to surface an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled workflow did not unwind")
	}

	status, err := eng.GetStatus(ctx, "wf-cancel")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Status != workflow.StatusCancelled {
		t.Errorf("expected status cancelled, got %s", status.Status)
	}
}

// tamperStore corrupts one journal payload on read to prove recovery
// fails closed rather than resuming from altered history.
type tamperStore struct {
	store.Store
	seq int64
}

func (s *tamperStore) ReadRange(ctx context.Context, workflowID string, fromSeq, toSeq int64) ([]*event.Event, error) {
	events, err := s.Store.ReadRange(ctx, workflowID, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if ev.Seq != s.seq {
			continue
		}
		if comp, ok := ev.Payload.(event.Completion); ok {
			comp.NewStateChecksum = "0000000000000000000000000000000000000000000000000000000000000000"
			ev.Payload = comp
		}
	}
	return events, nil
}

func TestRecoveryFailsClosedOnCorruptEvent(t *testing.T) {
	st := store.NewMemStore()
	eng, err := workflow.NewEngine(st)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx := context.Background()

	body := func(wf *workflow.ExecutionContext) error {
		_, err := wf.Step("only", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			return map[string]any{"x": 1}, nil
		})
		return err
	}
	if _, err := eng.Start(ctx, workflow.WorkflowConfig{WorkflowID: "wf-corrupt", WorkflowName: "corrupt"}, body); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Seq 2 is the step_completed event.
	tampered, err := workflow.NewEngine(&tamperStore{Store: st, seq: 2})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	_, err = tampered.Resume(ctx, "wf-corrupt", body)
	if !errors.Is(err, workflow.ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestSnapshotCadence(t *testing.T) {
	eng, st := newTestEngine(t, workflow.WithSnapshotEvery(3))
	ctx := context.Background()

	body := func(wf *workflow.ExecutionContext) error {
		for i := 1; i <= 7; i++ {
			name := fmt.Sprintf("step%d", i)
			if _, err := wf.Step(name, func(ctx context.Context, vars map[string]any) (map[string]any, error) {
				return map[string]any{name: i}, nil
			}); err != nil {
				return err
			}
		}
		return nil
	}

	if _, err := eng.Start(ctx, workflow.WorkflowConfig{WorkflowID: "wf-cadence", WorkflowName: "cadence"}, body); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snaps, err := st.ListSnapshots(ctx, "wf-cadence")
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	// Genesis plus snapshots after steps 3 and 6.
	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snaps))
	}

	tail, _, err := st.Tail(ctx, "wf-cadence")
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	for _, snap := range snaps {
		if snap.LastEventSeq > tail {
			t.Errorf("snapshot %s references seq %d beyond tail %d", snap.SnapshotID, snap.LastEventSeq, tail)
		}
	}
	if snaps[0].StepNumber != 6 {
		t.Errorf("expected latest snapshot at step 6, got %d", snaps[0].StepNumber)
	}
}

func TestSavepointMetadataFromState(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	body := func(wf *workflow.ExecutionContext) error {
		_, err := wf.StepWithConfig("analyze", workflow.StepConfig{Savepoint: true},
			func(ctx context.Context, vars map[string]any) (map[string]any, error) {
				return map[string]any{
					"findings": []any{"a", "b"},
					"_savepoint_metadata": map[string]any{
						"goal_summary": "classify the corpus",
						"hypotheses":   []any{"labels are noisy"},
						"next_step":    "validate sample",
					},
				}, nil
			})
		return err
	}

	if _, err := eng.Start(ctx, workflow.WorkflowConfig{WorkflowID: "wf-sp", WorkflowName: "savepoint"}, body); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sps, err := eng.ListSavepoints(ctx, "wf-sp")
	if err != nil {
		t.Fatalf("ListSavepoints: %v", err)
	}
	if len(sps) != 1 {
		t.Fatalf("expected 1 savepoint, got %d", len(sps))
	}
	sp := sps[0]
	if sp.GoalSummary != "classify the corpus" {
		t.Errorf("expected goal summary from state variable, got %q", sp.GoalSummary)
	}
	if sp.NextStep != "validate sample" {
		t.Errorf("expected next step from state variable, got %q", sp.NextStep)
	}
	if sp.StepNumber != 1 {
		t.Errorf("expected savepoint at step 1, got %d", sp.StepNumber)
	}
	if sp.SnapshotRef == "" {
		t.Error("expected savepoint to reference a snapshot")
	}
}

func TestTimeTravelIsolation(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	step := func(name string, value int) func(ctx context.Context, vars map[string]any) (map[string]any, error) {
		return func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			return map[string]any{name: value}, nil
		}
	}

	body := func(wf *workflow.ExecutionContext) error {
		if _, err := wf.Step("one", step("one", 1)); err != nil {
			return err
		}
		if _, err := wf.StepWithConfig("two", workflow.StepConfig{Savepoint: true}, step("two", 2)); err != nil {
			return err
		}
		if _, err := wf.Step("three", step("three", 3)); err != nil {
			return err
		}
		_, err := wf.Step("four", step("four", 4))
		return err
	}

	res, err := eng.Start(ctx, workflow.WorkflowConfig{WorkflowID: "wf-tt", WorkflowName: "time-travel"}, body)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	sps, err := eng.ListSavepoints(ctx, "wf-tt")
	if err != nil || len(sps) != 1 {
		t.Fatalf("expected 1 savepoint, got %d (err %v)", len(sps), err)
	}

	origTail, _, _ := st.Tail(ctx, "wf-tt")

	branchID, err := eng.TimeTravel(ctx, "wf-tt", sps[0].SavepointID)
	if err != nil {
		t.Fatalf("TimeTravel: %v", err)
	}
	if branchID == "wf-tt" {
		t.Fatal("expected a new workflow id")
	}

	branchBody := func(wf *workflow.ExecutionContext) error {
		if _, err := wf.Step("alt-three", step("alt_three", 30)); err != nil {
			return err
		}
		_, err := wf.Step("alt-four", step("alt_four", 40))
		return err
	}
	branchRes, err := eng.Resume(ctx, branchID, branchBody)
	if err != nil {
		t.Fatalf("Resume branch: %v", err)
	}

	// The branch starts from the savepoint state: steps one and two
	// present, three and four absent.
	for _, key := range []string{"one", "two", "alt_three", "alt_four"} {
		if _, ok := branchRes.FinalState.Variables[key]; !ok {
			t.Errorf("branch final state missing %q", key)
		}
	}
	for _, key := range []string{"three", "four"} {
		if _, ok := branchRes.FinalState.Variables[key]; ok {
			t.Errorf("branch final state leaked %q from the original", key)
		}
	}

	// The original workflow is untouched.
	tail, _, _ := st.Tail(ctx, "wf-tt")
	if tail != origTail {
		t.Errorf("time travel modified the original journal: tail %d -> %d", origTail, tail)
	}
	status, err := eng.GetStatus(ctx, "wf-tt")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Status != workflow.StatusCompleted || status.StepNumber != 4 {
		t.Errorf("original workflow changed: %+v", status)
	}
	_ = res
}

func TestResumeCompletedWorkflow(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	body := func(wf *workflow.ExecutionContext) error {
		_, err := wf.Step("only", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			return map[string]any{"done": true}, nil
		})
		return err
	}

	if _, err := eng.Start(ctx, workflow.WorkflowConfig{WorkflowID: "wf-done", WorkflowName: "done"}, body); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := eng.Resume(ctx, "wf-done", body); !errors.Is(err, workflow.ErrWorkflowAlreadyCompleted) {
		t.Fatalf("expected ErrWorkflowAlreadyCompleted, got %v", err)
	}
}

func TestStepTimeout(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	policy := fastRetry(1)
	body := func(wf *workflow.ExecutionContext) error {
		_, err := wf.StepWithConfig("slow", workflow.StepConfig{Timeout: 20 * time.Millisecond, Retry: &policy},
			func(ctx context.Context, vars map[string]any) (map[string]any, error) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(5 * time.Second):
					return map[string]any{"slow": true}, nil
				}
			})
		return err
	}

	_, err := eng.Start(ctx, workflow.WorkflowConfig{WorkflowID: "wf-timeout", WorkflowName: "timeout"}, body)
	if !errors.Is(err, workflow.ErrStepTimeout) {
		t.Fatalf("expected ErrStepTimeout, got %v", err)
	}

	events, readErr := st.ReadRange(ctx, "wf-timeout", 2, 2)
	if readErr != nil || len(events) != 1 {
		t.Fatalf("expected a step_failed event at seq 2")
	}
	failure, ok := events[0].Payload.(event.Failure)
	if !ok || failure.ErrorKind != workflow.KindTimeout {
		t.Errorf("expected timeout failure payload, got %+v", events[0].Payload)
	}
}

func TestCachedStepReturnsRecordedOutput(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	var cached atomic.Bool
	body := func(wf *workflow.ExecutionContext) error {
		res, err := wf.Step("compute", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			return map[string]any{"answer": 42}, nil
		})
		if err != nil {
			return err
		}
		if res.WasCached {
			cached.Store(true)
			if n, ok := res.Output["answer"].(json.Number); !ok || n.String() != "42" {
				return fmt.Errorf("cached output mismatch: %v", res.Output)
			}
		}
		_, err = wf.Step("block", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			if !cached.Load() {
				return nil, fmt.Errorf("deliberate suspension")
			}
			return map[string]any{"ok": true}, nil
		})
		return err
	}

	cfg := workflow.WorkflowConfig{WorkflowID: "wf-cache", WorkflowName: "cache"}
	if _, err := eng.Start(ctx, cfg, body); err == nil {
		t.Fatal("expected first run to suspend")
	}
	if _, err := eng.Resume(ctx, "wf-cache", body); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !cached.Load() {
		t.Error("expected the first step to be served from the completion cache")
	}
}

func TestStatusNotFound(t *testing.T) {
	eng, _ := newTestEngine(t)
	if _, err := eng.GetStatus(context.Background(), "wf-missing"); !errors.Is(err, workflow.ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
	if err := eng.Cancel(context.Background(), "wf-missing", ""); !errors.Is(err, workflow.ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound from Cancel, got %v", err)
	}
	if _, err := eng.TimeTravel(context.Background(), "wf-missing", "sp-x"); err == nil {
		t.Fatal("expected TimeTravel on a missing workflow to fail")
	}
}

func TestStatusCountsBranchStepsFromSnapshot(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	step := func(name string, value int) workflow.StepFunc {
		return func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			return map[string]any{name: value}, nil
		}
	}

	body := func(wf *workflow.ExecutionContext) error {
		if _, err := wf.Step("one", step("one", 1)); err != nil {
			return err
		}
		_, err := wf.StepWithConfig("two", workflow.StepConfig{Savepoint: true}, step("two", 2))
		return err
	}
	if _, err := eng.Start(ctx, workflow.WorkflowConfig{WorkflowID: "wf-branch-status", WorkflowName: "branch-status"}, body); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sps, err := eng.ListSavepoints(ctx, "wf-branch-status")
	if err != nil || len(sps) != 1 {
		t.Fatalf("expected 1 savepoint, got %d (err %v)", len(sps), err)
	}
	branchID, err := eng.TimeTravel(ctx, "wf-branch-status", sps[0].SavepointID)
	if err != nil {
		t.Fatalf("TimeTravel: %v", err)
	}

	// The branch journal is empty but its state starts at the savepoint's
	// step number.
	status, err := eng.GetStatus(ctx, branchID)
	if err != nil {
		t.Fatalf("GetStatus on fresh branch: %v", err)
	}
	if status.StepNumber != 2 {
		t.Errorf("fresh branch step number = %d, want 2", status.StepNumber)
	}
	if status.Status != workflow.StatusPending {
		t.Errorf("fresh branch status = %s, want pending", status.Status)
	}

	branchBody := func(wf *workflow.ExecutionContext) error {
		if _, err := wf.Step("three", step("three", 3)); err != nil {
			return err
		}
		_, err := wf.Step("four", step("four", 4))
		return err
	}
	branchRes, err := eng.Resume(ctx, branchID, branchBody)
	if err != nil {
		t.Fatalf("Resume branch: %v", err)
	}
	if branchRes.FinalState.StepNumber != 4 {
		t.Fatalf("branch final step number = %d, want 4", branchRes.FinalState.StepNumber)
	}

	status, err = eng.GetStatus(ctx, branchID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.StepNumber != branchRes.FinalState.StepNumber {
		t.Errorf("status step number = %d, state says %d", status.StepNumber, branchRes.FinalState.StepNumber)
	}
}

// pinnedSnapshotStore always serves one fixed snapshot as the latest so a
// resume replays the journal from an earlier anchor than it normally would.
type pinnedSnapshotStore struct {
	store.Store
	snap *store.Snapshot
}

func (s *pinnedSnapshotStore) LatestSnapshot(ctx context.Context, workflowID string, maxSeq int64) (*store.Snapshot, error) {
	return s.snap, nil
}

func TestRestoreDeterministicAcrossSnapshots(t *testing.T) {
	eng, st := newTestEngine(t, workflow.WithSnapshotEvery(1))
	ctx := context.Background()

	errInspect := errors.New("inspect only")

	body := func(wf *workflow.ExecutionContext) error {
		for i := 1; i <= 5; i++ {
			name := fmt.Sprintf("step%d", i)
			i := i
			if _, err := wf.Step(name, func(ctx context.Context, vars map[string]any) (map[string]any, error) {
				return map[string]any{name: i * 10}, nil
			}); err != nil {
				return err
			}
		}
		// Suspend so later resumes restore instead of short-circuiting
		// on a terminal event.
		return errInspect
	}
	if _, err := eng.Start(ctx, workflow.WorkflowConfig{WorkflowID: "wf-replay", WorkflowName: "replay"}, body); !errors.Is(err, errInspect) {
		t.Fatalf("expected the workflow to suspend, got %v", err)
	}

	capture := func(e *workflow.Engine) *state.WorkflowState {
		t.Helper()
		res, err := e.Resume(ctx, "wf-replay", func(wf *workflow.ExecutionContext) error {
			return errInspect
		})
		if !errors.Is(err, errInspect) {
			t.Fatalf("Resume: %v", err)
		}
		if res.FinalState == nil {
			t.Fatal("restore did not produce a state")
		}
		return res.FinalState
	}

	// Restoring the same journal twice reproduces the state byte for byte.
	first := capture(eng)
	second := capture(eng)
	firstBytes, err := first.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	secondBytes, err := second.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(firstBytes, secondBytes) {
		t.Errorf("two restores diverged:\n%s\n%s", firstBytes, secondBytes)
	}

	// Any snapshot plus the replay of the events after it reconstructs the
	// same state. Pin the genesis so the whole journal replays and compare
	// against the restore from the latest snapshot.
	snaps, err := st.ListSnapshots(ctx, "wf-replay")
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) < 3 {
		t.Fatalf("expected several snapshots, got %d", len(snaps))
	}
	genesis := snaps[0]
	for _, snap := range snaps {
		if snap.LastEventSeq < genesis.LastEventSeq {
			genesis = snap
		}
	}
	if genesis.LastEventSeq != 0 {
		t.Fatalf("expected a genesis snapshot at seq 0, got %d", genesis.LastEventSeq)
	}

	pinned, err := workflow.NewEngine(&pinnedSnapshotStore{Store: st, snap: genesis})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	fromGenesis := capture(pinned)
	if fromGenesis.StepNumber != first.StepNumber {
		t.Errorf("replay from genesis reached step %d, latest snapshot gave %d", fromGenesis.StepNumber, first.StepNumber)
	}
	if fromGenesis.Checksum != first.Checksum {
		t.Errorf("replay from genesis diverged: %s vs %s", fromGenesis.Checksum, first.Checksum)
	}
}

func TestInPlaceMutationNotJournaled(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	body := func(wf *workflow.ExecutionContext) error {
		if _, err := wf.Step("seed", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			return map[string]any{"seeded": true}, nil
		}); err != nil {
			return err
		}
		_, err := wf.Step("mutate", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
			// Writing into vars bypasses the journal; only the
			// returned output persists.
			vars["sneak"] = true
			return map[string]any{"x": 1}, nil
		})
		return err
	}

	res, err := eng.Start(ctx, workflow.WorkflowConfig{WorkflowID: "wf-mutate", WorkflowName: "mutate"}, body)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, ok := res.FinalState.Variables["sneak"]; ok {
		t.Error("in-place mutation leaked into the committed state")
	}
	if _, ok := res.FinalState.Variables["x"]; !ok {
		t.Error("returned output missing from the committed state")
	}

	// Replay must agree with the recorded checksums; the only acceptable
	// refusal is the terminal guard.
	if _, err := eng.Resume(ctx, "wf-mutate", body); !errors.Is(err, workflow.ErrWorkflowAlreadyCompleted) {
		t.Fatalf("expected ErrWorkflowAlreadyCompleted, got %v", err)
	}
}
