package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func TestNullEmitterDiscards(t *testing.T) {
	e := NewNullEmitter()
	// Must not panic or block.
	e.Emit(Event{WorkflowID: "wf-1", Msg: "step_commit"})
}

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)

	e.Emit(Event{
		WorkflowID: "wf-1",
		Step:       2,
		StepID:     "fetch_2",
		Msg:        "step_commit",
		Meta:       map[string]any{"seq": int64(4)},
	})

	line := buf.String()
	for _, want := range []string{"[step_commit]", "workflow=wf-1", "step=2", "stepID=fetch_2", `"seq":4`} {
		if !strings.Contains(line, want) {
			t.Errorf("text output missing %q: %s", want, line)
		}
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)

	e.Emit(Event{WorkflowID: "wf-1", Step: 1, StepID: "fetch_1", Msg: "retry_backoff"})

	var decoded struct {
		WorkflowID string `json:"workflow_id"`
		Step       int    `json:"step"`
		StepID     string `json:"step_id"`
		Msg        string `json:"msg"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.WorkflowID != "wf-1" || decoded.Msg != "retry_backoff" || decoded.StepID != "fetch_1" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestBufferedEmitterHistory(t *testing.T) {
	e := NewBufferedEmitter()

	e.Emit(Event{WorkflowID: "wf-1", Step: 1, StepID: "fetch_1", Msg: "step_start"})
	e.Emit(Event{WorkflowID: "wf-1", Step: 1, StepID: "fetch_1", Msg: "step_commit"})
	e.Emit(Event{WorkflowID: "wf-1", Step: 2, StepID: "store_2", Msg: "step_commit"})
	e.Emit(Event{WorkflowID: "wf-2", Step: 1, StepID: "fetch_1", Msg: "step_start"})

	if got := len(e.History("wf-1")); got != 3 {
		t.Errorf("History(wf-1) = %d events, want 3", got)
	}
	if got := len(e.History("missing")); got != 0 {
		t.Errorf("History(missing) = %d events, want 0", got)
	}

	commits := e.HistoryWithFilter("wf-1", HistoryFilter{Msg: "step_commit"})
	if len(commits) != 2 {
		t.Errorf("commit filter returned %d events, want 2", len(commits))
	}

	minStep := 2
	late := e.HistoryWithFilter("wf-1", HistoryFilter{MinStep: &minStep})
	if len(late) != 1 || late[0].StepID != "store_2" {
		t.Errorf("min-step filter = %+v", late)
	}

	both := e.HistoryWithFilter("wf-1", HistoryFilter{StepID: "fetch_1", Msg: "step_start"})
	if len(both) != 1 {
		t.Errorf("combined filter returned %d events, want 1", len(both))
	}

	e.Clear("wf-1")
	if got := len(e.History("wf-1")); got != 0 {
		t.Errorf("history survives Clear: %d events", got)
	}
	if got := len(e.History("wf-2")); got != 1 {
		t.Errorf("Clear(wf-1) touched wf-2: %d events", got)
	}

	e.Clear("")
	if got := len(e.History("wf-2")); got != 0 {
		t.Errorf("Clear all left %d events", got)
	}
}

func TestBufferedEmitterConcurrent(t *testing.T) {
	e := NewBufferedEmitter()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.Emit(Event{WorkflowID: "wf-1", Msg: "step_commit"})
			}
		}()
	}
	wg.Wait()

	if got := len(e.History("wf-1")); got != 1000 {
		t.Errorf("concurrent emits recorded %d events, want 1000", got)
	}
}
