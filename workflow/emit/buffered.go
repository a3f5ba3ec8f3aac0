package emit

import "sync"

// BufferedEmitter stores events in memory, keyed by workflow, and provides
// query helpers. Used heavily in tests to assert on execution history.
//
// All events are kept until cleared; long-running production workflows
// should prefer LogEmitter or OTelEmitter.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // workflowID -> events in emit order
}

// HistoryFilter selects a subset of a workflow's history. Fields are
// optional and combined with AND.
type HistoryFilter struct {
	StepID  string // filter by step occurrence (empty = no filter)
	Msg     string // filter by message (empty = no filter)
	MinStep *int   // minimum step number (nil = no filter)
	MaxStep *int   // maximum step number (nil = no filter)
}

// NewBufferedEmitter creates an empty buffered emitter. Safe for
// concurrent use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends the event to its workflow's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.WorkflowID] = append(b.events[event.WorkflowID], event)
}

// History returns a copy of all events for the workflow in emit order.
func (b *BufferedEmitter) History(workflowID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[workflowID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// HistoryWithFilter returns the events matching every set filter field.
func (b *BufferedEmitter) HistoryWithFilter(workflowID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[workflowID] {
		if matchesFilter(event, filter) {
			result = append(result, event)
		}
	}
	return result
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.StepID != "" && event.StepID != filter.StepID {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinStep != nil && event.Step < *filter.MinStep {
		return false
	}
	if filter.MaxStep != nil && event.Step > *filter.MaxStep {
		return false
	}
	return true
}

// Clear removes the history for workflowID, or everything when empty.
func (b *BufferedEmitter) Clear(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if workflowID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, workflowID)
}
