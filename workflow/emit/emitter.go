// Package emit provides pluggable observability for workflow execution.
//
// The engine emits an Event for every journal append, snapshot, lease
// transition, retry, and cache hit. Emitters route those events to a
// backend: a log stream, an in-memory buffer for tests, OpenTelemetry
// spans, or nothing at all.
package emit

// Emitter receives observability events from workflow execution.
//
// Implementations should be:
//   - Non-blocking: avoid slowing down workflow execution
//   - Thread-safe: the heartbeat goroutine emits concurrently with steps
//   - Resilient: an emitter failure must never fail the workflow
//
// Emit should not panic. Errors should be handled internally.
type Emitter interface {
	Emit(event Event)
}

// Event is one observability record.
//
// Events describe points in execution: step start/commit, retries, cache
// hits, snapshot writes, lease transitions, and recovery progress.
type Event struct {
	// WorkflowID identifies the workflow that emitted this event.
	WorkflowID string

	// Step is the workflow's completed-step count when the event fired.
	// Zero for workflow-level events (start, resume, terminal).
	Step int

	// StepID identifies the step occurrence (name_counter form).
	// Empty for workflow-level events.
	StepID string

	// Msg names the event, e.g. "step_commit", "retry_backoff",
	// "lease_acquired", "cache_hit".
	Msg string

	// Meta holds additional structured data. Common keys:
	//   - "attempt": attempt ordinal
	//   - "duration_ms": step execution duration
	//   - "error": error details
	//   - "seq": assigned journal sequence
	//   - "snapshot_id": snapshot identifier
	//   - "fencing_token": current lease token
	Meta map[string]any
}
