// Package event defines the journal event model.
//
// Events are the source of truth for a workflow: every step intention,
// completion, failure, savepoint, and terminal transition is an immutable
// journal record with a per-workflow monotonic sequence number and a SHA-256
// checksum over its canonical encoding. Workflow status is derived from the
// journal, never stored.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bhavdeep98/contd.ai/workflow/codec"
	"github.com/bhavdeep98/contd.ai/workflow/state"
)

// SchemaVersion is the current event schema version.
const SchemaVersion = "1.0"

// Type identifies the kind of journal event. The set is closed; stores
// reject unknown types on append.
type Type string

const (
	TypeStepIntention     Type = "step_intention"
	TypeStepCompleted     Type = "step_completed"
	TypeStepFailed        Type = "step_failed"
	TypeSavepointCreated  Type = "savepoint_created"
	TypeWorkflowCompleted Type = "workflow_completed"
	TypeWorkflowCancelled Type = "workflow_cancelled"
)

// Valid reports whether t is a member of the closed event type set.
func (t Type) Valid() bool {
	switch t {
	case TypeStepIntention, TypeStepCompleted, TypeStepFailed,
		TypeSavepointCreated, TypeWorkflowCompleted, TypeWorkflowCancelled:
		return true
	}
	return false
}

// Terminal reports whether t ends the workflow. No events may follow a
// terminal event for the same workflow.
func (t Type) Terminal() bool {
	return t == TypeWorkflowCompleted || t == TypeWorkflowCancelled
}

// Event is one immutable journal record.
//
// Seq is assigned by the journal at append time: a contiguous sequence per
// workflow starting at 1 with no gaps. Checksum covers the canonical encoding
// of every other field, so it is stamped after Seq assignment and any byte of
// drift is detected on read. Timestamp is wall clock, for humans only;
// ordering always uses Seq.
type Event struct {
	EventID         string    `json:"event_id"`
	WorkflowID      string    `json:"workflow_id"`
	OrgID           string    `json:"org_id"`
	Seq             int64     `json:"event_seq"`
	Type            Type      `json:"event_type"`
	Timestamp       time.Time `json:"timestamp"`
	Payload         any       `json:"payload"`
	SchemaVersion   string    `json:"schema_version"`
	ProducerVersion string    `json:"producer_version"`
	Checksum        string    `json:"checksum"`
}

// Intention is the payload of a step_intention event: the durable record
// that an attempt is about to execute a step's side effects.
type Intention struct {
	StepID       string `json:"step_id"`
	StepName     string `json:"step_name"`
	AttemptID    int    `json:"attempt_id"`
	FencingToken int64  `json:"fencing_token"`
}

// Completion is the payload of a step_completed event. StateDelta is the
// deterministic variables diff; NewStateChecksum is the checksum of the
// state after the delta is applied, which replay verifies against.
type Completion struct {
	StepID           string      `json:"step_id"`
	AttemptID        int         `json:"attempt_id"`
	StateDelta       state.Delta `json:"state_delta"`
	NewStateChecksum string      `json:"new_state_checksum"`
	DurationMS       int64       `json:"duration_ms"`
}

// Failure is the payload of a step_failed event.
type Failure struct {
	StepID       string `json:"step_id"`
	AttemptID    int    `json:"attempt_id"`
	ErrorKind    string `json:"error_kind"`
	ErrorMessage string `json:"error_message"`
}

// Savepoint is the payload of a savepoint_created event: an addressable
// branch point carrying the epistemic metadata of the workflow at that step
// and a reference to the snapshot active when it was created.
type Savepoint struct {
	SavepointID string           `json:"savepoint_id"`
	StepNumber  int              `json:"step_number"`
	GoalSummary string           `json:"goal_summary"`
	Hypotheses  []string         `json:"hypotheses"`
	Questions   []string         `json:"questions"`
	Decisions   []map[string]any `json:"decisions"`
	NextStep    string           `json:"next_step"`
	SnapshotRef string           `json:"snapshot_ref"`
}

// WorkflowCompleted is the payload of a workflow_completed event.
type WorkflowCompleted struct {
	FinalStateChecksum string `json:"final_state_checksum"`
}

// WorkflowCancelled is the payload of a workflow_cancelled event.
type WorkflowCancelled struct {
	Reason string `json:"reason"`
}

// New constructs an unsealed event with a fresh id and timestamp. Seq,
// ProducerVersion, and Checksum are stamped by the journal at append time.
func New(workflowID, orgID string, typ Type, payload any) *Event {
	return &Event{
		EventID:       uuid.NewString(),
		WorkflowID:    workflowID,
		OrgID:         orgID,
		Type:          typ,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
		SchemaVersion: SchemaVersion,
	}
}

// Seal stamps the checksum over the canonical encoding of all fields other
// than Checksum itself. Stores call this after assigning Seq, immediately
// before insert.
func (e *Event) Seal() error {
	sum, err := e.computeChecksum()
	if err != nil {
		return err
	}
	e.Checksum = sum
	return nil
}

// Verify reports whether the stored checksum matches a fresh computation
// over the event's canonical encoding. Reads that fail verification must be
// treated as corruption, never smoothed over.
func (e *Event) Verify() bool {
	if e.Checksum == "" {
		return false
	}
	sum, err := e.computeChecksum()
	if err != nil {
		return false
	}
	return sum == e.Checksum
}

func (e *Event) computeChecksum() (string, error) {
	shadow := *e
	shadow.Checksum = ""
	sum, err := codec.Checksum(&shadow)
	if err != nil {
		return "", fmt.Errorf("event checksum: %w", err)
	}
	return sum, nil
}

// EncodePayload returns the canonical encoding of the payload, which is the
// form relational stores persist in the payload column.
func (e *Event) EncodePayload() ([]byte, error) {
	data, err := codec.Canonical(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	return data, nil
}

// DecodePayload parses a persisted payload column back into the typed
// payload for the given event type.
func DecodePayload(typ Type, data []byte) (any, error) {
	var (
		payload any
		err     error
	)
	switch typ {
	case TypeStepIntention:
		payload, err = decodeInto[Intention](data)
	case TypeStepCompleted:
		payload, err = decodeInto[Completion](data)
	case TypeStepFailed:
		payload, err = decodeInto[Failure](data)
	case TypeSavepointCreated:
		payload, err = decodeInto[Savepoint](data)
	case TypeWorkflowCompleted:
		payload, err = decodeInto[WorkflowCompleted](data)
	case TypeWorkflowCancelled:
		payload, err = decodeInto[WorkflowCancelled](data)
	default:
		return nil, fmt.Errorf("unknown event type %q", typ)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", typ, err)
	}
	return payload, nil
}
