// Package store defines the persistence boundary of the workflow core and
// ships three backends: in-memory, SQLite, and MySQL.
//
// The four concerns (journal, snapshots, leases, idempotency) are separate
// interfaces so tests can fake one at a time, and the aggregate Store embeds
// them all plus CommitStep, the shared-transaction step commit.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/bhavdeep98/contd.ai/workflow/event"
)

// ErrNotFound is returned when a requested workflow, event, snapshot, lease,
// or completion record does not exist.
var ErrNotFound = errors.New("not found")

// ErrSeqConflict is returned when an append loses the race for the next
// event sequence number. The append never silently skips; callers may retry.
var ErrSeqConflict = errors.New("event sequence conflict")

// ErrDuplicateEvent is returned when an event id is appended twice.
var ErrDuplicateEvent = errors.New("duplicate event id")

// ErrWorkflowTerminal is returned when appending to a workflow whose journal
// already ends with workflow_completed or workflow_cancelled.
var ErrWorkflowTerminal = errors.New("workflow already terminal")

// ErrWorkflowLocked is returned by Acquire when a live lease with a
// different owner exists.
var ErrWorkflowLocked = errors.New("workflow locked by another executor")

// ErrFenced is returned when a write carries a fencing token that no longer
// matches the current lease. The caller has been fenced out and must stop.
var ErrFenced = errors.New("fencing token mismatch")

// ErrAlreadyCompleted is returned by MarkCompleted when a completion row for
// the (workflow, step) pair already exists.
var ErrAlreadyCompleted = errors.New("step already completed")

// Fence identifies a lease holder for write admission: the owning executor
// and the fencing token it was issued. Step writes carry a Fence and are
// refused when it no longer matches the stored lease. The zero Fence means
// an unfenced append, used by commands that write without holding the lease
// (Cancel, and reconciliation of terminal workflows).
type Fence struct {
	OwnerID string
	Token   int64
}

// Unfenced reports whether f is the zero Fence.
func (f Fence) Unfenced() bool {
	return f.OwnerID == "" && f.Token == 0
}

// Lease is the single-owner execution right for a workflow. FencingToken
// strictly increases across the workflow's history; a fresh Acquire after
// expiry always issues prior token + 1.
type Lease struct {
	WorkflowID   string    `json:"workflow_id"`
	OwnerID      string    `json:"owner_id"`
	OrgID        string    `json:"org_id"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"lease_expires_at"`
	HeartbeatAt  time.Time `json:"heartbeat_at"`
	FencingToken int64     `json:"fencing_token"`
}

// Fence returns the write-admission fence for this lease.
func (l *Lease) Fence() Fence {
	return Fence{OwnerID: l.OwnerID, Token: l.FencingToken}
}

// Live reports whether the lease has not expired as of now.
func (l *Lease) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// Snapshot is an immutable point-in-time capture of workflow state.
//
// Exactly one of StateInline and StateRef is set: StateInline holds the
// canonical state bytes when they fit under the engine's inline threshold,
// StateRef is an opaque blob-store reference otherwise. LastEventSeq names a
// real committed event; restore trusts the snapshot up to that sequence.
type Snapshot struct {
	SnapshotID    string    `json:"snapshot_id"`
	WorkflowID    string    `json:"workflow_id"`
	OrgID         string    `json:"org_id"`
	StepNumber    int       `json:"step_number"`
	LastEventSeq  int64     `json:"last_event_seq"`
	StateInline   []byte    `json:"state_inline,omitempty"`
	StateRef      string    `json:"state_external_ref,omitempty"`
	StateChecksum string    `json:"state_checksum"`
	CreatedAt     time.Time `json:"created_at"`
}

// Attempt records one allocated execution attempt of a step.
type Attempt struct {
	WorkflowID   string    `json:"workflow_id"`
	StepID       string    `json:"step_id"`
	AttemptID    int       `json:"attempt_id"`
	StartedAt    time.Time `json:"started_at"`
	FencingToken int64     `json:"fencing_token"`
}

// Completion is the durable exactly-once commit record for a step. At most
// one exists per (workflow, step); its result reference is the authoritative
// output on any replay.
type Completion struct {
	WorkflowID     string    `json:"workflow_id"`
	StepID         string    `json:"step_id"`
	AttemptID      int       `json:"attempt_id"`
	CompletedAt    time.Time `json:"completed_at"`
	ResultRef      string    `json:"result_snapshot_ref"`
	ResultChecksum string    `json:"result_checksum"`
	OrgID          string    `json:"org_id"`
}

// Journal is the append-only ordered event log.
type Journal interface {
	// Append assigns the next per-workflow sequence number, seals the
	// event's checksum, and inserts it, all in one atomic commit. The
	// event is mutated in place with its Seq and Checksum.
	//
	// A non-zero fence is validated against the current lease; a mismatch
	// returns ErrFenced. Appending past a terminal event returns
	// ErrWorkflowTerminal. A lost sequence race returns ErrSeqConflict.
	Append(ctx context.Context, ev *event.Event, fence Fence) (int64, error)

	// ReadRange returns events with fromSeq <= seq <= toSeq in strictly
	// ascending sequence order. A toSeq <= 0 means no upper bound.
	ReadRange(ctx context.Context, workflowID string, fromSeq, toSeq int64) ([]*event.Event, error)

	// Tail returns the maximum persisted sequence and its event id.
	// A workflow with no events returns (0, "", nil).
	Tail(ctx context.Context, workflowID string) (int64, string, error)
}

// Snapshots is the step-keyed snapshot index.
type Snapshots interface {
	// PutSnapshot inserts a snapshot. Idempotent with respect to
	// SnapshotID: re-inserting the same id is a no-op.
	PutSnapshot(ctx context.Context, snap *Snapshot) error

	// GetSnapshot returns a snapshot by id, or ErrNotFound.
	GetSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error)

	// LatestSnapshot returns the snapshot with the greatest
	// last_event_seq <= maxSeq for the workflow, or ErrNotFound.
	// A maxSeq <= 0 means no upper bound.
	LatestSnapshot(ctx context.Context, workflowID string, maxSeq int64) (*Snapshot, error)

	// ListSnapshots returns all snapshots for the workflow in descending
	// last_event_seq order.
	ListSnapshots(ctx context.Context, workflowID string) ([]*Snapshot, error)
}

// Leases is the single-owner admission table.
type Leases interface {
	// Acquire atomically claims the workflow for ownerID when no lease
	// exists or the existing lease has expired, issuing fencing token
	// prior + 1 (or 1 if none). A live lease held by a different owner
	// returns ErrWorkflowLocked.
	Acquire(ctx context.Context, workflowID, ownerID, orgID string, ttl time.Duration) (*Lease, error)

	// Heartbeat extends the lease by ttl only while the stored row still
	// matches (workflow, owner, token). A mismatch returns ErrFenced and
	// the caller must stop work.
	Heartbeat(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error)

	// Release relinquishes the lease under the same three-way match,
	// preserving the fencing token watermark so later acquisitions keep
	// strictly increasing tokens. A mismatch is a no-op: the lease was
	// already reclaimed.
	Release(ctx context.Context, lease *Lease) error

	// GetLease returns the current lease row, or ErrNotFound. Expired
	// rows are returned as-is; callers check Live.
	GetLease(ctx context.Context, workflowID string) (*Lease, error)
}

// Idempotency is the per-step attempt and completion table enforcing
// exactly-once commit.
type Idempotency interface {
	// CheckCompleted returns the completion record for the step, or
	// ErrNotFound.
	CheckCompleted(ctx context.Context, workflowID, stepID string) (*Completion, error)

	// AllocateAttempt inserts a new attempt with id 1 + the maximum
	// existing for the pair. If the step is already completed it returns
	// (nil, completion, nil) without allocating. A fence mismatch
	// against the current lease returns ErrFenced.
	AllocateAttempt(ctx context.Context, workflowID, stepID string, fence Fence) (*Attempt, *Completion, error)

	// MarkCompleted inserts the completion row. A prior completion for
	// the pair returns ErrAlreadyCompleted.
	MarkCompleted(ctx context.Context, comp *Completion, fence Fence) error
}

// Store is the full persistence surface the engine runs against.
type Store interface {
	Journal
	Snapshots
	Leases
	Idempotency

	// CommitStep appends the step_completed event and inserts the
	// completion row in a single atomic commit, so a crash can never
	// separate the journal record from its idempotency row. Returns the
	// assigned sequence.
	CommitStep(ctx context.Context, ev *event.Event, comp *Completion, fence Fence) (int64, error)

	// Close releases the backend's resources. Operations after Close
	// return errors.
	Close() error
}

// Blobs stores oversized snapshot state outside the relational row, keyed
// by an opaque reference.
type Blobs interface {
	PutBlob(ctx context.Context, ref string, data []byte) error
	GetBlob(ctx context.Context, ref string) ([]byte, error)
}
