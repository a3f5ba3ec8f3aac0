package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bhavdeep98/contd.ai/workflow/event"
)

// MemStore is an in-memory implementation of Store.
//
// It keeps the journal, snapshots, leases, and idempotency records in maps
// under a single mutex, which makes every operation, including CommitStep,
// trivially atomic. Designed for:
//   - Testing and development
//   - Single-process workflows where persistence isn't required
//
// MemStore is thread-safe and supports concurrent access. Data is lost when
// the process terminates; production deployments use SQLiteStore or
// MySQLStore.
type MemStore struct {
	mu          sync.Mutex
	events      map[string][]event.Event // workflowID -> ordered journal
	eventIDs    map[string]bool          // eventID -> exists
	snapshots   map[string]Snapshot      // snapshotID -> snapshot
	snapIndex   map[string][]string      // workflowID -> snapshotIDs in insert order
	leases      map[string]Lease         // workflowID -> current lease row
	attempts    map[string][]Attempt     // workflowID+"\x00"+stepID -> attempts
	completions map[string]Completion    // workflowID+"\x00"+stepID -> completion
}

// NewMemStore creates an empty in-memory store.
//
// Example:
//
//	st := store.NewMemStore()
//	eng := workflow.NewEngine(st)
func NewMemStore() *MemStore {
	return &MemStore{
		events:      make(map[string][]event.Event),
		eventIDs:    make(map[string]bool),
		snapshots:   make(map[string]Snapshot),
		snapIndex:   make(map[string][]string),
		leases:      make(map[string]Lease),
		attempts:    make(map[string][]Attempt),
		completions: make(map[string]Completion),
	}
}

func stepKey(workflowID, stepID string) string {
	return workflowID + "\x00" + stepID
}

// checkFence validates a write fence against the current lease row.
// Callers hold m.mu. A zero fence is always admitted.
func (m *MemStore) checkFence(workflowID string, fence Fence) error {
	if fence.Unfenced() {
		return nil
	}
	lease, ok := m.leases[workflowID]
	if !ok || lease.OwnerID == "" {
		return ErrFenced
	}
	if lease.OwnerID != fence.OwnerID || lease.FencingToken != fence.Token {
		return ErrFenced
	}
	return nil
}

// appendLocked performs the journal append. Callers hold m.mu.
func (m *MemStore) appendLocked(ev *event.Event, fence Fence) (int64, error) {
	if err := m.checkFence(ev.WorkflowID, fence); err != nil {
		return 0, err
	}
	if m.eventIDs[ev.EventID] {
		return 0, ErrDuplicateEvent
	}

	log := m.events[ev.WorkflowID]
	if n := len(log); n > 0 && log[n-1].Type.Terminal() {
		return 0, ErrWorkflowTerminal
	}

	ev.Seq = int64(len(log)) + 1
	if err := ev.Seal(); err != nil {
		return 0, err
	}

	m.events[ev.WorkflowID] = append(log, *ev)
	m.eventIDs[ev.EventID] = true
	return ev.Seq, nil
}

// Append assigns the next sequence, seals, and stores the event.
func (m *MemStore) Append(ctx context.Context, ev *event.Event, fence Fence) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(ev, fence)
}

// ReadRange returns events with fromSeq <= seq <= toSeq in ascending order.
func (m *MemStore) ReadRange(ctx context.Context, workflowID string, fromSeq, toSeq int64) ([]*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.events[workflowID]
	out := make([]*event.Event, 0, len(log))
	for i := range log {
		ev := log[i]
		if ev.Seq < fromSeq {
			continue
		}
		if toSeq > 0 && ev.Seq > toSeq {
			break
		}
		out = append(out, &ev)
	}
	return out, nil
}

// Tail returns the maximum persisted sequence and its event id.
func (m *MemStore) Tail(ctx context.Context, workflowID string) (int64, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.events[workflowID]
	if len(log) == 0 {
		return 0, "", nil
	}
	last := log[len(log)-1]
	return last.Seq, last.EventID, nil
}

// PutSnapshot inserts a snapshot. Re-inserting the same id is a no-op.
func (m *MemStore) PutSnapshot(ctx context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.snapshots[snap.SnapshotID]; exists {
		return nil
	}
	m.snapshots[snap.SnapshotID] = *snap
	m.snapIndex[snap.WorkflowID] = append(m.snapIndex[snap.WorkflowID], snap.SnapshotID)
	return nil
}

// GetSnapshot returns a snapshot by id.
func (m *MemStore) GetSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[snapshotID]
	if !ok {
		return nil, ErrNotFound
	}
	return &snap, nil
}

// LatestSnapshot returns the snapshot with the greatest last_event_seq
// at or below maxSeq.
func (m *MemStore) LatestSnapshot(ctx context.Context, workflowID string, maxSeq int64) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Snapshot
	for _, id := range m.snapIndex[workflowID] {
		snap := m.snapshots[id]
		if maxSeq > 0 && snap.LastEventSeq > maxSeq {
			continue
		}
		if best == nil || snap.LastEventSeq > best.LastEventSeq {
			s := snap
			best = &s
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// ListSnapshots returns all snapshots in descending last_event_seq order.
func (m *MemStore) ListSnapshots(ctx context.Context, workflowID string) ([]*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.snapIndex[workflowID]
	out := make([]*Snapshot, 0, len(ids))
	for _, id := range ids {
		snap := m.snapshots[id]
		out = append(out, &snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastEventSeq > out[j].LastEventSeq })
	return out, nil
}

// Acquire claims the workflow when no live lease is held by another owner.
// The fencing token watermark survives release and expiry, so tokens
// strictly increase across the workflow's history.
func (m *MemStore) Acquire(ctx context.Context, workflowID, ownerID, orgID string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	prev, held := m.leases[workflowID]
	if held && prev.OwnerID != "" && prev.OwnerID != ownerID && prev.Live(now) {
		return nil, ErrWorkflowLocked
	}

	var token int64 = 1
	if held {
		token = prev.FencingToken + 1
	}

	lease := Lease{
		WorkflowID:   workflowID,
		OwnerID:      ownerID,
		OrgID:        orgID,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(ttl),
		HeartbeatAt:  now,
		FencingToken: token,
	}
	m.leases[workflowID] = lease
	return &lease, nil
}

// Heartbeat extends the lease while the stored row still matches.
func (m *MemStore) Heartbeat(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[lease.WorkflowID]
	if !ok || cur.OwnerID != lease.OwnerID || cur.FencingToken != lease.FencingToken {
		return nil, ErrFenced
	}

	now := time.Now().UTC()
	cur.HeartbeatAt = now
	cur.ExpiresAt = now.Add(ttl)
	m.leases[lease.WorkflowID] = cur
	return &cur, nil
}

// Release relinquishes the lease under the three-way match. The row is kept
// with an empty owner so the fencing token watermark is preserved; a
// mismatch is a no-op.
func (m *MemStore) Release(ctx context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[lease.WorkflowID]
	if !ok || cur.OwnerID != lease.OwnerID || cur.FencingToken != lease.FencingToken {
		return nil
	}
	cur.OwnerID = ""
	cur.ExpiresAt = time.Now().UTC()
	m.leases[lease.WorkflowID] = cur
	return nil
}

// GetLease returns the current lease row, or ErrNotFound when the workflow
// is unleased.
func (m *MemStore) GetLease(ctx context.Context, workflowID string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[workflowID]
	if !ok || cur.OwnerID == "" {
		return nil, ErrNotFound
	}
	return &cur, nil
}

// CheckCompleted returns the completion record for the step.
func (m *MemStore) CheckCompleted(ctx context.Context, workflowID, stepID string) (*Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	comp, ok := m.completions[stepKey(workflowID, stepID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &comp, nil
}

// AllocateAttempt inserts the next attempt for the step, or returns the
// existing completion without allocating.
func (m *MemStore) AllocateAttempt(ctx context.Context, workflowID, stepID string, fence Fence) (*Attempt, *Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := stepKey(workflowID, stepID)
	if comp, done := m.completions[key]; done {
		return nil, &comp, nil
	}
	if err := m.checkFence(workflowID, fence); err != nil {
		return nil, nil, err
	}

	att := Attempt{
		WorkflowID:   workflowID,
		StepID:       stepID,
		AttemptID:    len(m.attempts[key]) + 1,
		StartedAt:    time.Now().UTC(),
		FencingToken: fence.Token,
	}
	m.attempts[key] = append(m.attempts[key], att)
	return &att, nil, nil
}

// markCompletedLocked inserts the completion row. Callers hold m.mu.
func (m *MemStore) markCompletedLocked(comp *Completion, fence Fence) error {
	key := stepKey(comp.WorkflowID, comp.StepID)
	if _, done := m.completions[key]; done {
		return ErrAlreadyCompleted
	}
	if err := m.checkFence(comp.WorkflowID, fence); err != nil {
		return err
	}
	if comp.CompletedAt.IsZero() {
		comp.CompletedAt = time.Now().UTC()
	}
	m.completions[key] = *comp
	return nil
}

// MarkCompleted inserts the completion row for the step.
func (m *MemStore) MarkCompleted(ctx context.Context, comp *Completion, fence Fence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markCompletedLocked(comp, fence)
}

// CommitStep appends the step_completed event and inserts the completion
// row under one lock acquisition, so no observer ever sees one without the
// other.
func (m *MemStore) CommitStep(ctx context.Context, ev *event.Event, comp *Completion, fence Fence) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Completion uniqueness is checked before the journal write so a
	// duplicate commit leaves the journal untouched.
	if _, done := m.completions[stepKey(comp.WorkflowID, comp.StepID)]; done {
		return 0, ErrAlreadyCompleted
	}

	seq, err := m.appendLocked(ev, fence)
	if err != nil {
		return 0, err
	}
	if err := m.markCompletedLocked(comp, fence); err != nil {
		// Roll the append back; the lock makes this unobservable.
		log := m.events[ev.WorkflowID]
		m.events[ev.WorkflowID] = log[:len(log)-1]
		delete(m.eventIDs, ev.EventID)
		return 0, err
	}
	return seq, nil
}

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error {
	return nil
}
