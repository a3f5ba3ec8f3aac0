package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bhavdeep98/contd.ai/workflow/event"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps the journal, snapshots, leases, and idempotency records in a
// single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments requiring durable workflows
//   - Prototyping before migrating to MySQL
//
// SQLiteStore uses WAL mode for concurrent reads and wraps every multi-row
// operation in a transaction, so CommitStep's journal append and completion
// insert share one atomic commit.
//
// Schema:
//   - events: the append-only journal, PK (workflow_id, event_seq)
//   - snapshots: step-keyed state captures
//   - workflow_leases: single-owner admission with fencing tokens
//   - step_attempts: per-step attempt allocations
//   - completed_steps: exactly-once completion records, PK (workflow_id, step_id)
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./workflows.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically creates the database file and schema, enables WAL
// mode, and configures a busy timeout.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./workflows.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time; a single pooled connection
	// also keeps :memory: databases coherent across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	st := &SQLiteStore{db: db, path: path}
	if err := st.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return st, nil
}

// createTables creates the schema if it doesn't exist.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			workflow_id TEXT NOT NULL,
			event_seq INTEGER NOT NULL,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			schema_version TEXT NOT NULL,
			producer_version TEXT NOT NULL DEFAULT '',
			checksum TEXT NOT NULL,
			org_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (workflow_id, event_seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(workflow_id, event_type)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			snapshot_id TEXT NOT NULL PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			org_id TEXT NOT NULL DEFAULT '',
			step_number INTEGER NOT NULL,
			last_event_seq INTEGER NOT NULL,
			state_inline BLOB,
			state_external_ref TEXT NOT NULL DEFAULT '',
			state_checksum TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_workflow_seq ON snapshots(workflow_id, last_event_seq DESC)`,
		`CREATE TABLE IF NOT EXISTS workflow_leases (
			workflow_id TEXT NOT NULL PRIMARY KEY,
			owner_id TEXT NOT NULL,
			org_id TEXT NOT NULL DEFAULT '',
			acquired_at TEXT NOT NULL,
			lease_expires_at TEXT NOT NULL,
			heartbeat_at TEXT NOT NULL,
			fencing_token INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS step_attempts (
			workflow_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			attempt_id INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			fencing_token INTEGER NOT NULL,
			PRIMARY KEY (workflow_id, step_id, attempt_id)
		)`,
		`CREATE TABLE IF NOT EXISTS completed_steps (
			workflow_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			attempt_id INTEGER NOT NULL,
			completed_at TEXT NOT NULL,
			result_snapshot_ref TEXT NOT NULL DEFAULT '',
			result_checksum TEXT NOT NULL,
			org_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (workflow_id, step_id),
			FOREIGN KEY (workflow_id, step_id, attempt_id)
				REFERENCES step_attempts(workflow_id, step_id, attempt_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// checkFenceTx validates a non-zero fence against the stored lease row
// inside the caller's transaction.
func checkFenceTx(ctx context.Context, tx *sql.Tx, workflowID string, fence Fence) error {
	if fence.Unfenced() {
		return nil
	}
	var (
		owner string
		token int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT owner_id, fencing_token FROM workflow_leases WHERE workflow_id = ?`,
		workflowID).Scan(&owner, &token)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrFenced
	}
	if err != nil {
		return fmt.Errorf("failed to read lease for fence check: %w", err)
	}
	if owner == "" || owner != fence.OwnerID || token != fence.Token {
		return ErrFenced
	}
	return nil
}

// appendTx performs the journal append inside the caller's transaction:
// terminal check, sequence assignment, checksum seal, insert.
func appendTx(ctx context.Context, tx *sql.Tx, ev *event.Event, fence Fence) (int64, error) {
	if err := checkFenceTx(ctx, tx, ev.WorkflowID, fence); err != nil {
		return 0, err
	}

	var (
		maxSeq   int64
		lastType string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT event_seq, event_type FROM events WHERE workflow_id = ? ORDER BY event_seq DESC LIMIT 1`,
		ev.WorkflowID).Scan(&maxSeq, &lastType)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to read journal tail: %w", err)
	}
	if event.Type(lastType).Terminal() {
		return 0, ErrWorkflowTerminal
	}

	ev.Seq = maxSeq + 1
	if err := ev.Seal(); err != nil {
		return 0, err
	}
	payload, err := ev.EncodePayload()
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events
		(workflow_id, event_seq, event_id, event_type, payload, timestamp, schema_version, producer_version, checksum, org_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.WorkflowID, ev.Seq, ev.EventID, string(ev.Type), string(payload),
		ev.Timestamp.Format(time.RFC3339Nano), ev.SchemaVersion, ev.ProducerVersion,
		ev.Checksum, ev.OrgID)
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "events.event_id"):
			return 0, ErrDuplicateEvent
		case strings.Contains(msg, "events.workflow_id"):
			return 0, ErrSeqConflict
		}
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	return ev.Seq, nil
}

// Append assigns the next sequence, seals, and inserts the event in one
// transaction.
func (s *SQLiteStore) Append(ctx context.Context, ev *event.Event, fence Fence) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	seq, err := appendTx(ctx, tx, ev, fence)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit append: %w", err)
	}
	return seq, nil
}

// scanEvent reads one journal row, decoding the payload column back into
// its typed form.
func scanEvent(scan func(dest ...any) error) (*event.Event, error) {
	var (
		ev        event.Event
		evType    string
		payload   string
		timestamp string
	)
	if err := scan(&ev.WorkflowID, &ev.Seq, &ev.EventID, &evType, &payload,
		&timestamp, &ev.SchemaVersion, &ev.ProducerVersion, &ev.Checksum, &ev.OrgID); err != nil {
		return nil, fmt.Errorf("failed to scan event row: %w", err)
	}
	ev.Type = event.Type(evType)

	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
	}
	ev.Timestamp = ts

	ev.Payload, err = event.DecodePayload(ev.Type, []byte(payload))
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

const eventColumns = `workflow_id, event_seq, event_id, event_type, payload, timestamp, schema_version, producer_version, checksum, org_id`

// ReadRange returns events ordered by event_seq, never by timestamp.
func (s *SQLiteStore) ReadRange(ctx context.Context, workflowID string, fromSeq, toSeq int64) ([]*event.Event, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE workflow_id = ? AND event_seq >= ?`
	args := []any{workflowID, fromSeq}
	if toSeq > 0 {
		query += ` AND event_seq <= ?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY event_seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// Tail returns the maximum persisted sequence and its event id.
func (s *SQLiteStore) Tail(ctx context.Context, workflowID string) (int64, string, error) {
	if err := s.guard(); err != nil {
		return 0, "", err
	}

	var (
		seq int64
		id  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT event_seq, event_id FROM events WHERE workflow_id = ? ORDER BY event_seq DESC LIMIT 1`,
		workflowID).Scan(&seq, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to read journal tail: %w", err)
	}
	return seq, id, nil
}

// PutSnapshot inserts a snapshot. Re-inserting the same id is a no-op;
// snapshots are immutable once written.
func (s *SQLiteStore) PutSnapshot(ctx context.Context, snap *Snapshot) error {
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots
		(snapshot_id, workflow_id, org_id, step_number, last_event_seq, state_inline, state_external_ref, state_checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(snapshot_id) DO NOTHING`,
		snap.SnapshotID, snap.WorkflowID, snap.OrgID, snap.StepNumber, snap.LastEventSeq,
		snap.StateInline, snap.StateRef, snap.StateChecksum,
		snap.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put snapshot: %w", err)
	}
	return nil
}

const snapshotColumns = `snapshot_id, workflow_id, org_id, step_number, last_event_seq, state_inline, state_external_ref, state_checksum, created_at`

func scanSnapshot(scan func(dest ...any) error) (*Snapshot, error) {
	var (
		snap      Snapshot
		createdAt string
	)
	if err := scan(&snap.SnapshotID, &snap.WorkflowID, &snap.OrgID, &snap.StepNumber,
		&snap.LastEventSeq, &snap.StateInline, &snap.StateRef, &snap.StateChecksum, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot timestamp: %w", err)
	}
	snap.CreatedAt = ts
	return &snap, nil
}

// GetSnapshot returns a snapshot by id.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE snapshot_id = ?`, snapshotID)
	snap, err := scanSnapshot(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return snap, nil
}

// LatestSnapshot returns the snapshot with the greatest last_event_seq at
// or below maxSeq.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context, workflowID string, maxSeq int64) (*Snapshot, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE workflow_id = ?`
	args := []any{workflowID}
	if maxSeq > 0 {
		query += ` AND last_event_seq <= ?`
		args = append(args, maxSeq)
	}
	query += ` ORDER BY last_event_seq DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	snap, err := scanSnapshot(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return snap, nil
}

// ListSnapshots returns all snapshots in descending last_event_seq order.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, workflowID string) ([]*Snapshot, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE workflow_id = ? ORDER BY last_event_seq DESC`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snaps []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot rows: %w", err)
	}
	return snaps, nil
}

// Acquire claims the workflow lease with a token one greater than any this
// workflow has seen. The read and the upsert run in one transaction; with
// SQLite's single writer this makes the compare-and-set race-free.
func (s *SQLiteStore) Acquire(ctx context.Context, workflowID, ownerID, orgID string, ttl time.Duration) (*Lease, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var (
		prevOwner   string
		prevExpires string
		prevToken   int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT owner_id, lease_expires_at, fencing_token FROM workflow_leases WHERE workflow_id = ?`,
		workflowID).Scan(&prevOwner, &prevExpires, &prevToken)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No prior lease; first token is 1.
	case err != nil:
		return nil, fmt.Errorf("failed to read lease: %w", err)
	default:
		expires, perr := time.Parse(time.RFC3339Nano, prevExpires)
		if perr != nil {
			return nil, fmt.Errorf("failed to parse lease expiry: %w", perr)
		}
		if prevOwner != "" && prevOwner != ownerID && now.Before(expires) {
			return nil, ErrWorkflowLocked
		}
	}

	lease := &Lease{
		WorkflowID:   workflowID,
		OwnerID:      ownerID,
		OrgID:        orgID,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(ttl),
		HeartbeatAt:  now,
		FencingToken: prevToken + 1,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_leases
		(workflow_id, owner_id, org_id, acquired_at, lease_expires_at, heartbeat_at, fencing_token)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			org_id = excluded.org_id,
			acquired_at = excluded.acquired_at,
			lease_expires_at = excluded.lease_expires_at,
			heartbeat_at = excluded.heartbeat_at,
			fencing_token = excluded.fencing_token`,
		lease.WorkflowID, lease.OwnerID, lease.OrgID,
		lease.AcquiredAt.Format(time.RFC3339Nano),
		lease.ExpiresAt.Format(time.RFC3339Nano),
		lease.HeartbeatAt.Format(time.RFC3339Nano),
		lease.FencingToken)
	if err != nil {
		return nil, fmt.Errorf("failed to write lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease acquisition: %w", err)
	}
	return lease, nil
}

// Heartbeat extends the lease under the three-way match.
func (s *SQLiteStore) Heartbeat(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_leases SET heartbeat_at = ?, lease_expires_at = ?
		WHERE workflow_id = ? AND owner_id = ? AND fencing_token = ?`,
		now.Format(time.RFC3339Nano), now.Add(ttl).Format(time.RFC3339Nano),
		lease.WorkflowID, lease.OwnerID, lease.FencingToken)
	if err != nil {
		return nil, fmt.Errorf("failed to heartbeat lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read heartbeat result: %w", err)
	}
	if n == 0 {
		return nil, ErrFenced
	}

	renewed := *lease
	renewed.HeartbeatAt = now
	renewed.ExpiresAt = now.Add(ttl)
	return &renewed, nil
}

// Release relinquishes the lease under the three-way match. The row is kept
// with an empty owner so the fencing token watermark survives; a mismatch
// is a no-op.
func (s *SQLiteStore) Release(ctx context.Context, lease *Lease) error {
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_leases SET owner_id = '', lease_expires_at = ?
		WHERE workflow_id = ? AND owner_id = ? AND fencing_token = ?`,
		time.Now().UTC().Format(time.RFC3339Nano),
		lease.WorkflowID, lease.OwnerID, lease.FencingToken)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// GetLease returns the current lease row, or ErrNotFound when unleased.
func (s *SQLiteStore) GetLease(ctx context.Context, workflowID string) (*Lease, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	var (
		lease       Lease
		acquired    string
		expires     string
		heartbeatAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, owner_id, org_id, acquired_at, lease_expires_at, heartbeat_at, fencing_token
		FROM workflow_leases WHERE workflow_id = ?`,
		workflowID).Scan(&lease.WorkflowID, &lease.OwnerID, &lease.OrgID,
		&acquired, &expires, &heartbeatAt, &lease.FencingToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lease: %w", err)
	}
	if lease.OwnerID == "" {
		return nil, ErrNotFound
	}

	for _, tc := range []struct {
		raw string
		dst *time.Time
	}{
		{acquired, &lease.AcquiredAt},
		{expires, &lease.ExpiresAt},
		{heartbeatAt, &lease.HeartbeatAt},
	} {
		ts, perr := time.Parse(time.RFC3339Nano, tc.raw)
		if perr != nil {
			return nil, fmt.Errorf("failed to parse lease timestamp: %w", perr)
		}
		*tc.dst = ts
	}
	return &lease, nil
}

// CheckCompleted returns the completion record for the step.
func (s *SQLiteStore) CheckCompleted(ctx context.Context, workflowID, stepID string) (*Completion, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return checkCompletedTx(ctx, tx, workflowID, stepID)
}

func checkCompletedTx(ctx context.Context, tx *sql.Tx, workflowID, stepID string) (*Completion, error) {
	var (
		comp        Completion
		completedAt string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT workflow_id, step_id, attempt_id, completed_at, result_snapshot_ref, result_checksum, org_id
		FROM completed_steps WHERE workflow_id = ? AND step_id = ?`,
		workflowID, stepID).Scan(&comp.WorkflowID, &comp.StepID, &comp.AttemptID,
		&completedAt, &comp.ResultRef, &comp.ResultChecksum, &comp.OrgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read completion: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, completedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse completion timestamp: %w", err)
	}
	comp.CompletedAt = ts
	return &comp, nil
}

// AllocateAttempt inserts the next attempt for the step, or returns the
// existing completion without allocating.
func (s *SQLiteStore) AllocateAttempt(ctx context.Context, workflowID, stepID string, fence Fence) (*Attempt, *Completion, error) {
	if err := s.guard(); err != nil {
		return nil, nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	comp, err := checkCompletedTx(ctx, tx, workflowID, stepID)
	if err == nil {
		return nil, comp, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}

	if err := checkFenceTx(ctx, tx, workflowID, fence); err != nil {
		return nil, nil, err
	}

	var maxAttempt int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(attempt_id), 0) FROM step_attempts WHERE workflow_id = ? AND step_id = ?`,
		workflowID, stepID).Scan(&maxAttempt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read attempt counter: %w", err)
	}

	att := &Attempt{
		WorkflowID:   workflowID,
		StepID:       stepID,
		AttemptID:    maxAttempt + 1,
		StartedAt:    time.Now().UTC(),
		FencingToken: fence.Token,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO step_attempts (workflow_id, step_id, attempt_id, started_at, fencing_token)
		VALUES (?, ?, ?, ?, ?)`,
		att.WorkflowID, att.StepID, att.AttemptID,
		att.StartedAt.Format(time.RFC3339Nano), att.FencingToken)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit attempt allocation: %w", err)
	}
	return att, nil, nil
}

func markCompletedTx(ctx context.Context, tx *sql.Tx, comp *Completion, fence Fence) error {
	if err := checkFenceTx(ctx, tx, comp.WorkflowID, fence); err != nil {
		return err
	}
	if comp.CompletedAt.IsZero() {
		comp.CompletedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO completed_steps
		(workflow_id, step_id, attempt_id, completed_at, result_snapshot_ref, result_checksum, org_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		comp.WorkflowID, comp.StepID, comp.AttemptID,
		comp.CompletedAt.Format(time.RFC3339Nano),
		comp.ResultRef, comp.ResultChecksum, comp.OrgID)
	if err != nil {
		if strings.Contains(err.Error(), "completed_steps") && strings.Contains(err.Error(), "UNIQUE") {
			return ErrAlreadyCompleted
		}
		return fmt.Errorf("failed to insert completion: %w", err)
	}
	return nil
}

// MarkCompleted inserts the completion row. The primary key on
// (workflow_id, step_id) enforces exactly-once commit.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, comp *Completion, fence Fence) error {
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := markCompletedTx(ctx, tx, comp, fence); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit completion: %w", err)
	}
	return nil
}

// CommitStep appends the step_completed event and inserts the completion
// row in one transaction, so a crash can never separate them.
func (s *SQLiteStore) CommitStep(ctx context.Context, ev *event.Event, comp *Completion, fence Fence) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := checkCompletedTx(ctx, tx, comp.WorkflowID, comp.StepID); err == nil {
		return 0, ErrAlreadyCompleted
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	seq, err := appendTx(ctx, tx, ev, fence)
	if err != nil {
		return 0, err
	}
	if err := markCompletedTx(ctx, tx, comp, fence); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit step: %w", err)
	}
	return seq, nil
}

// Close closes the database connection. Calling Close multiple times is
// safe.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}
