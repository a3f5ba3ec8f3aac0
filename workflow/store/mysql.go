package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/bhavdeep98/contd.ai/workflow/event"
)

// mysqlDuplicateKey is the MySQL error number for a unique key violation.
const mysqlDuplicateKey = 1062

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Production deployments with multiple executors
//   - Workflows that survive process and host restarts
//   - Audit trails over the event journal
//
// MySQLStore uses connection pooling, and InnoDB row locks inside
// transactions make Acquire's compare-and-set and CommitStep's shared
// commit safe under concurrent executors.
//
// All timestamps are stored as RFC3339Nano text rather than DATETIME:
// event checksums cover the canonical encoding including the timestamp, so
// the persisted value must round-trip byte-exactly, which DATETIME's
// microsecond precision would break.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Never hardcode credentials; read the DSN from the environment:
//
//	dsn := os.Getenv("MYSQL_DSN")
//	st, err := store.NewMySQLStore(dsn)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//
// The store automatically creates the required tables and configures the
// connection pool.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	st := &MySQLStore{db: db}
	if err := st.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return st, nil
}

// createTables creates the schema if it doesn't exist.
func (m *MySQLStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			workflow_id VARCHAR(255) NOT NULL,
			event_seq BIGINT NOT NULL,
			event_id VARCHAR(64) NOT NULL,
			event_type VARCHAR(32) NOT NULL,
			payload JSON NOT NULL,
			timestamp VARCHAR(40) NOT NULL,
			schema_version VARCHAR(16) NOT NULL,
			producer_version VARCHAR(64) NOT NULL DEFAULT '',
			checksum CHAR(64) NOT NULL,
			org_id VARCHAR(255) NOT NULL DEFAULT '',
			PRIMARY KEY (workflow_id, event_seq),
			UNIQUE KEY uniq_event_id (event_id),
			INDEX idx_events_type (workflow_id, event_type)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			snapshot_id VARCHAR(64) NOT NULL PRIMARY KEY,
			workflow_id VARCHAR(255) NOT NULL,
			org_id VARCHAR(255) NOT NULL DEFAULT '',
			step_number INT NOT NULL,
			last_event_seq BIGINT NOT NULL,
			state_inline MEDIUMBLOB,
			state_external_ref VARCHAR(512) NOT NULL DEFAULT '',
			state_checksum CHAR(64) NOT NULL,
			created_at VARCHAR(40) NOT NULL,
			INDEX idx_snapshots_workflow_seq (workflow_id, last_event_seq DESC)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS workflow_leases (
			workflow_id VARCHAR(255) NOT NULL PRIMARY KEY,
			owner_id VARCHAR(255) NOT NULL,
			org_id VARCHAR(255) NOT NULL DEFAULT '',
			acquired_at VARCHAR(40) NOT NULL,
			lease_expires_at VARCHAR(40) NOT NULL,
			heartbeat_at VARCHAR(40) NOT NULL,
			fencing_token BIGINT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS step_attempts (
			workflow_id VARCHAR(255) NOT NULL,
			step_id VARCHAR(255) NOT NULL,
			attempt_id INT NOT NULL,
			started_at VARCHAR(40) NOT NULL,
			fencing_token BIGINT NOT NULL,
			PRIMARY KEY (workflow_id, step_id, attempt_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS completed_steps (
			workflow_id VARCHAR(255) NOT NULL,
			step_id VARCHAR(255) NOT NULL,
			attempt_id INT NOT NULL,
			completed_at VARCHAR(40) NOT NULL,
			result_snapshot_ref VARCHAR(512) NOT NULL DEFAULT '',
			result_checksum CHAR(64) NOT NULL,
			org_id VARCHAR(255) NOT NULL DEFAULT '',
			PRIMARY KEY (workflow_id, step_id),
			CONSTRAINT fk_completed_attempt
				FOREIGN KEY (workflow_id, step_id, attempt_id)
				REFERENCES step_attempts (workflow_id, step_id, attempt_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range statements {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func (m *MySQLStore) guard() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// isDuplicateKey reports whether err is a MySQL unique key violation on the
// named key or table.
func isDuplicateKey(err error, key string) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) || myErr.Number != mysqlDuplicateKey {
		return false
	}
	return strings.Contains(myErr.Message, key)
}

// mysqlAppendTx performs the journal append inside the caller's
// transaction. The tail read uses FOR UPDATE so two executors racing for
// the same sequence serialize on the row lock.
func mysqlAppendTx(ctx context.Context, tx *sql.Tx, ev *event.Event, fence Fence) (int64, error) {
	if err := mysqlCheckFenceTx(ctx, tx, ev.WorkflowID, fence); err != nil {
		return 0, err
	}

	var (
		maxSeq   int64
		lastType string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT event_seq, event_type FROM events WHERE workflow_id = ? ORDER BY event_seq DESC LIMIT 1 FOR UPDATE`,
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
		switch {
		case isDuplicateKey(err, "uniq_event_id"):
			return 0, ErrDuplicateEvent
		case isDuplicateKey(err, "PRIMARY"):
			return 0, ErrSeqConflict
		}
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	return ev.Seq, nil
}

func mysqlCheckFenceTx(ctx context.Context, tx *sql.Tx, workflowID string, fence Fence) error {
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

// Append assigns the next sequence, seals, and inserts the event in one
// transaction.
func (m *MySQLStore) Append(ctx context.Context, ev *event.Event, fence Fence) (int64, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	seq, err := mysqlAppendTx(ctx, tx, ev, fence)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit append: %w", err)
	}
	return seq, nil
}

// ReadRange returns events ordered by event_seq, never by timestamp.
func (m *MySQLStore) ReadRange(ctx context.Context, workflowID string, fromSeq, toSeq int64) ([]*event.Event, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE workflow_id = ? AND event_seq >= ?`
	args := []any{workflowID, fromSeq}
	if toSeq > 0 {
		query += ` AND event_seq <= ?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY event_seq ASC`

	rows, err := m.db.QueryContext(ctx, query, args...)
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
func (m *MySQLStore) Tail(ctx context.Context, workflowID string) (int64, string, error) {
	if err := m.guard(); err != nil {
		return 0, "", err
	}

	var (
		seq int64
		id  string
	)
	err := m.db.QueryRowContext(ctx,
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

// PutSnapshot inserts a snapshot. Re-inserting the same id is a no-op.
func (m *MySQLStore) PutSnapshot(ctx context.Context, snap *Snapshot) error {
	if err := m.guard(); err != nil {
		return err
	}

	_, err := m.db.ExecContext(ctx,
		`INSERT IGNORE INTO snapshots
		(snapshot_id, workflow_id, org_id, step_number, last_event_seq, state_inline, state_external_ref, state_checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.SnapshotID, snap.WorkflowID, snap.OrgID, snap.StepNumber, snap.LastEventSeq,
		snap.StateInline, snap.StateRef, snap.StateChecksum,
		snap.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns a snapshot by id.
func (m *MySQLStore) GetSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	row := m.db.QueryRowContext(ctx,
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
func (m *MySQLStore) LatestSnapshot(ctx context.Context, workflowID string, maxSeq int64) (*Snapshot, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE workflow_id = ?`
	args := []any{workflowID}
	if maxSeq > 0 {
		query += ` AND last_event_seq <= ?`
		args = append(args, maxSeq)
	}
	query += ` ORDER BY last_event_seq DESC LIMIT 1`

	row := m.db.QueryRowContext(ctx, query, args...)
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
func (m *MySQLStore) ListSnapshots(ctx context.Context, workflowID string) ([]*Snapshot, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx,
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
// workflow has seen. The SELECT ... FOR UPDATE serializes racing executors
// on the lease row.
func (m *MySQLStore) Acquire(ctx context.Context, workflowID, ownerID, orgID string, ttl time.Duration) (*Lease, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
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
		`SELECT owner_id, lease_expires_at, fencing_token FROM workflow_leases WHERE workflow_id = ? FOR UPDATE`,
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
		ON DUPLICATE KEY UPDATE
			owner_id = VALUES(owner_id),
			org_id = VALUES(org_id),
			acquired_at = VALUES(acquired_at),
			lease_expires_at = VALUES(lease_expires_at),
			heartbeat_at = VALUES(heartbeat_at),
			fencing_token = VALUES(fencing_token)`,
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
func (m *MySQLStore) Heartbeat(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := m.db.ExecContext(ctx,
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

// Release relinquishes the lease under the three-way match, preserving the
// fencing token watermark. A mismatch is a no-op.
func (m *MySQLStore) Release(ctx context.Context, lease *Lease) error {
	if err := m.guard(); err != nil {
		return err
	}

	_, err := m.db.ExecContext(ctx,
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
func (m *MySQLStore) GetLease(ctx context.Context, workflowID string) (*Lease, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	var (
		lease       Lease
		acquired    string
		expires     string
		heartbeatAt string
	)
	err := m.db.QueryRowContext(ctx,
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
func (m *MySQLStore) CheckCompleted(ctx context.Context, workflowID, stepID string) (*Completion, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return checkCompletedTx(ctx, tx, workflowID, stepID)
}

// AllocateAttempt inserts the next attempt for the step, or returns the
// existing completion without allocating.
func (m *MySQLStore) AllocateAttempt(ctx context.Context, workflowID, stepID string, fence Fence) (*Attempt, *Completion, error) {
	if err := m.guard(); err != nil {
		return nil, nil, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
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

	if err := mysqlCheckFenceTx(ctx, tx, workflowID, fence); err != nil {
		return nil, nil, err
	}

	var maxAttempt int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(attempt_id), 0) FROM step_attempts WHERE workflow_id = ? AND step_id = ? FOR UPDATE`,
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

func mysqlMarkCompletedTx(ctx context.Context, tx *sql.Tx, comp *Completion, fence Fence) error {
	if err := mysqlCheckFenceTx(ctx, tx, comp.WorkflowID, fence); err != nil {
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
		if isDuplicateKey(err, "PRIMARY") {
			return ErrAlreadyCompleted
		}
		return fmt.Errorf("failed to insert completion: %w", err)
	}
	return nil
}

// MarkCompleted inserts the completion row. The primary key on
// (workflow_id, step_id) enforces exactly-once commit.
func (m *MySQLStore) MarkCompleted(ctx context.Context, comp *Completion, fence Fence) error {
	if err := m.guard(); err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := mysqlMarkCompletedTx(ctx, tx, comp, fence); err != nil {
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
func (m *MySQLStore) CommitStep(ctx context.Context, ev *event.Event, comp *Completion, fence Fence) (int64, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := checkCompletedTx(ctx, tx, comp.WorkflowID, comp.StepID); err == nil {
		return 0, ErrAlreadyCompleted
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	seq, err := mysqlAppendTx(ctx, tx, ev, fence)
	if err != nil {
		return 0, err
	}
	if err := mysqlMarkCompletedTx(ctx, tx, comp, fence); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit step: %w", err)
	}
	return seq, nil
}

// Close closes the database connection. Calling Close multiple times is
// safe.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}
