package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/waveflow/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/waveflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Snapshots ---

func (s *LibSQLStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap.Key == "" {
		return schema.NewError(schema.ErrCodeValidation, "snapshot has empty storage key")
	}
	snap.UpdatedAt = timeOrNow(snap.UpdatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (storage_key, workflow_id, name, status, state, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(storage_key) DO UPDATE SET
		   workflow_id=excluded.workflow_id, name=excluded.name, status=excluded.status,
		   state=excluded.state, updated_at=excluded.updated_at`,
		snap.Key, snap.WorkflowID, snap.Name, string(snap.Status), string(snap.State), snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.Key, err)
	}
	return nil
}

func (s *LibSQLStore) LoadSnapshot(ctx context.Context, key string) (*Snapshot, error) {
	snap := &Snapshot{}
	var status, state string
	err := s.db.QueryRowContext(ctx,
		`SELECT storage_key, workflow_id, name, status, state, updated_at FROM snapshots WHERE storage_key = ?`, key,
	).Scan(&snap.Key, &snap.WorkflowID, &snap.Name, &status, &state, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("snapshot", key)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	snap.Status = schema.WorkflowStatus(status)
	snap.State = json.RawMessage(state)
	return snap, nil
}

func (s *LibSQLStore) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*Snapshot, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	query := `SELECT storage_key, workflow_id, name, status, state, updated_at FROM snapshots`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		snap := &Snapshot{}
		var status, state string
		if err := rows.Scan(&snap.Key, &snap.WorkflowID, &snap.Name, &status, &state, &snap.UpdatedAt); err != nil {
			return nil, err
		}
		snap.Status = schema.WorkflowStatus(status)
		snap.State = json.RawMessage(state)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *LibSQLStore) DeleteSnapshot(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE storage_key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "snapshot", key)
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-workflow
// sequence number.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, step_id, event_type, status, attempt, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.StepID), event.Type, nullStr(event.Status), event.Attempt,
		nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// ListEvents returns events for a workflow with sequence > since, in order.
func (s *LibSQLStore) ListEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, step_id, event_type, status, attempt, payload, timestamp, sequence
		 FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, status, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &stepID, &e.Type, &status, &e.Attempt, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Status = status.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Step State ---

func (s *LibSQLStore) UpsertStepState(ctx context.Context, state *StepState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_state (workflow_id, step_id, status, attempts, error, output, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id, step_id) DO UPDATE SET
		   status=excluded.status, attempts=excluded.attempts, error=excluded.error, output=excluded.output,
		   started_at=excluded.started_at, completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		state.WorkflowID, state.StepID, string(state.Status), state.Attempts,
		nullStr(state.Error), nullRaw(state.Output),
		nullTime(state.StartedAt), nullTime(state.CompletedAt), state.DurationMs,
	)
	return err
}

func (s *LibSQLStore) ListStepStates(ctx context.Context, workflowID string) ([]*StepState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, step_id, status, attempts, error, output, started_at, completed_at, duration_ms
		 FROM step_state WHERE workflow_id = ? ORDER BY step_id`, workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*StepState
	for rows.Next() {
		ss := &StepState{}
		var status string
		var errMsg, output sql.NullString
		var startedAt, completedAt sql.NullTime
		var duration sql.NullInt64
		if err := rows.Scan(&ss.WorkflowID, &ss.StepID, &status, &ss.Attempts, &errMsg, &output,
			&startedAt, &completedAt, &duration); err != nil {
			return nil, err
		}
		ss.Status = schema.StepStatus(status)
		ss.Error = errMsg.String
		ss.Output = rawOrNil(output)
		if startedAt.Valid {
			ss.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			ss.CompletedAt = &completedAt.Time
		}
		ss.DurationMs = duration.Int64
		states = append(states, ss)
	}
	return states, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
