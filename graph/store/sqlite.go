package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/langgraph-go/graph/emit"
	_ "modernc.org/sqlite"
)

// SQLiteSaver is a SQLite-backed Saver.
//
// It stores checkpoint tuples and pending writes in a single-file
// database. Designed for:
//   - Development and testing with zero setup
//   - Single-process workflows
//   - Local workflows requiring persistence across restarts
//
// SQLiteSaver uses WAL mode for concurrent reads and transactional
// writes for the at-most-once write guarantee.
//
// Schema:
//   - checkpoints: one row per (thread_id, checkpoint_id)
//   - pending_writes: one row per (thread_id, checkpoint_id, task_id, channel)
//   - events_outbox: transactional event delivery
type SQLiteSaver struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteSaver opens (creating if necessary) a SQLite-backed Saver at path.
// ":memory:" opens an in-memory database that is lost on Close.
func NewSQLiteSaver(path string) (*SQLiteSaver, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteSaver{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteSaver) createTables(ctx context.Context) error {
	checkpointsTable := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT NOT NULL DEFAULT '',
			schema_version INTEGER NOT NULL,
			step_id INTEGER NOT NULL,
			channel_values TEXT NOT NULL,
			channel_versions TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			timestamp TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (thread_id, checkpoint_id)
		)
	`
	if _, err := s.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, created_at)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_thread: %w", err)
	}

	writesTable := `
		CREATE TABLE IF NOT EXISTS pending_writes (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			task_path TEXT NOT NULL,
			channel TEXT NOT NULL,
			value TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id, task_id, channel)
		)
	`
	if _, err := s.db.ExecContext(ctx, writesTable); err != nil {
		return fmt.Errorf("failed to create pending_writes table: %w", err)
	}

	eventsOutboxTable := `
		CREATE TABLE IF NOT EXISTS events_outbox (
			id TEXT NOT NULL PRIMARY KEY,
			run_id TEXT NOT NULL,
			event_data TEXT NOT NULL,
			emitted_at TIMESTAMP NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, eventsOutboxTable); err != nil {
		return fmt.Errorf("failed to create events_outbox table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_events_pending ON events_outbox(emitted_at, created_at)"); err != nil {
		return fmt.Errorf("failed to create idx_events_pending: %w", err)
	}

	return nil
}

// PutCheckpoint persists tuple, replacing any prior row with the same
// (ThreadID, CheckpointID).
func (s *SQLiteSaver) PutCheckpoint(ctx context.Context, tuple CheckpointTuple) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	valuesJSON, err := json.Marshal(tuple.ChannelValues)
	if err != nil {
		return fmt.Errorf("failed to marshal channel values: %w", err)
	}
	versionsJSON, err := json.Marshal(tuple.ChannelVersions)
	if err != nil {
		return fmt.Errorf("failed to marshal channel versions: %w", err)
	}
	metadataJSON, err := json.Marshal(tuple.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO checkpoints
			(thread_id, checkpoint_id, parent_checkpoint_id, schema_version, step_id, channel_values, channel_versions, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_id) DO UPDATE SET
			parent_checkpoint_id = excluded.parent_checkpoint_id,
			schema_version = excluded.schema_version,
			step_id = excluded.step_id,
			channel_values = excluded.channel_values,
			channel_versions = excluded.channel_versions,
			metadata = excluded.metadata,
			timestamp = excluded.timestamp
	`
	_, err = s.db.ExecContext(ctx, query,
		tuple.ThreadID, tuple.CheckpointID, tuple.ParentCheckpointID, tuple.SchemaVersion, tuple.StepID,
		string(valuesJSON), string(versionsJSON), string(metadataJSON), tuple.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func scanCheckpointRow(scan func(dest ...interface{}) error) (CheckpointTuple, error) {
	var (
		tuple        CheckpointTuple
		valuesJSON   string
		versionsJSON string
		metadataJSON string
		timestampStr string
	)
	if err := scan(&tuple.ThreadID, &tuple.CheckpointID, &tuple.ParentCheckpointID, &tuple.SchemaVersion,
		&tuple.StepID, &valuesJSON, &versionsJSON, &metadataJSON, &timestampStr); err != nil {
		return CheckpointTuple{}, err
	}

	if err := json.Unmarshal([]byte(valuesJSON), &tuple.ChannelValues); err != nil {
		return CheckpointTuple{}, fmt.Errorf("failed to unmarshal channel values: %w", err)
	}
	if err := json.Unmarshal([]byte(versionsJSON), &tuple.ChannelVersions); err != nil {
		return CheckpointTuple{}, fmt.Errorf("failed to unmarshal channel versions: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &tuple.Metadata); err != nil {
		return CheckpointTuple{}, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, timestampStr)
	if err != nil {
		return CheckpointTuple{}, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	tuple.Timestamp = ts
	return tuple, nil
}

const checkpointColumns = `thread_id, checkpoint_id, parent_checkpoint_id, schema_version, step_id, channel_values, channel_versions, metadata, timestamp`

// GetCheckpoint loads a checkpoint by id, or the latest one for threadID
// when checkpointID is empty.
func (s *SQLiteSaver) GetCheckpoint(ctx context.Context, threadID, checkpointID string) (CheckpointTuple, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return CheckpointTuple{}, fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	var row *sql.Row
	if checkpointID == "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+checkpointColumns+`
			FROM checkpoints
			WHERE thread_id = ?
			ORDER BY created_at DESC
			LIMIT 1
		`, threadID)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+checkpointColumns+`
			FROM checkpoints
			WHERE thread_id = ? AND checkpoint_id = ?
		`, threadID, checkpointID)
	}

	tuple, err := scanCheckpointRow(row.Scan)
	if err == sql.ErrNoRows {
		return CheckpointTuple{}, ErrNotFound
	}
	if err != nil {
		return CheckpointTuple{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	writes, err := s.GetPendingWrites(ctx, threadID, tuple.CheckpointID)
	if err != nil {
		return CheckpointTuple{}, err
	}
	tuple.PendingWrites = writes
	return tuple, nil
}

// ListCheckpoints returns every checkpoint for threadID, oldest first.
func (s *SQLiteSaver) ListCheckpoints(ctx context.Context, threadID string) ([]CheckpointTuple, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+checkpointColumns+`
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY created_at ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CheckpointTuple
	for rows.Next() {
		tuple, err := scanCheckpointRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		out = append(out, tuple)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return out, nil
}

// PutWrites persists writes against (threadID, checkpointID) inside a
// transaction, enforcing at-most-once semantics per (task id, channel):
// a repeat write with an identical idempotency key is a no-op, a
// differing one rolls back and returns ErrIdempotencyViolation.
func (s *SQLiteSaver) PutWrites(ctx context.Context, threadID, checkpointID string, writes []PendingWrite) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	if len(writes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, w := range writes {
		var existingKey string
		err := tx.QueryRowContext(ctx, `
			SELECT idempotency_key FROM pending_writes
			WHERE thread_id = ? AND checkpoint_id = ? AND task_id = ? AND channel = ?
		`, threadID, checkpointID, w.TaskID, w.Channel).Scan(&existingKey)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to check existing write: %w", err)
		}
		if err == nil {
			if existingKey != w.IdempotencyKey {
				return ErrIdempotencyViolation
			}
			continue
		}

		valueJSON, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("failed to marshal write value: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pending_writes (thread_id, checkpoint_id, task_id, task_path, channel, value, idempotency_key)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, threadID, checkpointID, w.TaskID, w.TaskPath, w.Channel, string(valueJSON), w.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("failed to insert write: %w", err)
		}
	}

	return tx.Commit()
}

// GetPendingWrites returns the writes recorded against checkpointID.
func (s *SQLiteSaver) GetPendingWrites(ctx context.Context, threadID, checkpointID string) ([]PendingWrite, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, task_path, channel, value, idempotency_key
		FROM pending_writes
		WHERE thread_id = ? AND checkpoint_id = ?
	`, threadID, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending writes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PendingWrite
	for rows.Next() {
		var w PendingWrite
		var valueJSON string
		if err := rows.Scan(&w.TaskID, &w.TaskPath, &w.Channel, &valueJSON, &w.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("failed to scan write row: %w", err)
		}
		if err := json.Unmarshal([]byte(valueJSON), &w.Value); err != nil {
			return nil, fmt.Errorf("failed to unmarshal write value: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating write rows: %w", err)
	}
	return out, nil
}

// DeleteThread removes every checkpoint and pending write for threadID.
func (s *SQLiteSaver) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_writes WHERE thread_id = ?", threadID); err != nil {
		return fmt.Errorf("failed to delete pending writes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM checkpoints WHERE thread_id = ?", threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return tx.Commit()
}

// PendingEvents retrieves events from the outbox that haven't been
// emitted yet, ordered by created_at.
func (s *SQLiteSaver) PendingEvents(ctx context.Context, limit int) ([]emit.Event, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	query := `
		SELECT id, run_id, event_data
		FROM events_outbox
		WHERE emitted_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []emit.Event
	for rows.Next() {
		var id, runID, eventJSON string
		if err := rows.Scan(&id, &runID, &eventJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		var event emit.Event
		if err := json.Unmarshal([]byte(eventJSON), &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// PushEvent appends an event to the outbox; called by the engine
// alongside PutCheckpoint within the same logical commit.
func (s *SQLiteSaver) PushEvent(ctx context.Context, e emit.Event) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	id, _ := e.Meta["event_id"].(string)
	if id == "" {
		return fmt.Errorf("event missing event_id in Meta")
	}
	eventJSON, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events_outbox (id, run_id, event_data) VALUES (?, ?, ?)
	`, id, e.RunID, string(eventJSON))
	if err != nil {
		return fmt.Errorf("failed to push event: %w", err)
	}
	return nil
}

// MarkEventsEmitted marks events as successfully emitted to prevent
// re-delivery.
func (s *SQLiteSaver) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	if len(eventIDs) == 0 {
		return nil
	}

	placeholders := ""
	args := make([]interface{}, len(eventIDs))
	for i, id := range eventIDs {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args[i] = id
	}

	// #nosec G201 -- placeholders are "?" marks for a parameterized query, not user input
	query := fmt.Sprintf(`
		UPDATE events_outbox
		SET emitted_at = CURRENT_TIMESTAMP
		WHERE id IN (%s)
	`, placeholders)

	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark events as emitted: %w", err)
	}
	return nil
}

// Close closes the database connection. Calling Close multiple times
// is safe.
func (s *SQLiteSaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteSaver) Ping(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteSaver) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

var _ Saver = (*SQLiteSaver)(nil)
