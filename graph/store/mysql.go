package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/langgraph-go/graph/emit"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLSaver is a MySQL/MariaDB-backed Saver.
//
// It stores checkpoint tuples and pending writes in a relational
// database. Designed for:
//   - Production workflows requiring persistence
//   - Distributed systems with multiple workers
//   - Long-running workflows that survive process restarts
//   - Audit trails and compliance requirements
//
// Schema:
//   - checkpoints: one row per (thread_id, checkpoint_id)
//   - pending_writes: one row per (thread_id, checkpoint_id, task_id, channel)
//   - events_outbox: transactional event delivery
type MySQLSaver struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLSaver creates a new MySQL-backed Saver.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/langgraph
//	user:password@tcp(127.0.0.1:3306)/langgraph?parseTime=true
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Use environment variables:
//	    dsn := os.Getenv("MYSQL_DSN")
//	    store, err := NewMySQLSaver(dsn)
func NewMySQLSaver(dsn string) (*MySQLSaver, error) {
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

	s := &MySQLSaver{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLSaver) createTables(ctx context.Context) error {
	checkpointsTable := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id VARCHAR(255) NOT NULL,
			checkpoint_id VARCHAR(255) NOT NULL,
			parent_checkpoint_id VARCHAR(255) NOT NULL DEFAULT '',
			schema_version INT NOT NULL,
			step_id INT NOT NULL,
			channel_values JSON NOT NULL,
			channel_versions JSON NOT NULL,
			metadata JSON NOT NULL,
			timestamp TIMESTAMP(6) NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (thread_id, checkpoint_id),
			INDEX idx_checkpoints_thread (thread_id, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}

	writesTable := `
		CREATE TABLE IF NOT EXISTS pending_writes (
			thread_id VARCHAR(255) NOT NULL,
			checkpoint_id VARCHAR(255) NOT NULL,
			task_id VARCHAR(255) NOT NULL,
			task_path VARCHAR(512) NOT NULL,
			channel VARCHAR(255) NOT NULL,
			value JSON NOT NULL,
			idempotency_key VARCHAR(255) NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id, task_id, channel)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, writesTable); err != nil {
		return fmt.Errorf("failed to create pending_writes table: %w", err)
	}

	eventsOutboxTable := `
		CREATE TABLE IF NOT EXISTS events_outbox (
			id VARCHAR(255) NOT NULL PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			event_data JSON NOT NULL,
			emitted_at TIMESTAMP NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_events_pending (emitted_at, created_at),
			INDEX idx_events_run_id (run_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, eventsOutboxTable); err != nil {
		return fmt.Errorf("failed to create events_outbox table: %w", err)
	}

	return nil
}

// PutCheckpoint persists tuple, replacing any prior row with the same
// (ThreadID, CheckpointID).
func (m *MySQLSaver) PutCheckpoint(ctx context.Context, tuple CheckpointTuple) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

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
		ON DUPLICATE KEY UPDATE
			parent_checkpoint_id = VALUES(parent_checkpoint_id),
			schema_version = VALUES(schema_version),
			step_id = VALUES(step_id),
			channel_values = VALUES(channel_values),
			channel_versions = VALUES(channel_versions),
			metadata = VALUES(metadata),
			timestamp = VALUES(timestamp)
	`
	_, err = m.db.ExecContext(ctx, query,
		tuple.ThreadID, tuple.CheckpointID, tuple.ParentCheckpointID, tuple.SchemaVersion, tuple.StepID,
		valuesJSON, versionsJSON, metadataJSON, tuple.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

const mysqlCheckpointColumns = `thread_id, checkpoint_id, parent_checkpoint_id, schema_version, step_id, channel_values, channel_versions, metadata, timestamp`

func scanMySQLCheckpointRow(scan func(dest ...interface{}) error) (CheckpointTuple, error) {
	var (
		tuple        CheckpointTuple
		valuesJSON   []byte
		versionsJSON []byte
		metadataJSON []byte
	)
	if err := scan(&tuple.ThreadID, &tuple.CheckpointID, &tuple.ParentCheckpointID, &tuple.SchemaVersion,
		&tuple.StepID, &valuesJSON, &versionsJSON, &metadataJSON, &tuple.Timestamp); err != nil {
		return CheckpointTuple{}, err
	}
	if err := json.Unmarshal(valuesJSON, &tuple.ChannelValues); err != nil {
		return CheckpointTuple{}, fmt.Errorf("failed to unmarshal channel values: %w", err)
	}
	if err := json.Unmarshal(versionsJSON, &tuple.ChannelVersions); err != nil {
		return CheckpointTuple{}, fmt.Errorf("failed to unmarshal channel versions: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, &tuple.Metadata); err != nil {
		return CheckpointTuple{}, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return tuple, nil
}

// GetCheckpoint loads a checkpoint by id, or the latest one for threadID
// when checkpointID is empty.
func (m *MySQLSaver) GetCheckpoint(ctx context.Context, threadID, checkpointID string) (CheckpointTuple, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return CheckpointTuple{}, fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

	var row *sql.Row
	if checkpointID == "" {
		row = m.db.QueryRowContext(ctx, `
			SELECT `+mysqlCheckpointColumns+`
			FROM checkpoints
			WHERE thread_id = ?
			ORDER BY created_at DESC
			LIMIT 1
		`, threadID)
	} else {
		row = m.db.QueryRowContext(ctx, `
			SELECT `+mysqlCheckpointColumns+`
			FROM checkpoints
			WHERE thread_id = ? AND checkpoint_id = ?
		`, threadID, checkpointID)
	}

	tuple, err := scanMySQLCheckpointRow(row.Scan)
	if err == sql.ErrNoRows {
		return CheckpointTuple{}, ErrNotFound
	}
	if err != nil {
		return CheckpointTuple{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	writes, err := m.GetPendingWrites(ctx, threadID, tuple.CheckpointID)
	if err != nil {
		return CheckpointTuple{}, err
	}
	tuple.PendingWrites = writes
	return tuple, nil
}

// ListCheckpoints returns every checkpoint for threadID, oldest first.
func (m *MySQLSaver) ListCheckpoints(ctx context.Context, threadID string) ([]CheckpointTuple, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

	rows, err := m.db.QueryContext(ctx, `
		SELECT `+mysqlCheckpointColumns+`
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
		tuple, err := scanMySQLCheckpointRow(rows.Scan)
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
// transaction, enforcing at-most-once semantics per (task id, channel).
func (m *MySQLSaver) PutWrites(ctx context.Context, threadID, checkpointID string, writes []PendingWrite) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

	if len(writes) == 0 {
		return nil
	}

	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
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
		`, threadID, checkpointID, w.TaskID, w.TaskPath, w.Channel, valueJSON, w.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("failed to insert write: %w", err)
		}
	}

	return tx.Commit()
}

// GetPendingWrites returns the writes recorded against checkpointID.
func (m *MySQLSaver) GetPendingWrites(ctx context.Context, threadID, checkpointID string) ([]PendingWrite, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

	rows, err := m.db.QueryContext(ctx, `
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
		var valueJSON []byte
		if err := rows.Scan(&w.TaskID, &w.TaskPath, &w.Channel, &valueJSON, &w.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("failed to scan write row: %w", err)
		}
		if err := json.Unmarshal(valueJSON, &w.Value); err != nil {
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
func (m *MySQLSaver) DeleteThread(ctx context.Context, threadID string) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
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
func (m *MySQLSaver) PendingEvents(ctx context.Context, limit int) ([]emit.Event, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

	query := `
		SELECT id, run_id, event_data
		FROM events_outbox
		WHERE emitted_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?
	`
	rows, err := m.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []emit.Event
	for rows.Next() {
		var id, runID string
		var eventJSON []byte
		if err := rows.Scan(&id, &runID, &eventJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		var event emit.Event
		if err := json.Unmarshal(eventJSON, &event); err != nil {
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
func (m *MySQLSaver) PushEvent(ctx context.Context, e emit.Event) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

	id, _ := e.Meta["event_id"].(string)
	if id == "" {
		return fmt.Errorf("event missing event_id in Meta")
	}
	eventJSON, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO events_outbox (id, run_id, event_data) VALUES (?, ?, ?)
	`, id, e.RunID, eventJSON)
	if err != nil {
		return fmt.Errorf("failed to push event: %w", err)
	}
	return nil
}

// MarkEventsEmitted marks events as successfully emitted to prevent
// re-delivery.
func (m *MySQLSaver) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

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
		SET emitted_at = NOW()
		WHERE id IN (%s)
	`, placeholders)

	_, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark events as emitted: %w", err)
	}
	return nil
}

// Close closes the database connection pool. Calling Close multiple
// times is safe.
func (m *MySQLSaver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLSaver) Ping(ctx context.Context) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()
	return m.db.PingContext(ctx)
}

// Stats returns database connection pool statistics.
func (m *MySQLSaver) Stats() sql.DBStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db.Stats()
}

// WithTransaction executes fn within a database transaction, rolling
// back on error and committing otherwise.
func (m *MySQLSaver) WithTransaction(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %w, rollback error: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

var _ Saver = (*MySQLSaver)(nil)
