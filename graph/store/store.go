// Package store provides checkpoint persistence for the graph engine:
// an at-most-once-write checkpoint tuple contract, with in-memory,
// SQLite, and MySQL backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/langgraph-go/graph/emit"
)

// ErrNotFound is returned when a requested thread or checkpoint does
// not exist.
var ErrNotFound = errors.New("not found")

// ErrIdempotencyViolation is returned by PutWrites when a write for an
// already-committed (checkpoint, task, channel) triple arrives with a
// different idempotency key than the one on record (spec §4.2 at-most-once).
var ErrIdempotencyViolation = errors.New("idempotency violation: conflicting write for already-committed task")

// PendingWrite is one task's write to one channel, persisted alongside
// its checkpoint so a crash between merge and checkpoint-commit can be
// replayed without re-running the task (spec §9, Open Question 1's
// resolved schema). Values are stored as interface{} rather than the
// graph package's Value alias to avoid an import cycle (graph imports
// store); the two are the same JSON-shaped domain.
type PendingWrite struct {
	TaskID         string      `json:"task_id"`
	TaskPath       string      `json:"task_path"`
	Channel        string      `json:"channel"`
	Value          interface{} `json:"value"`
	IdempotencyKey string      `json:"idempotency_key"`
}

// CheckpointTuple is the durable unit of the checkpoint store: every
// field spec §4.2 and SPEC_FULL §6 name (schema version, thread id,
// checkpoint id, parent id, step number, channel values, channel
// versions, pending writes, metadata).
type CheckpointTuple struct {
	SchemaVersion      int                    `json:"schema_version"`
	ThreadID           string                 `json:"thread_id"`
	CheckpointID       string                 `json:"checkpoint_id"`
	ParentCheckpointID string                 `json:"parent_checkpoint_id,omitempty"`
	StepID             int                    `json:"step_id"`
	ChannelValues      map[string]interface{} `json:"channel_values"`
	ChannelVersions    map[string]uint64      `json:"channel_versions"`
	PendingWrites      []PendingWrite         `json:"pending_writes"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	Timestamp          time.Time              `json:"timestamp"`
}

// CurrentSchemaVersion is stamped onto every CheckpointTuple a Saver
// writes, so a future migration can distinguish tuple layouts.
const CurrentSchemaVersion = 1

// Saver is the checkpoint store contract (spec §4.2). Implementations:
// MemStore (tests), SQLiteSaver, MySQLSaver.
type Saver interface {
	// PutCheckpoint persists tuple. Implementations must be safe to call
	// twice with the same CheckpointID (idempotent upsert), since a crash
	// between commit and the caller observing success must not corrupt
	// the store on retry.
	PutCheckpoint(ctx context.Context, tuple CheckpointTuple) error

	// GetCheckpoint loads one checkpoint by id. An empty checkpointID
	// loads the most recent checkpoint for threadID.
	GetCheckpoint(ctx context.Context, threadID, checkpointID string) (CheckpointTuple, error)

	// ListCheckpoints returns every checkpoint for threadID, oldest
	// first, supporting GetHistory/time-travel.
	ListCheckpoints(ctx context.Context, threadID string) ([]CheckpointTuple, error)

	// PutWrites persists a batch of pending writes against checkpointID.
	// A write for a (checkpointID, TaskID, Channel) already on record
	// with an identical idempotency key is a silent no-op; a differing key
	// returns ErrIdempotencyViolation. This is the at-most-once-write
	// guarantee spec §4.2 requires.
	PutWrites(ctx context.Context, threadID, checkpointID string, writes []PendingWrite) error

	// GetPendingWrites returns the writes recorded against checkpointID,
	// used to resume a step that committed writes but crashed before
	// the next checkpoint was taken.
	GetPendingWrites(ctx context.Context, threadID, checkpointID string) ([]PendingWrite, error)

	// DeleteThread removes every checkpoint and pending write for
	// threadID.
	DeleteThread(ctx context.Context, threadID string) error

	// PendingEvents retrieves events from the transactional outbox that
	// haven't been emitted yet, oldest first (spec §4.8 exactly-once
	// event delivery).
	PendingEvents(ctx context.Context, limit int) ([]emit.Event, error)

	// MarkEventsEmitted marks events as delivered so PendingEvents won't
	// return them again.
	MarkEventsEmitted(ctx context.Context, eventIDs []string) error
}
