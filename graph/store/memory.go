package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/langgraph-go/graph/emit"
)

// MemStore is an in-memory Saver, designed for tests and single-process
// runs. Data is lost on process exit; it is not suitable for durable or
// distributed deployments (use SQLiteSaver or MySQLSaver for those).
type MemStore struct {
	mu            sync.RWMutex
	checkpoints   map[string][]CheckpointTuple    // threadID -> checkpoints, oldest first
	writesByCP    map[string][]PendingWrite       // "threadID:checkpointID" -> writes
	writeIndex    map[string]string               // "threadID:checkpointID:taskID:channel" -> idempotency key on record
	pendingEvents []emit.Event
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		checkpoints: make(map[string][]CheckpointTuple),
		writesByCP:  make(map[string][]PendingWrite),
		writeIndex:  make(map[string]string),
	}
}

func cpKey(threadID, checkpointID string) string {
	return threadID + ":" + checkpointID
}

// PutCheckpoint persists tuple, replacing any prior tuple with the same
// CheckpointID (idempotent upsert).
func (m *MemStore) PutCheckpoint(_ context.Context, tuple CheckpointTuple) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.checkpoints[tuple.ThreadID]
	for i, existing := range list {
		if existing.CheckpointID == tuple.CheckpointID {
			list[i] = tuple
			return nil
		}
	}
	m.checkpoints[tuple.ThreadID] = append(list, tuple)
	return nil
}

// GetCheckpoint loads a checkpoint by id, or the latest one for
// threadID when checkpointID is empty.
func (m *MemStore) GetCheckpoint(_ context.Context, threadID, checkpointID string) (CheckpointTuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.checkpoints[threadID]
	if len(list) == 0 {
		return CheckpointTuple{}, ErrNotFound
	}
	if checkpointID == "" {
		return list[len(list)-1], nil
	}
	for _, cp := range list {
		if cp.CheckpointID == checkpointID {
			return cp, nil
		}
	}
	return CheckpointTuple{}, ErrNotFound
}

// ListCheckpoints returns every checkpoint for threadID, oldest first.
func (m *MemStore) ListCheckpoints(_ context.Context, threadID string) ([]CheckpointTuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.checkpoints[threadID]
	out := make([]CheckpointTuple, len(list))
	copy(out, list)
	return out, nil
}

// PutWrites persists writes against (threadID, checkpointID), enforcing
// at-most-once semantics per (task id, channel): a repeat write with an
// identical idempotency key is a no-op, a differing one is rejected.
func (m *MemStore) PutWrites(_ context.Context, threadID, checkpointID string, writes []PendingWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cpKey(threadID, checkpointID)
	for _, w := range writes {
		idxKey := fmt.Sprintf("%s:%s:%s", key, w.TaskID, w.Channel)
		if existing, ok := m.writeIndex[idxKey]; ok {
			if existing != w.IdempotencyKey {
				return ErrIdempotencyViolation
			}
			continue // already committed, identical value
		}
		m.writeIndex[idxKey] = w.IdempotencyKey
		m.writesByCP[key] = append(m.writesByCP[key], w)
	}
	return nil
}

// GetPendingWrites returns the writes recorded against checkpointID.
func (m *MemStore) GetPendingWrites(_ context.Context, threadID, checkpointID string) ([]PendingWrite, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.writesByCP[cpKey(threadID, checkpointID)]
	out := make([]PendingWrite, len(list))
	copy(out, list)
	return out, nil
}

// DeleteThread removes every checkpoint and write for threadID.
func (m *MemStore) DeleteThread(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.checkpoints, threadID)
	prefix := threadID + ":"
	for k := range m.writesByCP {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.writesByCP, k)
		}
	}
	for k := range m.writeIndex {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.writeIndex, k)
		}
	}
	return nil
}

// PendingEvents returns up to limit events from the transactional
// outbox, oldest first.
func (m *MemStore) PendingEvents(_ context.Context, limit int) ([]emit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := len(m.pendingEvents)
	if limit > 0 && limit < count {
		count = limit
	}
	out := make([]emit.Event, count)
	copy(out, m.pendingEvents[:count])
	return out, nil
}

// PushEvent appends an event to the outbox; called by the engine
// alongside PutCheckpoint within the same logical commit.
func (m *MemStore) PushEvent(_ context.Context, e emit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingEvents = append(m.pendingEvents, e)
	return nil
}

// MarkEventsEmitted removes the named events from the outbox.
func (m *MemStore) MarkEventsEmitted(_ context.Context, eventIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(eventIDs) == 0 {
		return nil
	}
	remove := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		remove[id] = true
	}
	filtered := m.pendingEvents[:0:0]
	for _, e := range m.pendingEvents {
		id, _ := e.Meta["event_id"].(string)
		if !remove[id] {
			filtered = append(filtered, e)
		}
	}
	m.pendingEvents = filtered
	return nil
}

var _ Saver = (*MemStore)(nil)

// sortedThreadIDs returns every thread id with at least one checkpoint,
// used by debug tooling and tests that enumerate store contents.
func (m *MemStore) sortedThreadIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.checkpoints))
	for id := range m.checkpoints {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
