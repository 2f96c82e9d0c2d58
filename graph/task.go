package graph

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
)

// Task is one planned unit of work for a superstep: run Node at Path
// against the given snapshot. Path is the stable, replay-invariant
// identity of a task (spec §4.6): derived from the parent task's path
// plus an edge index (static routing) or a Send ordinal (dynamic
// fan-out), never from a random id or a counter that depends on
// scheduling order.
type Task struct {
	StepID       int
	Path         string
	NodeID       string
	OrderKey     uint64
	Attempt      int
	ParentPath   string
	EdgeIndex    int
	SendArgument Value // set when this task originated from a Send
}

// TaskWrite is one channel write produced by a task, tagged with enough
// provenance for State.Apply's deterministic merge order and for a
// ConflictError to name the contributing paths.
type TaskWrite struct {
	TaskID   string
	TaskPath string
	Channel  string
	Value    Value
}

// childPath derives a task's path from its parent's path and a
// disambiguating edge index, the same way across any replay of the same
// run (spec §4.6). Root tasks use parentPath == EntryChannel.
func childPath(parentPath string, edgeIndex int) string {
	h := sha256.New()
	h.Write([]byte(parentPath))
	idx := make([]byte, 4)
	binary.BigEndian.PutUint32(idx, uint32(edgeIndex))
	h.Write(idx)
	return hex.EncodeToString(h.Sum(nil))[:24]
}

// computeOrderKey derives the deterministic frontier ordering key for a
// task from its parent path and edge index.
func computeOrderKey(parentPath string, edgeIndex int) uint64 {
	h := sha256.New()
	h.Write([]byte(parentPath))
	idx := make([]byte, 4)
	binary.BigEndian.PutUint32(idx, uint32(edgeIndex))
	h.Write(idx)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// NewRootTask builds the synthetic first task of a run, entering at
// nodeID from the entry channel.
func NewRootTask(stepID int, nodeID string) Task {
	path := childPath(EntryChannel, 0)
	return Task{
		StepID:     stepID,
		Path:       path,
		NodeID:     nodeID,
		OrderKey:   computeOrderKey(EntryChannel, 0),
		ParentPath: EntryChannel,
		EdgeIndex:  0,
	}
}

// NewChildTask builds a task reached via static edge evaluation from a
// parent task.
func NewChildTask(stepID int, parent Task, edgeIndex int, nodeID string) Task {
	path := childPath(parent.Path, edgeIndex)
	return Task{
		StepID:     stepID,
		Path:       path,
		NodeID:     nodeID,
		OrderKey:   computeOrderKey(parent.Path, edgeIndex),
		ParentPath: parent.Path,
		EdgeIndex:  edgeIndex,
	}
}

// NewSendTask builds a task dynamically dispatched by a Command's Sends
// list. sendOrdinal disambiguates multiple Sends from the same parent
// task so each gets a distinct, replay-stable path.
func NewSendTask(stepID int, parent Task, sendOrdinal int, send Send) Task {
	edgeIndex := -(sendOrdinal + 1) // negative range never collides with static edge indices
	path := childPath(parent.Path, edgeIndex)
	return Task{
		StepID:       stepID,
		Path:         path,
		NodeID:       send.TargetNode,
		OrderKey:     computeOrderKey(parent.Path, edgeIndex),
		ParentPath:   parent.Path,
		EdgeIndex:    edgeIndex,
		SendArgument: send.Argument,
	}
}

// idempotencyKey computes the at-most-once write key for one task's
// writes within a step (spec §9 Open Question 1): a function of the
// checkpoint's parent id, the task's path, and its sorted writes, so a
// retried or replayed task that produces the same writes is a provable
// no-op against a store that has already committed them.
func idempotencyKey(parentCheckpointID string, task Task, writes Writes) (string, error) {
	h := sha256.New()
	h.Write([]byte(parentCheckpointID))
	h.Write([]byte(task.Path))

	names := make([]string, 0, len(writes))
	for name := range writes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte(name))
		b, err := ToJSON(writes[name])
		if err != nil {
			return "", err
		}
		h.Write(b)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
