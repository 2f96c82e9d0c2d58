package graph

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// InterruptRequest is returned by a node to pause the run and surface a
// value to the caller, who must eventually call Engine.Resume with a
// value for the matching sentinel id (spec §4.7).
type InterruptRequest struct {
	// Payload is surfaced to the caller of Stream/Invoke as the
	// interrupt's value (e.g. a question to ask a human).
	Payload Value
}

// NewInterrupt builds an InterruptRequest carrying payload.
func NewInterrupt(payload Value) *InterruptRequest {
	return &InterruptRequest{Payload: payload}
}

// Interrupt is a pending or resolved pause point recorded in checkpoint
// metadata. SentinelID is stable across replay because it is derived
// only from the task's path and its ordinal among interrupts raised by
// that task, never from wall-clock time or a random id (spec §4.7:
// "deterministic sentinel ids stable across replay").
type Interrupt struct {
	SentinelID  string
	TaskPath    string
	NodeID      string
	Ordinal     int
	Payload     Value
	Resumed     bool
	ResumeValue Value
}

// sentinelID derives the deterministic id for the ordinal-th interrupt
// raised by the task at path. Two replays of the same run raise
// interrupts from the same (path, ordinal) pairs in the same order, so
// the ids line up without needing to persist anything but the pair
// itself.
func sentinelID(taskPath string, ordinal int) string {
	h := sha256.New()
	h.Write([]byte(taskPath))
	ordBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(ordBytes, uint64(ordinal))
	h.Write(ordBytes)
	return "intr_" + hex.EncodeToString(h.Sum(nil))[:16]
}

// InterruptRegistry tracks interrupts raised and resumed within a
// thread. It is persisted as part of checkpoint metadata (spec §6
// "pending_writes" sibling data) so that Resume can look up a pending
// interrupt by the caller-supplied sentinel id or, if the caller omits
// it, by "the single currently-pending interrupt".
type InterruptRegistry struct {
	byTaskPath map[string]int // next ordinal to assign per task path
	pending    map[string]*Interrupt
	resolved   map[string]*Interrupt
}

// NewInterruptRegistry returns an empty registry.
func NewInterruptRegistry() *InterruptRegistry {
	return &InterruptRegistry{
		byTaskPath: make(map[string]int),
		pending:    make(map[string]*Interrupt),
		resolved:   make(map[string]*Interrupt),
	}
}

// Raise records a new interrupt for taskPath and returns it, assigning
// the next ordinal for that path. nodeID is stashed so a resume after a
// process restart knows which node to re-dispatch.
func (r *InterruptRegistry) Raise(taskPath, nodeID string, payload Value) *Interrupt {
	ord := r.byTaskPath[taskPath]
	r.byTaskPath[taskPath] = ord + 1
	it := &Interrupt{
		SentinelID: sentinelID(taskPath, ord),
		TaskPath:   taskPath,
		NodeID:     nodeID,
		Ordinal:    ord,
		Payload:    payload,
	}
	r.pending[it.SentinelID] = it
	return it
}

// Pending returns every currently unresolved interrupt, ordered by
// insertion is not guaranteed; callers needing order should sort by
// TaskPath/Ordinal.
func (r *InterruptRegistry) Pending() []*Interrupt {
	out := make([]*Interrupt, 0, len(r.pending))
	for _, it := range r.pending {
		out = append(out, it)
	}
	return out
}

// Resume marks the interrupt named by sentinelID resolved with value,
// moving it out of the pending set. An empty sentinelID resumes the
// single pending interrupt if there is exactly one, and errors
// otherwise (spec §4.7 edge case: "ambiguous resume target").
func (r *InterruptRegistry) Resume(sentinelID string, value Value) (*Interrupt, error) {
	if sentinelID == "" {
		if len(r.pending) != 1 {
			return nil, &EngineError{Kind: ErrResumeMismatch, Message: fmt.Sprintf("ambiguous resume: %d interrupts pending, sentinel id required", len(r.pending))}
		}
		for k := range r.pending {
			sentinelID = k
		}
	}
	it, ok := r.pending[sentinelID]
	if !ok {
		return nil, &EngineError{Kind: ErrResumeMismatch, Message: "no pending interrupt with sentinel id " + sentinelID}
	}
	it.Resumed = true
	it.ResumeValue = value
	delete(r.pending, sentinelID)
	r.resolved[sentinelID] = it
	return it, nil
}

// CheckOrRaise is the synchronous gate a node's interrupt call site uses
// (spec §9 "coroutine node control flow": model interrupts as an
// explicit return variant, not a thrown exception). It looks up whether
// the ordinal-th interrupt at taskPath has already been resumed,
// returning that value; otherwise it raises a new pending interrupt at
// the same (path, ordinal) and reports false, telling the node to
// return a paused Result instead of continuing.
func (r *InterruptRegistry) CheckOrRaise(taskPath, nodeID string, payload Value) (value Value, resumed bool) {
	ord := r.byTaskPath[taskPath]
	sid := sentinelID(taskPath, ord)
	if it, ok := r.resolved[sid]; ok {
		r.byTaskPath[taskPath] = ord + 1
		return it.ResumeValue, true
	}
	r.Raise(taskPath, nodeID, payload)
	return nil, false
}

// ResetTaskPath rewinds taskPath's interrupt ordinal to zero so a
// re-execution (retry or resume) replays the same call sequence from the
// start: already-resolved interrupts return their recorded value again,
// in order, until the first still-pending one is reached.
func (r *InterruptRegistry) ResetTaskPath(taskPath string) {
	r.byTaskPath[taskPath] = 0
}

// Lookup returns a previously raised interrupt (pending or resolved) by
// sentinel id, used during replay to decide whether a task that would
// raise the same interrupt again should instead short-circuit with its
// already-recorded resume value.
func (r *InterruptRegistry) Lookup(sentinelID string) (*Interrupt, bool) {
	if it, ok := r.resolved[sentinelID]; ok {
		return it, true
	}
	it, ok := r.pending[sentinelID]
	return it, ok
}

// TaskPaths returns every distinct task path the registry has raised an
// interrupt for, pending or resolved.
func (r *InterruptRegistry) TaskPaths() []string {
	seen := make(map[string]bool)
	for _, it := range r.pending {
		seen[it.TaskPath] = true
	}
	for _, it := range r.resolved {
		seen[it.TaskPath] = true
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	return out
}

// MarshalState flattens the registry into a checkpoint-persistable Value,
// stored under CheckpointTuple.Metadata so a thread's pending interrupts
// survive a process restart (spec §4.7, SPEC_FULL §6).
func (r *InterruptRegistry) MarshalState() []Value {
	out := make([]Value, 0, len(r.pending)+len(r.resolved))
	for _, it := range r.pending {
		out = append(out, it.asValue())
	}
	for _, it := range r.resolved {
		out = append(out, it.asValue())
	}
	return out
}

func (it *Interrupt) asValue() Value {
	return map[string]Value{
		"task_path":    it.TaskPath,
		"node_id":      it.NodeID,
		"ordinal":      it.Ordinal,
		"payload":      it.Payload,
		"resumed":      it.Resumed,
		"resume_value": it.ResumeValue,
	}
}

// RestoreInterruptRegistry rebuilds a registry from the Value produced by
// MarshalState, tolerating both native Go ints (same-process) and
// float64s (after a JSON round trip through a durable store).
func RestoreInterruptRegistry(items []Value) *InterruptRegistry {
	reg := NewInterruptRegistry()
	for _, raw := range items {
		m, ok := raw.(map[string]Value)
		if !ok {
			continue
		}
		taskPath, _ := m["task_path"].(string)
		nodeID, _ := m["node_id"].(string)
		ordinal := asInt(m["ordinal"])
		resumed, _ := m["resumed"].(bool)
		it := &Interrupt{
			SentinelID:  sentinelID(taskPath, ordinal),
			TaskPath:    taskPath,
			NodeID:      nodeID,
			Ordinal:     ordinal,
			Payload:     m["payload"],
			Resumed:     resumed,
			ResumeValue: m["resume_value"],
		}
		if resumed {
			reg.resolved[it.SentinelID] = it
		} else {
			reg.pending[it.SentinelID] = it
		}
		if ordinal+1 > reg.byTaskPath[taskPath] {
			reg.byTaskPath[taskPath] = ordinal + 1
		}
	}
	return reg
}

func asInt(v Value) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
