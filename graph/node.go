package graph

import "context"

// TaskContext carries per-task identity into a running node: its path
// (stable across replay, spec §4.6), its id, and the attempt number for
// nodes under a retry policy.
type TaskContext struct {
	Path    string
	TaskID  string
	Attempt int
}

// Node is a single unit of graph computation. Its Run method is the
// node transition contract (spec §4.5 step 3): given a read-only
// snapshot of the channels it declared as reads, it returns exactly one
// of a partial write set, a Command, or an Interrupt request, plus an
// optional error.
type Node interface {
	Run(ctx context.Context, snapshot *Snapshot, tc TaskContext) (Result, error)
}

// Result is the tagged union a node returns. Exactly one of Writes,
// Command, or Interrupt is meaningful for a given result; Writes may be
// nil if the node only routes via Command.
type Result struct {
	Writes    Writes
	Command   *Command
	Interrupt *InterruptRequest

	// Recordings carries any external I/O a Recordable node captured via
	// recordIO during this attempt, so the engine can persist it in the
	// checkpoint's metadata for a later replay to find with
	// lookupRecordedIO (graph/replay.go).
	Recordings []RecordedIO
}

// HasCommand reports whether the node requested explicit routing/resume
// via Command rather than plain edge evaluation.
func (r Result) HasCommand() bool { return r.Command != nil }

// HasInterrupt reports whether the node paused the run awaiting
// external input (spec §4.7).
func (r Result) HasInterrupt() bool { return r.Interrupt != nil }

// NodeFunc adapts a plain function to the Node interface.
type NodeFunc func(ctx context.Context, snapshot *Snapshot, tc TaskContext) (Result, error)

func (f NodeFunc) Run(ctx context.Context, snapshot *Snapshot, tc TaskContext) (Result, error) {
	return f(ctx, snapshot, tc)
}

// NodeError carries structured failure information for a node execution,
// distinct from EngineError: it is what a Node implementation returns,
// and the engine wraps it into an EngineError{Kind: ErrNodeError} when
// surfacing it past a retry policy.
type NodeError struct {
	Message string
	Code    string
	NodeID  string
	Cause   error
}

func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

func (e *NodeError) Unwrap() error { return e.Cause }
