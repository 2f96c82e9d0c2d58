package graph

// Command lets a node control both state and routing in one return
// value, instead of relying solely on edge evaluation. Grounded on the
// original implementation's Command/Send API
// (original_source/.../langgraph-core/examples/command_send_usage.rs),
// ported from serde_json::Value to the Go Value domain.
type Command struct {
	// Update is merged into channels exactly like a plain Writes map.
	Update Writes
	// Goto names the single next node to run, overriding edge
	// evaluation. Mutually exclusive with Sends.
	Goto string
	// Sends dynamically fans out to zero or more nodes, each with its
	// own argument state, implementing the map-reduce pattern (spec
	// §4.6 "dynamic fan-out").
	Sends []Send
	// Resume carries the value a paused node should resume with. Only
	// meaningful when returned from Engine.Resume's injected node call.
	Resume Value
}

// NewCommand returns an empty, chainable Command.
func NewCommand() *Command { return &Command{} }

// WithUpdate sets the channel update map.
func (c *Command) WithUpdate(update Writes) *Command {
	c.Update = update
	return c
}

// WithGoto sets the explicit next node.
func (c *Command) WithGoto(node string) *Command {
	c.Goto = node
	return c
}

// WithSend appends one dynamic fan-out target.
func (c *Command) WithSend(send Send) *Command {
	c.Sends = append(c.Sends, send)
	return c
}

// WithResume sets the resume value for an interrupted node.
func (c *Command) WithResume(v Value) *Command {
	c.Resume = v
	return c
}

// HasGoto reports whether the command names an explicit next node.
func (c *Command) HasGoto() bool { return c != nil && c.Goto != "" }

// HasResume reports whether the command carries a resume value.
func (c *Command) HasResume() bool { return c != nil && c.Resume != nil }

// Send is a single dynamic-fan-out instruction: run TargetNode with
// Argument as its input, independent of the static edge set. Each Send
// produced by a task gets a distinct path segment (spec §4.6) so that
// replay can re-derive the same set of sent tasks deterministically.
type Send struct {
	TargetNode string
	Argument   Value
}

// NewSend constructs a Send.
func NewSend(targetNode string, argument Value) Send {
	return Send{TargetNode: targetNode, Argument: argument}
}
