package graph

import (
	"context"
	"testing"
)

func TestPlanCommandSendsOverridesStaticEdges(t *testing.T) {
	cg := mustCompilePlannerGraph(t)
	state, err := NewState(cg.ChannelSpecs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	root := NewRootTask(1, "a")
	cmd := NewCommand().WithSend(NewSend("b", "arg1")).WithSend(NewSend("c", "arg2"))
	outcome := TaskOutcome{Task: root, Result: Result{Command: cmd}}

	next, err := Plan(cg, 2, state, []TaskOutcome{outcome})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(next) != 2 {
		t.Fatalf("expected 2 sent tasks, got %d", len(next))
	}
	if next[0].NodeID != "b" || next[1].NodeID != "c" {
		t.Errorf("expected sends dispatched in order [b c], got [%s %s]", next[0].NodeID, next[1].NodeID)
	}
	if next[0].SendArgument != "arg1" || next[1].SendArgument != "arg2" {
		t.Errorf("expected send arguments to carry through, got %v and %v", next[0].SendArgument, next[1].SendArgument)
	}
	if next[0].Path == next[1].Path {
		t.Error("expected distinct paths for distinct sends from the same parent")
	}
}

func TestPlanCommandGotoOverridesStaticEdges(t *testing.T) {
	cg := mustCompilePlannerGraph(t)
	state, err := NewState(cg.ChannelSpecs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	root := NewRootTask(1, "a")
	outcome := TaskOutcome{Task: root, Result: Result{Command: NewCommand().WithGoto("c")}}

	next, err := Plan(cg, 2, state, []TaskOutcome{outcome})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(next) != 1 || next[0].NodeID != "c" {
		t.Fatalf("expected Command.Goto to route directly to c, got %v", next)
	}
}

func TestPlanCommandGotoToTerminalChannelProducesNoSuccessor(t *testing.T) {
	cg := mustCompilePlannerGraph(t)
	state, err := NewState(cg.ChannelSpecs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	root := NewRootTask(1, "a")
	outcome := TaskOutcome{Task: root, Result: Result{Command: NewCommand().WithGoto(TerminalChannel)}}

	next, err := Plan(cg, 2, state, []TaskOutcome{outcome})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(next) != 0 {
		t.Errorf("expected no successor when Command.Goto names the terminal channel, got %v", next)
	}
}

func TestPlanCommandGotoUndeclaredNodeFails(t *testing.T) {
	cg := mustCompilePlannerGraph(t)
	state, err := NewState(cg.ChannelSpecs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	root := NewRootTask(1, "a")
	outcome := TaskOutcome{Task: root, Result: Result{Command: NewCommand().WithGoto("ghost")}}

	if _, err := Plan(cg, 2, state, []TaskOutcome{outcome}); err == nil {
		t.Fatal("expected an error routing to an undeclared node")
	}
}

func TestPlanCommandSendUndeclaredNodeFails(t *testing.T) {
	cg := mustCompilePlannerGraph(t)
	state, err := NewState(cg.ChannelSpecs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	root := NewRootTask(1, "a")
	outcome := TaskOutcome{Task: root, Result: Result{Command: NewCommand().WithSend(NewSend("ghost", nil))}}

	if _, err := Plan(cg, 2, state, []TaskOutcome{outcome}); err == nil {
		t.Fatal("expected an error sending to an undeclared node")
	}
}

func TestPlanFallsBackToFirstMatchingStaticEdge(t *testing.T) {
	cg := mustCompilePlannerGraph(t)
	state, err := NewState(cg.ChannelSpecs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	root := NewRootTask(1, "a")
	outcome := TaskOutcome{Task: root, Result: Result{}}

	next, err := Plan(cg, 2, state, []TaskOutcome{outcome})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(next) != 1 || next[0].NodeID != "b" {
		t.Fatalf("expected the first unconditional edge (a->b) to fire, got %v", next)
	}
}

func TestPlanNodeWithNoFiringEdgeProducesNoSuccessor(t *testing.T) {
	noop := NodeFunc(func(ctx context.Context, s *Snapshot, tc TaskContext) (Result, error) {
		return Result{}, nil
	})
	g := NewGraph()
	g.AddNode("lone", noop, nil)
	g.StartAt("lone")
	cg, err := g.Compile()
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	state, err := NewState(cg.ChannelSpecs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	root := NewRootTask(1, "lone")
	next, err := Plan(cg, 2, state, []TaskOutcome{{Task: root, Result: Result{}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(next) != 0 {
		t.Errorf("expected a node with no declared edges to produce no successor, got %v", next)
	}
}

func TestPlanFailedOutcomeProducesNoSuccessor(t *testing.T) {
	cg := mustCompilePlannerGraph(t)
	state, err := NewState(cg.ChannelSpecs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	root := NewRootTask(1, "a")
	outcome := TaskOutcome{Task: root, Err: &NodeError{Message: "planner test failure"}}

	next, err := Plan(cg, 2, state, []TaskOutcome{outcome})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(next) != 0 {
		t.Errorf("expected a failed task to produce no successors, got %v", next)
	}
}

func TestPlanInterruptedOutcomeProducesNoSuccessor(t *testing.T) {
	cg := mustCompilePlannerGraph(t)
	state, err := NewState(cg.ChannelSpecs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	root := NewRootTask(1, "a")
	outcome := TaskOutcome{Task: root, Result: Result{Interrupt: NewInterrupt("wait")}}

	next, err := Plan(cg, 2, state, []TaskOutcome{outcome})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(next) != 0 {
		t.Errorf("expected an interrupted task to produce no successors, got %v", next)
	}
}

func TestSendTaskPathsDeterministicAcrossReplays(t *testing.T) {
	parent := NewRootTask(1, "a")
	send := NewSend("b", "x")

	t1 := NewSendTask(2, parent, 0, send)
	t2 := NewSendTask(2, parent, 0, send)
	if t1.Path != t2.Path {
		t.Errorf("expected send task path to be stable across replays, got %q and %q", t1.Path, t2.Path)
	}

	other := NewSendTask(2, parent, 1, send)
	if other.Path == t1.Path {
		t.Error("expected different send ordinals to produce different paths")
	}
}

func TestSendTaskEdgeIndexNeverCollidesWithStaticEdges(t *testing.T) {
	parent := NewRootTask(1, "a")
	send := NewSendTask(2, parent, 0, NewSend("b", nil))
	child := NewChildTask(2, parent, 0, "b")
	if send.Path == child.Path {
		t.Error("expected a Send task's path never to collide with a static-edge child task's path")
	}
}

func mustCompilePlannerGraph(t *testing.T) *CompiledGraph {
	t.Helper()
	noop := NodeFunc(func(ctx context.Context, s *Snapshot, tc TaskContext) (Result, error) {
		return Result{}, nil
	})

	g := NewGraph()
	g.AddNode("a", noop, nil)
	g.AddNode("b", noop, nil)
	g.AddNode("c", noop, nil)
	g.StartAt("a")
	g.Connect("a", "b", nil)
	g.Connect("a", "c", nil)

	cg, err := g.Compile()
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	return cg
}
