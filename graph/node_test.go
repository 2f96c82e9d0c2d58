package graph

import (
	"context"
	"errors"
	"testing"
)

func TestNodeFuncImplementsNode(t *testing.T) {
	var _ Node = NodeFunc(func(ctx context.Context, snapshot *Snapshot, tc TaskContext) (Result, error) {
		return Result{}, nil
	})
}

func TestNodeFuncRunReturnsWrites(t *testing.T) {
	node := NodeFunc(func(ctx context.Context, snapshot *Snapshot, tc TaskContext) (Result, error) {
		v, _ := snapshot.Get("in")
		return Result{Writes: Writes{"out": v.(string) + "-processed"}}, nil
	})

	snap := &Snapshot{Values: map[string]Value{"in": "input"}}
	result, err := node.Run(context.Background(), snap, TaskContext{Path: "p", TaskID: "n"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Writes["out"] != "input-processed" {
		t.Errorf("expected out = input-processed, got %v", result.Writes["out"])
	}
	if result.HasCommand() {
		t.Error("expected HasCommand() == false")
	}
	if result.HasInterrupt() {
		t.Error("expected HasInterrupt() == false")
	}
}

func TestNodeFuncReceivesTaskContext(t *testing.T) {
	node := NodeFunc(func(ctx context.Context, snapshot *Snapshot, tc TaskContext) (Result, error) {
		return Result{Writes: Writes{"path": tc.Path, "attempt": tc.Attempt}}, nil
	})

	result, err := node.Run(context.Background(), &Snapshot{}, TaskContext{Path: "abc123", Attempt: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Writes["path"] != "abc123" {
		t.Errorf("expected path = abc123, got %v", result.Writes["path"])
	}
	if result.Writes["attempt"] != 2 {
		t.Errorf("expected attempt = 2, got %v", result.Writes["attempt"])
	}
}

func TestNodeFuncReturnsCommand(t *testing.T) {
	node := NodeFunc(func(ctx context.Context, snapshot *Snapshot, tc TaskContext) (Result, error) {
		return Result{Command: NewCommand().WithGoto("next")}, nil
	})

	result, err := node.Run(context.Background(), &Snapshot{}, TaskContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.HasCommand() {
		t.Fatal("expected HasCommand() == true")
	}
	if result.Command.Goto != "next" {
		t.Errorf("expected Goto = next, got %q", result.Command.Goto)
	}
}

func TestNodeFuncReturnsInterrupt(t *testing.T) {
	node := NodeFunc(func(ctx context.Context, snapshot *Snapshot, tc TaskContext) (Result, error) {
		return Result{Interrupt: NewInterrupt("ask the human")}, nil
	})

	result, err := node.Run(context.Background(), &Snapshot{}, TaskContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.HasInterrupt() {
		t.Fatal("expected HasInterrupt() == true")
	}
	if result.Interrupt.Payload != "ask the human" {
		t.Errorf("expected payload 'ask the human', got %v", result.Interrupt.Payload)
	}
}

func TestNodeFuncPropagatesError(t *testing.T) {
	node := NodeFunc(func(ctx context.Context, snapshot *Snapshot, tc TaskContext) (Result, error) {
		return Result{}, &NodeError{Message: "boom", Code: "TEST_ERROR", NodeID: "n1"}
	})

	_, err := node.Run(context.Background(), &Snapshot{}, TaskContext{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) {
		t.Fatalf("expected *NodeError, got %T", err)
	}
	if nodeErr.Message != "boom" {
		t.Errorf("expected Message = boom, got %q", nodeErr.Message)
	}
	if nodeErr.Error() != "node n1: boom" {
		t.Errorf("unexpected Error() string: %q", nodeErr.Error())
	}
}

func TestNodeFuncReceivesContextValues(t *testing.T) {
	type ctxKey string
	const key ctxKey = "test-key"

	node := NodeFunc(func(ctx context.Context, snapshot *Snapshot, tc TaskContext) (Result, error) {
		val := ctx.Value(key)
		if val == nil {
			return Result{}, &NodeError{Message: "context value missing"}
		}
		return Result{Writes: Writes{"seen": val}}, nil
	})

	ctx := context.WithValue(context.Background(), key, "test-value")
	result, err := node.Run(ctx, &Snapshot{}, TaskContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Writes["seen"] != "test-value" {
		t.Errorf("expected seen = test-value, got %v", result.Writes["seen"])
	}
}

func TestNodeErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	nodeErr := &NodeError{Message: "wrapped", Cause: cause}

	if !errors.Is(nodeErr, cause) {
		t.Error("expected errors.Is to find wrapped cause")
	}
}

func TestNodeErrorStringWithoutNodeID(t *testing.T) {
	nodeErr := &NodeError{Message: "bare error"}
	if nodeErr.Error() != "bare error" {
		t.Errorf("expected bare message, got %q", nodeErr.Error())
	}
}
