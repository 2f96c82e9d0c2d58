package graph

import (
	"context"
	"time"
)

// getNodeTimeout determines the timeout duration for a node based on precedence:
// 1. NodePolicy.Timeout (per-node override)
// 2. defaultTimeout (engine-wide default)
// 3. 0 (no timeout, unlimited execution)
//
// US2: T019 - Timeout precedence logic
func getNodeTimeout(policy *NodePolicy, defaultTimeout time.Duration) time.Duration {
	// Check for per-node timeout override
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}

	// Fall back to engine default
	if defaultTimeout > 0 {
		return defaultTimeout
	}

	// No timeout configured (0 = unlimited)
	return 0
}

// executeNodeWithTimeout wraps node execution with timeout enforcement.
//
// It determines the timeout based on precedence (NodePolicy > DefaultNodeTimeout),
// creates a timeout context if needed, executes the node, and handles timeout errors.
//
// Parameters:
//   - ctx: Parent context
//   - node: Node implementation to execute
//   - nodeID: Node identifier for error messages
//   - snapshot: Read-only state snapshot passed to the node
//   - tc: Task context passed to the node
//   - policy: Optional node policy (may be nil)
//   - defaultTimeout: Engine-wide default timeout
//
// Returns:
//   - result: Node execution result
//   - err: an ErrTimeout EngineError if the node exceeded its time limit,
//     otherwise the node's own error (nil on success)
//
func executeNodeWithTimeout(
	ctx context.Context,
	node Node,
	nodeID string,
	snapshot *Snapshot,
	tc TaskContext,
	policy *NodePolicy,
	defaultTimeout time.Duration,
) (Result, error) {
	timeout := getNodeTimeout(policy, defaultTimeout)

	if timeout == 0 {
		return node.Run(ctx, snapshot, tc)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := node.Run(timeoutCtx, snapshot, tc)
	if timeoutCtx.Err() == context.DeadlineExceeded {
		return result, &EngineError{Kind: ErrTimeout, Message: "node exceeded timeout", Node: nodeID, TaskID: tc.TaskID, Cause: err}
	}
	return result, err
}
