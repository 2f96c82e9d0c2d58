package graph

// ErrReplayMismatch is raised when a recorded I/O hash does not match the
// hash produced by live re-execution, indicating non-determinism in a
// node the replay/strict-replay machinery cannot paper over.
var ErrReplayMismatch = &EngineError{Kind: ErrResumeMismatch, Message: "replay mismatch: recorded I/O hash differs from live execution"}

// ErrBackpressureTimeout is raised when the frontier queue stays full
// past Options.BackpressureTimeout; the engine checkpoints and returns
// this error rather than growing the queue without bound.
var ErrBackpressureTimeout = &EngineError{Kind: ErrTimeout, Message: "backpressure timeout: task queue stayed full"}

// ErrIdempotencyViolation is raised by a Saver when PutWrites is called
// twice for the same (checkpoint id, task id, channel) with a differing
// value, which the at-most-once write contract (spec §4.2) forbids.
var ErrIdempotencyViolation = &EngineError{Kind: ErrStorePermanent, Message: "idempotency violation: conflicting write for already-committed task"}
