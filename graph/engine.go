package graph

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/langgraph-go/graph/emit"
	"github.com/dshills/langgraph-go/graph/store"
)

// Engine drives a CompiledGraph's Pregel-style superstep loop (spec
// §4.5) over threads persisted through a store.Saver: plan the
// frontier, dispatch it concurrently against a read-only snapshot,
// collect and durably record writes, merge them in a pinned order,
// commit a new checkpoint, and emit stream events, repeating until the
// frontier is empty, a node interrupts, or an error ends the run.
type Engine struct {
	graph    *CompiledGraph
	saver    store.Saver
	emitter  emit.Emitter
	defaults Options

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

const (
	defaultMaxConcurrentNodes = 8
	defaultQueueDepth         = 64
	defaultRecursionLimit     = 1000
)

// Compile validates g and returns a CompiledGraph, the same as
// (*Graph).Compile; it exists so callers that only import the engine
// entry points don't also need the Graph builder's method set in view.
func Compile(g *Graph) (*CompiledGraph, error) {
	return g.Compile()
}

// WithCheckpointer attaches the durable checkpoint store a compiled
// graph's engine will use. It resolves CompiledGraph.checkpointSaver's
// forward reference (graph.go) to the concrete store.Saver interface,
// kept here rather than in graph.go to avoid graph.go importing store.
func WithCheckpointer(cg *CompiledGraph, saver store.Saver) *CompiledGraph {
	cg.checkpointSaver = saver
	return cg
}

// New builds an Engine for cg, reading its checkpoint saver from
// WithCheckpointer and using emitter for every Invoke/Resume call that
// doesn't supply its own (Stream always layers its own call-scoped
// emitter on top via teeEmitter). opts set engine-wide defaults that
// per-call Options passed to Invoke/Stream/Resume override.
func New(cg *CompiledGraph, emitter emit.Emitter, opts ...Option) (*Engine, error) {
	saver, ok := cg.checkpointSaver.(store.Saver)
	if !ok || saver == nil {
		return nil, &EngineError{Kind: ErrGraphValidation, Message: "compiled graph has no checkpointer; call WithCheckpointer first"}
	}
	resolved, err := resolveOptions(Options{}, opts)
	if err != nil {
		return nil, err
	}
	for _, name := range cg.NodeNames() {
		policy := cg.Policy(name)
		if policy != nil && policy.RetryPolicy != nil {
			if verr := policy.RetryPolicy.Validate(); verr != nil {
				return nil, &EngineError{Kind: ErrGraphValidation, Message: "node " + name + ": " + verr.Error(), Node: name}
			}
		}
	}
	return &Engine{
		graph:    cg,
		saver:    saver,
		emitter:  emitter,
		defaults: resolved,
		cancels:  make(map[string]context.CancelFunc),
	}, nil
}

// resolveOptions applies opts on top of base and returns the merged
// Options, or the first validation error an Option reports.
func resolveOptions(base Options, opts []Option) (Options, error) {
	cfg := &engineConfig{opts: base}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return Options{}, err
		}
	}
	return cfg.opts, nil
}

// RunOutcome is what Invoke, Resume, ResumeAll, and GetState return: the
// thread's position after the call, either run to a quiescent frontier
// (Done) or paused on one or more interrupts.
type RunOutcome struct {
	ThreadID     string
	CheckpointID string
	StepID       int
	Snapshot     *Snapshot
	Interrupts   []*Interrupt
	Done         bool
}

// resumeRequest carries either a single sentinel id/value pair (Resume)
// or a full batch (ResumeAll) into the shared run() path.
type resumeRequest struct {
	sentinelID string
	value      Value
	all        map[string]Value
}

// --- context-scoped collaborators available to a running node ---

type contextKey int

const (
	rngContextKey contextKey = iota
	interruptGateContextKey
	costTrackerContextKey
	replayInfoContextKey
)

// RNG returns the run's deterministic per-task random source, seeded
// from (runID, task path, attempt) so the same thread replayed with the
// same RunID produces the same jitter/sampling decisions (spec §9
// determinism contract). Returns a fresh unseeded source if ctx carries
// none (e.g. a node invoked outside the engine, such as a unit test).
func RNG(ctx context.Context) *rand.Rand {
	if rng, ok := ctx.Value(rngContextKey).(*rand.Rand); ok {
		return rng
	}
	return rand.New(rand.NewSource(1))
}

// InterruptGate is the synchronous handle a node uses to pause
// execution at a call site and resume, potentially several times within
// one Run, across separate Invoke/Resume calls (spec §4.7, §9
// "coroutine node control flow"). Typical use inside Node.Run:
//
//	gate := graph.InterruptGateFromContext(ctx)
//	if v, ok := gate.Check(askPayload); ok {
//	    // v is the resumed value; continue using it
//	} else {
//	    return graph.Result{Interrupt: graph.NewInterrupt(askPayload)}, nil
//	}
type InterruptGate struct {
	taskPath string
	nodeID   string
	reg      *InterruptRegistry
}

// Check looks up whether the gate's next ordinal interrupt has already
// been resumed, returning its value, or raises a new pending interrupt
// and reports false.
func (g *InterruptGate) Check(payload Value) (Value, bool) {
	return g.reg.CheckOrRaise(g.taskPath, g.nodeID, payload)
}

// InterruptGateFromContext extracts the InterruptGate the engine
// injected for the currently running task, or nil outside a run.
func InterruptGateFromContext(ctx context.Context) *InterruptGate {
	gate, _ := ctx.Value(interruptGateContextKey).(*InterruptGate)
	return gate
}

// CostTrackerFromContext returns the run's LLM cost tracker
// (graph/cost.go), or nil if Options.CostTracker was never set. A node
// making an LLM call records it directly:
//
//	if ct := graph.CostTrackerFromContext(ctx); ct != nil {
//	    _ = ct.RecordLLMCall(model, inputTokens, outputTokens, nodeID)
//	}
func CostTrackerFromContext(ctx context.Context) *CostTracker {
	ct, _ := ctx.Value(costTrackerContextKey).(*CostTracker)
	return ct
}

// ReplayInfo exposes a task's replay-mode flags and any recordings
// persisted against its (nodeID, attempt) pair from an earlier
// execution of the same thread, so a Recordable node can skip a real
// external call during replay (graph/replay.go).
type ReplayInfo struct {
	Mode       bool
	Strict     bool
	NodeID     string
	Attempt    int
	Recordings []RecordedIO
}

// Lookup finds this task's own previously recorded I/O, if any.
func (r ReplayInfo) Lookup() (RecordedIO, bool) {
	return lookupRecordedIO(r.Recordings, r.NodeID, r.Attempt)
}

// ReplayInfoFromContext returns the current task's ReplayInfo, or the
// zero value outside a run.
func ReplayInfoFromContext(ctx context.Context) ReplayInfo {
	info, _ := ctx.Value(replayInfoContextKey).(ReplayInfo)
	return info
}

// --- public entry points (spec §6) ---

// Invoke runs threadID to completion or its next interrupt, seeding the
// run with input merged into channels as if written by a synthetic
// "__input__" task, and returns the resulting RunOutcome.
func (e *Engine) Invoke(ctx context.Context, threadID string, input Writes, opts ...Option) (*RunOutcome, error) {
	resolved, err := resolveOptions(e.defaults, opts)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, threadID, input, nil, resolved, e.emitter)
}

// Stream runs threadID the same way Invoke does, but returns a channel
// of emit.Event delivered as the run progresses (filtered to
// Options.StreamModes) instead of waiting for completion. The returned
// func unsubscribes and must be called once the caller stops reading.
func (e *Engine) Stream(ctx context.Context, threadID string, input Writes, opts ...Option) (<-chan emit.Event, func(), error) {
	resolved, err := resolveOptions(e.defaults, opts)
	if err != nil {
		return nil, nil, err
	}
	modes := orDefaultModes(resolved.StreamModes)
	modeStrs := make([]string, len(modes))
	for i, m := range modes {
		modeStrs[i] = string(m)
	}

	local := emit.NewBufferedEmitter()
	ch, unsubscribe := local.Subscribe(256, modeStrs...)
	tee := teeEmitter{a: e.emitter, b: local}

	go func() {
		if _, err := e.run(ctx, threadID, input, nil, resolved, tee); err != nil {
			local.Emit(emit.Event{Mode: string(StreamDebug), Msg: "run_error", Meta: map[string]interface{}{"error": err.Error()}})
		}
	}()
	return ch, unsubscribe, nil
}

// Resume resolves the pending interrupt named by sentinelID with value
// and continues the run from there. An empty sentinelID resumes the
// thread's single pending interrupt, erroring if there is more than one.
func (e *Engine) Resume(ctx context.Context, threadID, sentinelID string, value Value, opts ...Option) (*RunOutcome, error) {
	resolved, err := resolveOptions(e.defaults, opts)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, threadID, nil, &resumeRequest{sentinelID: sentinelID, value: value}, resolved, e.emitter)
}

// ResumeAll resolves every sentinel id in values in one call, useful
// when a superstep paused on several independent interrupts at once
// (spec §4.7 "parallel interrupt batch").
func (e *Engine) ResumeAll(ctx context.Context, threadID string, values map[string]Value, opts ...Option) (*RunOutcome, error) {
	resolved, err := resolveOptions(e.defaults, opts)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, threadID, nil, &resumeRequest{all: values}, resolved, e.emitter)
}

// SubmitInterrupt raises an interrupt on threadID from outside the
// running graph: e.g. an operator pausing a long-running thread for
// review without a node having asked to pause. It returns the sentinel
// id a later Resume call must use. The interrupt is recorded against
// the thread's latest checkpoint without advancing its step.
func (e *Engine) SubmitInterrupt(ctx context.Context, threadID, nodeID string, payload Value) (string, error) {
	state, reg, parentCheckpointID, stepID, err := e.loadThread(ctx, threadID)
	if err != nil {
		return "", err
	}
	it := reg.Raise(threadID+":external:"+nodeID, nodeID, payload)

	checkpointID := parentCheckpointID
	grandparent := ""
	if checkpointID == "" {
		checkpointID = "00000000"
	} else if tuple, gerr := e.saver.GetCheckpoint(ctx, threadID, checkpointID); gerr == nil {
		grandparent = tuple.ParentCheckpointID
	}
	if _, err := e.commitCheckpoint(ctx, threadID, grandparent, stepID, checkpointID, state, reg, Options{}, "", nil); err != nil {
		return "", err
	}
	return it.SentinelID, nil
}

// GetState loads one checkpoint (the latest, if checkpointID is empty)
// and returns the thread's state as of that point, without running
// anything.
func (e *Engine) GetState(ctx context.Context, threadID, checkpointID string) (*RunOutcome, error) {
	tuple, err := e.saver.GetCheckpoint(ctx, threadID, checkpointID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &EngineError{Kind: ErrGraphValidation, Message: "no checkpoint for thread " + threadID}
		}
		return nil, &EngineError{Kind: ErrStoreTransient, Message: "get checkpoint", Cause: err}
	}
	state, err := NewState(e.graph.ChannelSpecs())
	if err != nil {
		return nil, err
	}
	state.Restore(toValueMap(tuple.ChannelValues), tuple.ChannelVersions)
	reg := e.registryFromMetadata(tuple.Metadata)

	return &RunOutcome{
		ThreadID:     threadID,
		CheckpointID: tuple.CheckpointID,
		StepID:       tuple.StepID,
		Snapshot:     state.Snapshot(),
		Interrupts:   reg.Pending(),
		Done:         len(reg.Pending()) == 0,
	}, nil
}

// GetHistory returns every checkpoint recorded for threadID, oldest
// first, supporting time-travel debugging.
func (e *Engine) GetHistory(ctx context.Context, threadID string) ([]store.CheckpointTuple, error) {
	tuples, err := e.saver.ListCheckpoints(ctx, threadID)
	if err != nil {
		return nil, &EngineError{Kind: ErrStoreTransient, Message: "list checkpoints", Cause: err}
	}
	return tuples, nil
}

// UpdateState applies writes out of band, as if produced by asNode, and
// commits a new checkpoint without running the graph: e.g. an operator
// correcting a paused thread before resuming it.
func (e *Engine) UpdateState(ctx context.Context, threadID string, writes Writes, asNode string) (string, error) {
	state, reg, parentCheckpointID, stepID, err := e.loadThread(ctx, threadID)
	if err != nil {
		return "", err
	}
	taskWrites := make([]TaskWrite, 0, len(writes))
	for ch, v := range writes {
		taskWrites = append(taskWrites, TaskWrite{TaskID: asNode, TaskPath: EntryChannel, Channel: ch, Value: v})
	}
	if _, err := state.Apply(taskWrites); err != nil {
		return "", err
	}
	state.EndStep()

	nextStep := stepID + 1
	checkpointID := fmt.Sprintf("%08d", nextStep)
	if _, err := e.commitCheckpoint(ctx, threadID, parentCheckpointID, nextStep, checkpointID, state, reg, Options{}, "", nil); err != nil {
		return "", err
	}
	return checkpointID, nil
}

// Cancel stops an in-flight Invoke/Stream/Resume call for threadID by
// cancelling its run context; the call returns ErrCancelled once its
// current superstep finishes dispatching. It is a no-op, returning an
// error, if no run is currently in flight for threadID.
func (e *Engine) Cancel(threadID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[threadID]
	e.mu.Unlock()
	if !ok {
		return &EngineError{Kind: ErrGraphValidation, Message: "no in-flight run for thread " + threadID}
	}
	cancel()
	return nil
}

// DrainEvents flushes up to limit events from the checkpoint store's
// transactional outbox to the engine's emitter and marks them
// delivered: a checkpoint commit and its events land in the same
// durable transaction, and a crash between commit and delivery is
// recovered by calling DrainEvents again. It is a no-op against a Saver
// that does not additionally implement the optional eventPusher side
// (only PushEvent is outbox-specific; every Saver implements
// PendingEvents/MarkEventsEmitted).
func (e *Engine) DrainEvents(ctx context.Context, limit int) error {
	events, err := e.saver.PendingEvents(ctx, limit)
	if err != nil {
		return &EngineError{Kind: ErrStoreTransient, Message: "pending events", Cause: err}
	}
	if len(events) == 0 {
		return nil
	}
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		if e.emitter != nil {
			e.emitter.Emit(ev)
		}
		if id, ok := ev.Meta["event_id"].(string); ok {
			ids = append(ids, id)
		}
	}
	if err := e.saver.MarkEventsEmitted(ctx, ids); err != nil {
		return &EngineError{Kind: ErrStoreTransient, Message: "mark events emitted", Cause: err}
	}
	return nil
}

// --- run orchestration ---

// run is the shared entry point behind Invoke/Stream/Resume/ResumeAll:
// it loads the thread, seeds or reconstructs its frontier, and drives
// the superstep loop.
func (e *Engine) run(ctx context.Context, threadID string, input Writes, resume *resumeRequest, resolved Options, emitter emit.Emitter) (*RunOutcome, error) {
	if threadID == "" {
		return nil, &EngineError{Kind: ErrGraphValidation, Message: "thread id is required"}
	}
	if input == nil && resume == nil {
		return nil, &EngineError{Kind: ErrGraphValidation, Message: "invoke requires input or a resume request"}
	}

	state, reg, parentCheckpointID, stepID, err := e.loadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	runID := resolved.RunID
	if runID == "" {
		runID = fmt.Sprintf("%s@%d", threadID, stepID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if resolved.RunWallClockBudget > 0 {
		var budgetCancel context.CancelFunc
		runCtx, budgetCancel = context.WithTimeout(runCtx, resolved.RunWallClockBudget)
		defer budgetCancel()
	}
	e.registerCancel(threadID, cancel)
	defer e.clearCancel(threadID)

	var frontier []Task
	if resume != nil {
		resolvedInterrupts, err := e.applyResume(reg, resume)
		if err != nil {
			return nil, err
		}
		if resolved.Metrics != nil {
			resolved.Metrics.RecordInterruptResumed(runID)
		}
		seen := make(map[string]bool, len(resolvedInterrupts))
		for _, it := range resolvedInterrupts {
			reg.ResetTaskPath(it.TaskPath)
			if seen[it.TaskPath] {
				continue
			}
			seen[it.TaskPath] = true
			frontier = append(frontier, resumeTask(stepID+1, it.TaskPath, it.NodeID))
		}
	} else {
		if _, err := state.Apply(writesFromInput(input)); err != nil {
			return nil, err
		}
		frontier = []Task{NewRootTask(stepID+1, e.graph.StartNode())}
	}

	return e.superstepLoop(runCtx, threadID, runID, state, reg, frontier, parentCheckpointID, stepID, resolved, emitter)
}

// superstepLoop implements the eight-step Pregel cycle (spec §4.5):
// plan, dispatch, collect, arbitrate, merge, commit, emit, loop.
func (e *Engine) superstepLoop(
	ctx context.Context,
	threadID, runID string,
	state *State,
	reg *InterruptRegistry,
	frontier []Task,
	parentCheckpointID string,
	stepID int,
	resolved Options,
	emitter emit.Emitter,
) (*RunOutcome, error) {
	recursionLimit := resolved.RecursionLimit
	if recursionLimit <= 0 {
		recursionLimit = defaultRecursionLimit
	}
	checkpointEvery := resolved.CheckpointEvery
	if checkpointEvery <= 0 {
		checkpointEvery = 1
	}
	modes := orDefaultModes(resolved.StreamModes)
	interruptBefore := append(append([]string(nil), e.graph.interrupts.Before...), resolved.InterruptBefore...)
	interruptAfter := append(append([]string(nil), e.graph.interrupts.After...), resolved.InterruptAfter...)

	var interrupted []*Interrupt
	var pendingWrites []store.PendingWrite
	stepsSinceCheckpoint := 0

	for len(frontier) > 0 {
		stepID++
		if stepID > recursionLimit {
			return nil, ErrMaxStepsExceeded
		}
		if err := ctx.Err(); err != nil {
			return nil, &EngineError{Kind: ErrCancelled, Message: "run cancelled", Cause: err}
		}

		snapshot := state.Snapshot()

		runnable, pausedBefore := e.gateBefore(reg, frontier, interruptBefore)
		interrupted = append(interrupted, pausedBefore...)
		for _, it := range pausedBefore {
			if resolved.Metrics != nil {
				resolved.Metrics.RecordInterruptRaised(runID, it.NodeID)
			}
		}
		if len(runnable) == 0 {
			break
		}

		outcomes, err := e.dispatch(ctx, runnable, snapshot, reg, resolved, emitter, runID)
		if err != nil {
			return nil, err
		}

		var writes []TaskWrite
		var recordings []RecordedIO
		var failed *EngineError
		for _, oc := range outcomes {
			if oc.Err != nil {
				if failed == nil {
					var ee *EngineError
					if errors.As(oc.Err, &ee) {
						failed = ee
					} else {
						failed = &EngineError{Kind: ErrNodeError, Message: oc.Err.Error(), Node: oc.Task.NodeID, TaskID: oc.Task.Path, Cause: oc.Err}
					}
				}
				continue
			}
			if oc.Result.HasInterrupt() {
				it := reg.Raise(oc.Task.Path, oc.Task.NodeID, oc.Result.Interrupt.Payload)
				interrupted = append(interrupted, it)
				if resolved.Metrics != nil {
					resolved.Metrics.RecordInterruptRaised(runID, oc.Task.NodeID)
				}
				continue
			}
			recordings = append(recordings, oc.Result.Recordings...)

			if inStringSlice(interruptAfter, oc.Task.NodeID) {
				if _, ok := reg.CheckOrRaise(oc.Task.Path+":after", oc.Task.NodeID, nil); !ok {
					if it, found := reg.Lookup(sentinelID(oc.Task.Path+":after", 0)); found {
						interrupted = append(interrupted, it)
						if resolved.Metrics != nil {
							resolved.Metrics.RecordInterruptRaised(runID, it.NodeID)
						}
					}
					continue
				}
			}

			src := writesOf(oc)
			if len(src) == 0 {
				continue
			}
			key, kerr := e.idempotencyKeyFor(parentCheckpointID, oc, snapshot, src)
			if kerr != nil {
				return nil, &EngineError{Kind: ErrGraphValidation, Message: kerr.Error(), Node: oc.Task.NodeID}
			}
			for ch, v := range src {
				writes = append(writes, TaskWrite{TaskID: oc.Task.NodeID, TaskPath: oc.Task.Path, Channel: ch, Value: v})
				pendingWrites = append(pendingWrites, store.PendingWrite{
					TaskID: oc.Task.NodeID, TaskPath: oc.Task.Path, Channel: ch, Value: v, IdempotencyKey: key,
				})
			}
		}
		if failed != nil {
			return nil, failed
		}

		if _, err := state.Apply(writes); err != nil {
			if resolved.Metrics != nil {
				resolved.Metrics.IncrementMergeConflicts(runID, "channel_conflict")
			}
			return nil, err
		}
		state.EndStep()

		stepsSinceCheckpoint++
		checkpointID := ""
		if stepsSinceCheckpoint >= checkpointEvery || len(interrupted) > 0 {
			checkpointID = fmt.Sprintf("%08d", stepID)
			if len(pendingWrites) > 0 {
				if err := e.saver.PutWrites(ctx, threadID, checkpointID, pendingWrites); err != nil {
					return nil, &EngineError{Kind: ErrStorePermanent, Message: "put writes", CheckpointID: checkpointID, Cause: err}
				}
			}
			if _, err := e.commitCheckpointRecordings(ctx, threadID, parentCheckpointID, stepID, checkpointID, state, reg, recordings, resolved, runID, emitter); err != nil {
				return nil, err
			}
			parentCheckpointID = checkpointID
			pendingWrites = nil
			stepsSinceCheckpoint = 0
		}

		e.emitStep(emitter, runID, stepID, state, writes, modes)

		if len(interrupted) > 0 {
			break
		}

		completed := make([]TaskOutcome, 0, len(outcomes))
		for _, oc := range outcomes {
			if oc.Err == nil && !oc.Result.HasInterrupt() {
				completed = append(completed, oc)
			}
		}
		next, err := Plan(e.graph, stepID, state, completed)
		if err != nil {
			return nil, err
		}
		frontier = next
	}

	if len(interrupted) == 0 && len(pendingWrites) > 0 {
		// Steps ran between checkpoints (CheckpointEvery > 1); flush the
		// tail so the final quiescent state is durable too.
		checkpointID := fmt.Sprintf("%08d", stepID)
		if err := e.saver.PutWrites(ctx, threadID, checkpointID, pendingWrites); err != nil {
			return nil, &EngineError{Kind: ErrStorePermanent, Message: "put writes", CheckpointID: checkpointID, Cause: err}
		}
		if _, err := e.commitCheckpoint(ctx, threadID, parentCheckpointID, stepID, checkpointID, state, reg, resolved, runID, emitter); err != nil {
			return nil, err
		}
		parentCheckpointID = checkpointID
	}

	return &RunOutcome{
		ThreadID:     threadID,
		CheckpointID: parentCheckpointID,
		StepID:       stepID,
		Snapshot:     state.Snapshot(),
		Interrupts:   append([]*Interrupt(nil), interrupted...),
		Done:         len(interrupted) == 0,
	}, nil
}

// gateBefore splits frontier into tasks clear to dispatch this step and
// tasks paused by a static InterruptConfig.Before entry (spec §4.7). A
// paused task is not dispatched at all; resuming it re-enters the
// frontier as a fresh execution of the same node.
func (e *Engine) gateBefore(reg *InterruptRegistry, frontier []Task, nodes []string) ([]Task, []*Interrupt) {
	if len(nodes) == 0 {
		return frontier, nil
	}
	blocked := toSet(nodes)
	var keep []Task
	var paused []*Interrupt
	for _, t := range frontier {
		if !blocked[t.NodeID] {
			keep = append(keep, t)
			continue
		}
		if _, ok := reg.CheckOrRaise(t.Path+":before", t.NodeID, nil); ok {
			keep = append(keep, t)
			continue
		}
		if it, found := reg.Lookup(sentinelID(t.Path+":before", 0)); found {
			paused = append(paused, it)
		}
	}
	return keep, paused
}

// dispatch runs tasks concurrently, bounded by Options.MaxConcurrentNodes,
// through a Frontier so execution order within the bound is still the
// deterministic OrderKey order (spec §5). It blocks admitting new tasks
// once the frontier reaches Options.QueueDepth, bounded by
// Options.BackpressureTimeout if set.
func (e *Engine) dispatch(
	ctx context.Context,
	tasks []Task,
	snapshot *Snapshot,
	reg *InterruptRegistry,
	resolved Options,
	emitter emit.Emitter,
	runID string,
) ([]TaskOutcome, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	queueDepth := resolved.QueueDepth
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	capacity := queueDepth
	if capacity < len(tasks) {
		capacity = len(tasks)
	}
	frontier := NewFrontier(capacity)

	enqueueCtx := ctx
	if resolved.BackpressureTimeout > 0 {
		var cancel context.CancelFunc
		enqueueCtx, cancel = context.WithTimeout(ctx, resolved.BackpressureTimeout)
		defer cancel()
	}
	for _, t := range tasks {
		if err := frontier.Enqueue(enqueueCtx, t); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrBackpressureTimeout
			}
			return nil, &EngineError{Kind: ErrCancelled, Message: "enqueue cancelled", Cause: err}
		}
	}

	maxConcurrent := resolved.MaxConcurrentNodes
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentNodes
	}

	var mu sync.Mutex
	outcomes := make([]TaskOutcome, 0, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for i := 0; i < len(tasks); i++ {
		g.Go(func() error {
			t, err := frontier.Dequeue(gctx)
			if err != nil {
				return err
			}
			if resolved.Metrics != nil {
				resolved.Metrics.UpdateInflightNodes(1)
			}
			outcome := e.executeTask(gctx, t, snapshot, reg, runID, resolved, emitter)
			if resolved.Metrics != nil {
				resolved.Metrics.UpdateInflightNodes(-1)
			}
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &EngineError{Kind: ErrCancelled, Message: "superstep dispatch cancelled", Cause: err}
	}

	if resolved.Metrics != nil {
		fm := frontier.Metrics()
		resolved.Metrics.UpdateQueueDepth(int(fm.QueueDepth))
		if fm.BackpressureEvents > 0 {
			resolved.Metrics.IncrementBackpressure(runID, "queue_full")
		}
	}

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Task.OrderKey < outcomes[j].Task.OrderKey })
	return outcomes, nil
}

// executeTask runs one task's node, honoring its timeout and retry
// policy, and injects the context-scoped collaborators (RNG,
// InterruptGate, CostTracker, ReplayInfo) a node may use.
func (e *Engine) executeTask(
	ctx context.Context,
	t Task,
	snapshot *Snapshot,
	reg *InterruptRegistry,
	runID string,
	resolved Options,
	emitter emit.Emitter,
) TaskOutcome {
	node, ok := e.graph.Node(t.NodeID)
	if !ok {
		return TaskOutcome{Task: t, Err: &EngineError{Kind: ErrGraphValidation, Message: "undeclared node " + t.NodeID, Node: t.NodeID, TaskID: t.Path}}
	}
	policy := e.graph.Policy(t.NodeID)

	var retryPolicy *RetryPolicy
	maxAttempts := 1
	if policy != nil && policy.RetryPolicy != nil {
		retryPolicy = policy.RetryPolicy
		if retryPolicy.MaxAttempts > 0 {
			maxAttempts = retryPolicy.MaxAttempts
		}
	}

	tc := TaskContext{Path: t.Path, TaskID: t.Path}
	e.emitTaskEvent(emitter, runID, t, "task_start", resolved.StreamModes, nil)
	start := time.Now()

	var result Result
	var lastErr error
attemptLoop:
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tc.Attempt = attempt
		taskCtx := context.WithValue(ctx, rngContextKey, rngForTask(runID, t.Path, attempt))
		taskCtx = context.WithValue(taskCtx, interruptGateContextKey, &InterruptGate{taskPath: t.Path, nodeID: t.NodeID, reg: reg})
		if resolved.CostTracker != nil {
			taskCtx = context.WithValue(taskCtx, costTrackerContextKey, resolved.CostTracker)
		}
		taskCtx = context.WithValue(taskCtx, replayInfoContextKey, ReplayInfo{
			Mode: resolved.ReplayMode, Strict: resolved.StrictReplay, NodeID: t.NodeID, Attempt: attempt,
		})

		result, lastErr = executeNodeWithTimeout(taskCtx, node, t.NodeID, snapshot, tc, policy, resolved.DefaultNodeTimeout)
		if lastErr == nil {
			break attemptLoop
		}
		if resolved.Metrics != nil {
			resolved.Metrics.IncrementRetries(runID, t.NodeID, "error")
		}
		if attempt == maxAttempts-1 {
			break attemptLoop
		}
		if retryPolicy == nil || (retryPolicy.Retryable != nil && !retryPolicy.Retryable(lastErr)) {
			break attemptLoop
		}
		delay := computeBackoff(attempt, retryPolicy.BaseDelay, retryPolicy.MaxDelay, rngForTask(runID, t.Path, attempt))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = ctx.Err()
			break attemptLoop
		}
	}

	status := "success"
	if lastErr != nil {
		status = "error"
	}
	if resolved.Metrics != nil {
		resolved.Metrics.RecordStepLatency(runID, t.NodeID, time.Since(start), status)
	}
	e.emitTaskEvent(emitter, runID, t, "task_end", resolved.StreamModes, map[string]interface{}{"status": status})

	if lastErr != nil {
		return TaskOutcome{Task: t, Err: &EngineError{Kind: ErrNodeError, Message: lastErr.Error(), Node: t.NodeID, TaskID: t.Path, Cause: lastErr}}
	}
	return TaskOutcome{Task: t, Result: result}
}

// idempotencyKeyFor prefers a node's own IdempotencyKeyFunc, if its
// policy declares one, over the default (parent checkpoint, path,
// writes) derivation in task.go.
func (e *Engine) idempotencyKeyFor(parentCheckpointID string, oc TaskOutcome, snapshot *Snapshot, writes Writes) (string, error) {
	if policy := e.graph.Policy(oc.Task.NodeID); policy != nil && policy.IdempotencyKeyFunc != nil {
		return policy.IdempotencyKeyFunc(snapshot), nil
	}
	return idempotencyKey(parentCheckpointID, oc.Task, writes)
}

// commitCheckpoint persists state at stepID under checkpointID,
// carrying the interrupt registry's current state and any metadata the
// caller's Options attached.
func (e *Engine) commitCheckpoint(
	ctx context.Context,
	threadID, parentCheckpointID string,
	stepID int,
	checkpointID string,
	state *State,
	reg *InterruptRegistry,
	resolved Options,
	runID string,
	emitter emit.Emitter,
) (string, error) {
	return e.commitCheckpointRecordings(ctx, threadID, parentCheckpointID, stepID, checkpointID, state, reg, nil, resolved, runID, emitter)
}

func (e *Engine) commitCheckpointRecordings(
	ctx context.Context,
	threadID, parentCheckpointID string,
	stepID int,
	checkpointID string,
	state *State,
	reg *InterruptRegistry,
	newRecordings []RecordedIO,
	resolved Options,
	runID string,
	emitter emit.Emitter,
) (string, error) {
	snap := state.Snapshot()
	md := make(map[string]interface{}, len(resolved.Metadata)+2)
	for k, v := range resolved.Metadata {
		md[k] = v
	}
	if items := reg.MarshalState(); len(items) > 0 {
		md["interrupts"] = items
	}
	if recordings := mergeRecordings(e.priorRecordings(ctx, threadID, parentCheckpointID), newRecordings); len(recordings) > 0 {
		md["recordings"] = marshalRecordings(recordings)
	}

	tuple := store.CheckpointTuple{
		SchemaVersion:      store.CurrentSchemaVersion,
		ThreadID:           threadID,
		CheckpointID:       checkpointID,
		ParentCheckpointID: parentCheckpointID,
		StepID:             stepID,
		ChannelValues:      state.PersistableValues(snap),
		ChannelVersions:    snap.Versions,
		Metadata:           md,
		Timestamp:          time.Now().UTC(),
	}
	if err := e.saver.PutCheckpoint(ctx, tuple); err != nil {
		return "", &EngineError{Kind: ErrStoreTransient, Message: "put checkpoint", CheckpointID: checkpointID, Cause: err}
	}
	if resolved.Metrics != nil {
		resolved.Metrics.RecordCheckpointWrite(runID, backendName(e.saver))
	}
	eventID := runID + ":" + checkpointID
	e.pushEvent(ctx, emit.Event{RunID: runID, Mode: string(StreamCheckpoints), Step: stepID, Msg: "checkpoint_committed", Meta: map[string]interface{}{"checkpoint_id": checkpointID, "event_id": eventID}})
	if emitter != nil && modesContain(orDefaultModes(resolved.StreamModes), StreamCheckpoints) {
		emitter.Emit(emit.Event{RunID: runID, Mode: string(StreamCheckpoints), Step: stepID, Msg: "checkpoint_committed", Meta: map[string]interface{}{"checkpoint_id": checkpointID}})
	}
	return checkpointID, nil
}

// priorRecordings loads whatever recordings the thread's current
// checkpoint already carries, so commitCheckpointRecordings can append
// rather than overwrite. Best-effort: a load failure just means this
// commit starts an empty recordings set.
func (e *Engine) priorRecordings(ctx context.Context, threadID, checkpointID string) []RecordedIO {
	if checkpointID == "" {
		return nil
	}
	tuple, err := e.saver.GetCheckpoint(ctx, threadID, checkpointID)
	if err != nil {
		return nil
	}
	raw, ok := tuple.Metadata["recordings"]
	if !ok {
		return nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	return unmarshalRecordings(items)
}

// emitStep emits the per-step StreamUpdates/StreamValues events.
func (e *Engine) emitStep(emitter emit.Emitter, runID string, stepID int, state *State, writes []TaskWrite, modes []StreamMode) {
	if emitter == nil {
		return
	}
	if modesContain(modes, StreamUpdates) {
		upd := make(map[string]interface{}, len(writes))
		for _, w := range writes {
			upd[w.Channel] = w.Value
		}
		emitter.Emit(emit.Event{RunID: runID, Mode: string(StreamUpdates), Step: stepID, Msg: "step_updates", Meta: map[string]interface{}{"writes": upd}})
	}
	if modesContain(modes, StreamValues) {
		snap := state.Snapshot()
		emitter.Emit(emit.Event{RunID: runID, Mode: string(StreamValues), Step: stepID, Msg: "step_values", Meta: map[string]interface{}{"values": snap.Values}})
	}
}

func (e *Engine) emitTaskEvent(emitter emit.Emitter, runID string, t Task, msg string, modes []StreamMode, meta map[string]interface{}) {
	if emitter == nil || !modesContain(orDefaultModes(modes), StreamTasks) {
		return
	}
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["attempt"] = t.Attempt
	emitter.Emit(emit.Event{RunID: runID, Mode: string(StreamTasks), Step: t.StepID, NodeID: t.NodeID, Msg: msg, Meta: meta})
}

// eventPusher is the optional transactional-outbox write side a
// store.Saver may implement (MemStore, SQLiteSaver, MySQLSaver all do;
// it is not part of the Saver interface itself since a read-only or
// remote-proxy Saver need not support it).
type eventPusher interface {
	PushEvent(ctx context.Context, e emit.Event) error
}

func (e *Engine) pushEvent(ctx context.Context, ev emit.Event) {
	pusher, ok := e.saver.(eventPusher)
	if !ok {
		return
	}
	_ = pusher.PushEvent(ctx, ev)
}

// --- thread load/apply helpers ---

// loadThread restores a thread's State and InterruptRegistry from its
// latest checkpoint, or a fresh zero state if the thread has none yet.
func (e *Engine) loadThread(ctx context.Context, threadID string) (*State, *InterruptRegistry, string, int, error) {
	state, err := NewState(e.graph.ChannelSpecs())
	if err != nil {
		return nil, nil, "", 0, err
	}
	tuple, err := e.saver.GetCheckpoint(ctx, threadID, "")
	if errors.Is(err, store.ErrNotFound) {
		return state, NewInterruptRegistry(), "", 0, nil
	}
	if err != nil {
		return nil, nil, "", 0, &EngineError{Kind: ErrStoreTransient, Message: "get checkpoint", Cause: err}
	}
	state.Restore(toValueMap(tuple.ChannelValues), tuple.ChannelVersions)
	return state, e.registryFromMetadata(tuple.Metadata), tuple.CheckpointID, tuple.StepID, nil
}

func (e *Engine) registryFromMetadata(md map[string]interface{}) *InterruptRegistry {
	raw, ok := md["interrupts"]
	if !ok {
		return NewInterruptRegistry()
	}
	items, ok := toValueSlice(raw)
	if !ok {
		return NewInterruptRegistry()
	}
	return RestoreInterruptRegistry(items)
}

// applyResume resolves the sentinel id(s) resume names against reg,
// returning the interrupts just resolved.
func (e *Engine) applyResume(reg *InterruptRegistry, resume *resumeRequest) ([]*Interrupt, error) {
	if resume.all != nil {
		out := make([]*Interrupt, 0, len(resume.all))
		for sid, val := range resume.all {
			it, err := reg.Resume(sid, val)
			if err != nil {
				return nil, err
			}
			out = append(out, it)
		}
		return out, nil
	}
	it, err := reg.Resume(resume.sentinelID, resume.value)
	if err != nil {
		return nil, err
	}
	return []*Interrupt{it}, nil
}

// writesFromInput wraps a caller's input as writes attributed to a
// synthetic entry task, so State.Apply's deterministic merge machinery
// applies uniformly to seed data as it does to node output.
func writesFromInput(input Writes) []TaskWrite {
	out := make([]TaskWrite, 0, len(input))
	for ch, v := range input {
		out = append(out, TaskWrite{TaskID: "__input__", TaskPath: EntryChannel, Channel: ch, Value: v})
	}
	return out
}

func writesOf(oc TaskOutcome) Writes {
	if oc.Result.Command != nil {
		return oc.Result.Command.Update
	}
	return oc.Result.Writes
}

// resumeTask rebuilds a runnable Task for a resumed interrupt. Its
// OrderKey is derived from path alone (rather than a parent/edge-index
// pair, unavailable after a restart) so the frontier heap still
// dispatches resumed tasks in a stable, deterministic order relative to
// one another.
func resumeTask(stepID int, path, nodeID string) Task {
	return Task{StepID: stepID, Path: path, NodeID: nodeID, OrderKey: orderKeyFromPath(path)}
}

func orderKeyFromPath(path string) uint64 {
	h := sha256.New()
	h.Write([]byte(path))
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

// rngForTask derives a deterministic RNG seed from (runID, path,
// attempt): the same thread replayed with the same RunID produces the
// same jitter/sampling sequence.
func rngForTask(runID, path string, attempt int) *rand.Rand {
	h := sha256.New()
	h.Write([]byte(runID))
	h.Write([]byte(path))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(attempt))
	h.Write(buf[:])
	seed := int64(binary.BigEndian.Uint64(h.Sum(nil)[:8]))
	return rand.New(rand.NewSource(seed))
}

func backendName(s store.Saver) string {
	return fmt.Sprintf("%T", s)
}

func orDefaultModes(modes []StreamMode) []StreamMode {
	if len(modes) == 0 {
		return defaultStreamModes
	}
	return modes
}

func toSet(xs []string) map[string]bool {
	m := make(map[string]bool, len(xs))
	for _, x := range xs {
		m[x] = true
	}
	return m
}

func inStringSlice(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// toValueMap adapts a store.CheckpointTuple's interface{}-valued map to
// the graph package's Value alias (identical underlying type; this is
// just a named-type crossing, not a conversion).
func toValueMap(m map[string]interface{}) map[string]Value {
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// toValueSlice recovers a []Value from whatever shape a Metadata value
// took coming back from a store: native []interface{} in-process, or
// the same after a JSON round trip through SQLite/MySQL.
func toValueSlice(raw interface{}) ([]Value, bool) {
	switch v := raw.(type) {
	case []Value:
		return v, true
	case []interface{}:
		return v, true
	default:
		return nil, false
	}
}

func marshalRecordings(recordings []RecordedIO) []interface{} {
	out := make([]interface{}, 0, len(recordings))
	for _, r := range recordings {
		out = append(out, map[string]interface{}{
			"node_id":     r.NodeID,
			"attempt":     r.Attempt,
			"request":     json.RawMessage(append([]byte(nil), r.Request...)),
			"response":    json.RawMessage(append([]byte(nil), r.Response...)),
			"hash":        r.Hash,
			"timestamp":   r.Timestamp,
			"duration_ns": int64(r.Duration),
		})
	}
	return out
}

func unmarshalRecordings(items []interface{}) []RecordedIO {
	out := make([]RecordedIO, 0, len(items))
	for _, raw := range items {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		nodeID, _ := m["node_id"].(string)
		hash, _ := m["hash"].(string)
		rec := RecordedIO{
			NodeID:  nodeID,
			Attempt: asInt(m["attempt"]),
			Hash:    hash,
		}
		if req, err := json.Marshal(m["request"]); err == nil {
			rec.Request = req
		}
		if resp, err := json.Marshal(m["response"]); err == nil {
			rec.Response = resp
		}
		if ts, ok := m["timestamp"].(time.Time); ok {
			rec.Timestamp = ts
		}
		rec.Duration = time.Duration(int64(asInt(m["duration_ns"])))
		out = append(out, rec)
	}
	return out
}

func mergeRecordings(prior, fresh []RecordedIO) []RecordedIO {
	if len(fresh) == 0 {
		return prior
	}
	return append(append([]RecordedIO(nil), prior...), fresh...)
}

// teeEmitter fans every Emit/EmitBatch/Flush call out to both a and b,
// used by Stream to layer its call-scoped subscriber channel (b) on top
// of whatever emitter the Engine was built with (a), without the
// superstep loop knowing two emitters are involved.
type teeEmitter struct {
	a, b emit.Emitter
}

func (t teeEmitter) Emit(event emit.Event) {
	if t.a != nil {
		t.a.Emit(event)
	}
	if t.b != nil {
		t.b.Emit(event)
	}
}

func (t teeEmitter) EmitBatch(ctx context.Context, events []emit.Event) error {
	var firstErr error
	if t.a != nil {
		if err := t.a.EmitBatch(ctx, events); err != nil {
			firstErr = err
		}
	}
	if t.b != nil {
		if err := t.b.EmitBatch(ctx, events); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t teeEmitter) Flush(ctx context.Context) error {
	var firstErr error
	if t.a != nil {
		if err := t.a.Flush(ctx); err != nil {
			firstErr = err
		}
	}
	if t.b != nil {
		if err := t.b.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) registerCancel(threadID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[threadID] = cancel
	e.mu.Unlock()
}

func (e *Engine) clearCancel(threadID string) {
	e.mu.Lock()
	delete(e.cancels, threadID)
	e.mu.Unlock()
}
