package graph

import "time"

// Option is a functional option for configuring an Engine or a single
// run.
type Option func(*engineConfig) error

// engineConfig collects options before they're applied, so validation
// can happen once at the end of the chain.
type engineConfig struct {
	opts Options
}

// Options holds every engine- and run-level knob named in spec §6.
// Engine-level fields (queueing, timeouts, metrics) are set once via
// New's Option args; run-level fields (ThreadID, RecursionLimit,
// interrupt points, stream modes, run metadata) are typically set per
// call via the same Option type passed to Invoke/Stream.
type Options struct {
	// --- engine-level ---
	MaxSteps            int
	MaxConcurrentNodes   int
	QueueDepth           int
	BackpressureTimeout  time.Duration
	DefaultNodeTimeout   time.Duration
	RunWallClockBudget   time.Duration
	ReplayMode           bool
	StrictReplay         bool
	Metrics              *PrometheusMetrics
	CostTracker          *CostTracker

	// --- run-level ---
	ThreadID        string
	RecursionLimit  int
	InterruptBefore []string
	InterruptAfter  []string
	CheckpointEvery int // checkpoint every N supersteps; 0 means every step
	StreamModes     []StreamMode
	RunID           string
	Tags            []string
	Metadata        map[string]Value
}

func WithMaxSteps(n int) Option {
	return func(cfg *engineConfig) error { cfg.opts.MaxSteps = n; return nil }
}

func WithMaxConcurrent(n int) Option {
	return func(cfg *engineConfig) error { cfg.opts.MaxConcurrentNodes = n; return nil }
}

func WithQueueDepth(n int) Option {
	return func(cfg *engineConfig) error { cfg.opts.QueueDepth = n; return nil }
}

func WithBackpressureTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error { cfg.opts.BackpressureTimeout = d; return nil }
}

func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error { cfg.opts.DefaultNodeTimeout = d; return nil }
}

func WithRunWallClockBudget(d time.Duration) Option {
	return func(cfg *engineConfig) error { cfg.opts.RunWallClockBudget = d; return nil }
}

func WithReplayMode(enabled bool) Option {
	return func(cfg *engineConfig) error { cfg.opts.ReplayMode = enabled; return nil }
}

func WithStrictReplay(enabled bool) Option {
	return func(cfg *engineConfig) error { cfg.opts.StrictReplay = enabled; return nil }
}

// WithThreadID pins a run to a persisted thread, whose checkpoint
// history Resume and GetHistory read from.
func WithThreadID(id string) Option {
	return func(cfg *engineConfig) error { cfg.opts.ThreadID = id; return nil }
}

// WithRecursionLimit caps the number of supersteps a single Invoke/
// Stream call may take before returning ErrMaxStepsExceeded.
func WithRecursionLimit(n int) Option {
	return func(cfg *engineConfig) error { cfg.opts.RecursionLimit = n; return nil }
}

// WithInterruptBefore pauses the run before any of the named nodes runs.
func WithInterruptBefore(nodes ...string) Option {
	return func(cfg *engineConfig) error { cfg.opts.InterruptBefore = nodes; return nil }
}

// WithInterruptAfter pauses the run after any of the named nodes runs.
func WithInterruptAfter(nodes ...string) Option {
	return func(cfg *engineConfig) error { cfg.opts.InterruptAfter = nodes; return nil }
}

// WithCheckpointEvery sets the superstep interval between durable
// checkpoints; 1 (the default) checkpoints every step.
func WithCheckpointEvery(n int) Option {
	return func(cfg *engineConfig) error { cfg.opts.CheckpointEvery = n; return nil }
}

// WithStreamModes selects which event channels Stream emits on.
func WithStreamModes(modes ...StreamMode) Option {
	return func(cfg *engineConfig) error { cfg.opts.StreamModes = modes; return nil }
}

// WithRunID pins the run's id, otherwise derived from (ThreadID, step).
func WithRunID(id string) Option {
	return func(cfg *engineConfig) error { cfg.opts.RunID = id; return nil }
}

// WithTags attaches caller-defined tags surfaced on every emitted event.
func WithTags(tags ...string) Option {
	return func(cfg *engineConfig) error { cfg.opts.Tags = tags; return nil }
}

// WithMetadata attaches caller-defined metadata persisted in every
// checkpoint this run produces.
func WithMetadata(md map[string]Value) Option {
	return func(cfg *engineConfig) error { cfg.opts.Metadata = md; return nil }
}

// ConflictPolicy controls how the engine reacts to a channel_conflict
// error (spec §7). Only ConflictFail is implemented; the others are
// reserved so a caller's intent is visible in code even before they
// land.
type ConflictPolicy int

const (
	ConflictFail ConflictPolicy = iota
	LastWriterWins
	ConflictCRDT
)

func WithConflictPolicy(policy ConflictPolicy) Option {
	return func(cfg *engineConfig) error {
		if policy != ConflictFail {
			return &EngineError{Kind: ErrGraphValidation, Message: "only ConflictFail policy is currently supported"}
		}
		return nil
	}
}

// WithMetrics attaches a Prometheus metrics sink; see graph/metrics.go.
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error { cfg.opts.Metrics = metrics; return nil }
}

// WithCostTracker attaches an LLM cost tracker; see graph/cost.go.
func WithCostTracker(tracker *CostTracker) Option {
	return func(cfg *engineConfig) error { cfg.opts.CostTracker = tracker; return nil }
}
