package graph

import "sort"

// EntryChannel and TerminalChannel are reserved channel names marking
// the synthetic start and end of a run.
const (
	EntryChannel    = "__start__"
	TerminalChannel = "__end__"
)

// ChannelSpec declares one named channel and how it merges writes. A
// Graph is built from a set of these before it is compiled.
type ChannelSpec struct {
	Name    string
	Rule    Rule
	Init    Value
	Op      Operator // required when Rule == RuleAccumulator
	Writers []string // required when Rule == RuleNamedBarrier
}

// State holds the live channel set for one thread. It is not safe for
// concurrent mutation; the engine serializes merges at superstep
// boundaries and hands out read-only Snapshots to concurrently running
// tasks.
type State struct {
	channels map[string]Channel
}

// NewState builds a State from channel declarations.
func NewState(specs []ChannelSpec) (*State, error) {
	s := &State{channels: make(map[string]Channel, len(specs))}
	for _, spec := range specs {
		ch, err := newChannel(spec)
		if err != nil {
			return nil, err
		}
		s.channels[spec.Name] = ch
	}
	return s, nil
}

func newChannel(spec ChannelSpec) (Channel, error) {
	switch spec.Rule {
	case RuleLastValue:
		return NewLastValueChannel(spec.Init), nil
	case RuleAccumulator:
		if spec.Op == nil {
			return nil, &EngineError{Kind: ErrGraphValidation, Message: "accumulator channel " + spec.Name + " has no operator"}
		}
		return NewAccumulatorChannel(spec.Init, spec.Op), nil
	case RuleTopic:
		return NewTopicChannel(true), nil
	case RuleNamedBarrier:
		if len(spec.Writers) == 0 {
			return nil, &EngineError{Kind: ErrGraphValidation, Message: "named-barrier channel " + spec.Name + " declares no writers"}
		}
		return NewNamedBarrierChannel(spec.Writers), nil
	case RuleUntracked:
		return NewUntrackedChannel(), nil
	case RuleEphemeral:
		return NewEphemeralChannel(), nil
	case RuleAnyValue:
		return NewAnyValueChannel(spec.Init), nil
	default:
		return nil, &EngineError{Kind: ErrGraphValidation, Message: "unknown channel rule for " + spec.Name}
	}
}

// Snapshot is a read-only, deep-copied view of every readable channel's
// current value, handed to a task so it can run concurrently with other
// tasks without touching shared memory (spec §5).
type Snapshot struct {
	Values   map[string]Value
	Versions map[string]uint64
}

// Get returns a channel's value in the snapshot and whether it was set.
func (s *Snapshot) Get(name string) (Value, bool) {
	v, ok := s.Values[name]
	return v, ok
}

// Snapshot captures the current readable state. Channels awaiting a
// named barrier are omitted until they fire.
func (s *State) Snapshot() *Snapshot {
	snap := &Snapshot{
		Values:   make(map[string]Value, len(s.channels)),
		Versions: make(map[string]uint64, len(s.channels)),
	}
	for name, ch := range s.channels {
		if !ch.IsAvailable() {
			continue
		}
		if v, ok := ch.Read(); ok {
			snap.Values[name] = CloneValue(v)
			snap.Versions[name] = ch.Version()
		}
	}
	return snap
}

// Versions returns the current version of every channel, used to decide
// which channels changed since a prior step (the planner's trigger rule,
// spec §4.4).
func (s *State) Versions() map[string]uint64 {
	out := make(map[string]uint64, len(s.channels))
	for name, ch := range s.channels {
		out[name] = ch.Version()
	}
	return out
}

// Channel looks up a declared channel by name.
func (s *State) Channel(name string) (Channel, bool) {
	ch, ok := s.channels[name]
	return ch, ok
}

// ChannelNames returns every declared channel name in sorted order.
func (s *State) ChannelNames() []string {
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply merges a batch of writes produced by one superstep's tasks into
// their target channels, in taskID order within each channel (spec
// §4.5 step 5: "writes are merged in a pinned order: task id ascending").
// It returns the set of channel names whose version changed.
func (s *State) Apply(writes []TaskWrite) ([]string, error) {
	byChannel := make(map[string][]writeRecord)
	for _, w := range writes {
		byChannel[w.Channel] = append(byChannel[w.Channel], writeRecord{
			taskPath: w.TaskPath,
			taskID:   w.TaskID,
			value:    w.Value,
		})
	}
	for name, recs := range byChannel {
		sort.Slice(recs, func(i, j int) bool { return recs[i].taskID < recs[j].taskID })
		byChannel[name] = recs
	}

	var changed []string
	for name, recs := range byChannel {
		ch, ok := s.channels[name]
		if !ok {
			return nil, &EngineError{Kind: ErrGraphValidation, Message: "write to undeclared channel " + name}
		}
		before := ch.Version()
		if err := ch.merge(recs); err != nil {
			if ce, ok := err.(*ConflictError); ok {
				ce.Channel = name
			}
			return nil, &EngineError{Kind: ErrChannelConflict, Message: err.Error(), Cause: err}
		}
		if ch.Version() != before {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// EndStep resets the per-step bookkeeping of every channel (barrier
// commit tracking, reset-each-step topics, untracked/ephemeral values).
func (s *State) EndStep() {
	for _, ch := range s.channels {
		ch.endStep()
	}
}

// Restore rehydrates a State's channels from a checkpoint's persisted
// values and versions (store.CheckpointTuple.ChannelValues/Versions),
// bypassing merge semantics entirely. Channels absent from values are
// left at their zero state (e.g. a named-barrier channel that hadn't
// fired when the checkpoint was taken).
func (s *State) Restore(values map[string]Value, versions map[string]uint64) {
	for name, ch := range s.channels {
		v, ok := values[name]
		if !ok {
			continue
		}
		ch.restore(v, versions[name])
	}
}

// PersistableValues returns the subset of a snapshot's values that
// belong in a durable checkpoint: every channel except RuleUntracked and
// RuleEphemeral ones, which spec §4.1 defines as never persisted.
func (s *State) PersistableValues(snap *Snapshot) map[string]Value {
	out := make(map[string]Value, len(snap.Values))
	for name, v := range snap.Values {
		ch, ok := s.channels[name]
		if ok && (ch.Rule() == RuleUntracked || ch.Rule() == RuleEphemeral) {
			continue
		}
		out[name] = v
	}
	return out
}

// Clone returns a deep copy of the state, used when forking a checkpoint
// for replay or time travel.
func (s *State) Clone() *State {
	out := &State{channels: make(map[string]Channel, len(s.channels))}
	for name, ch := range s.channels {
		out.channels[name] = ch.clone()
	}
	return out
}
