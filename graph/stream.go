package graph

// StreamMode selects which event channel a Stream subscriber receives
// (spec §4.8 "multi-mode streaming").
type StreamMode string

const (
	StreamValues      StreamMode = "values"      // full channel snapshot after each step
	StreamUpdates     StreamMode = "updates"      // just the writes each task produced
	StreamDebug       StreamMode = "debug"        // internal planner/scheduler events
	StreamMessages    StreamMode = "messages"     // chat-message channel deltas, token-level when available
	StreamCustom      StreamMode = "custom"       // node-emitted custom payloads
	StreamTasks       StreamMode = "tasks"        // task start/end events
	StreamCheckpoints StreamMode = "checkpoints"  // checkpoint persisted events
)

// defaultStreamModes is used when a run's Options.StreamModes is empty.
var defaultStreamModes = []StreamMode{StreamValues}

func modesContain(modes []StreamMode, m StreamMode) bool {
	for _, mm := range modes {
		if mm == m {
			return true
		}
	}
	return false
}
