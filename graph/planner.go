package graph

// TaskOutcome pairs a task with what its node returned, the input needed
// to plan the next superstep's frontier.
type TaskOutcome struct {
	Task    Task
	Result  Result
	Err     error
}

// Plan computes the next superstep's tasks from the outcomes of the
// current one, against the post-merge state. Routing precedence (spec
// §4.5 step 6) is: an outcome's Command.Goto or Command.Sends override
// static edge evaluation; absent a Command, the compiled graph's static
// edges for that node are evaluated in declaration order and the first
// whose predicate passes (or which is unconditional) fires. A node with
// no firing edge and no Command simply produces no successor.
func Plan(cg *CompiledGraph, stepID int, state *State, outcomes []TaskOutcome) ([]Task, error) {
	snapshot := state.Snapshot()
	var next []Task

	for _, oc := range outcomes {
		if oc.Err != nil {
			continue // failed tasks produce no successors; the engine handles retry/abort separately
		}
		if oc.Result.HasInterrupt() {
			continue // paused; resumed explicitly via Engine.Resume
		}

		if cmd := oc.Result.Command; cmd != nil {
			if len(cmd.Sends) > 0 {
				for i, send := range cmd.Sends {
					if _, ok := cg.Node(send.TargetNode); !ok {
						return nil, &EngineError{Kind: ErrGraphValidation, Message: "Send targets undeclared node " + send.TargetNode}
					}
					next = append(next, NewSendTask(stepID, oc.Task, i, send))
				}
				continue
			}
			if cmd.HasGoto() {
				if cmd.Goto == TerminalChannel {
					continue
				}
				if _, ok := cg.Node(cmd.Goto); !ok {
					return nil, &EngineError{Kind: ErrGraphValidation, Message: "Command.Goto targets undeclared node " + cmd.Goto}
				}
				next = append(next, NewChildTask(stepID, oc.Task, 0, cmd.Goto))
				continue
			}
		}

		edges := cg.EdgesFrom(oc.Task.NodeID)
		for i, e := range edges {
			if e.When == nil || e.When(snapshot) {
				next = append(next, NewChildTask(stepID, oc.Task, i, e.To))
				break
			}
		}
	}
	return next, nil
}
