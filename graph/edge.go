package graph

// Edge connects two nodes in a compiled graph. Static edges are
// evaluated in declaration order (first match wins, spec §4.4) whenever
// a task's Result does not carry an explicit Command.Goto.
type Edge struct {
	From string
	To   string
	When Predicate
}

// Predicate decides whether an edge fires, given the snapshot the
// source node just ran against. Predicates must be pure.
type Predicate func(snapshot *Snapshot) bool

// AllEdgesFrom filters a graph's edges to just those leaving from.
func AllEdgesFrom(edges []Edge, from string) []Edge {
	var out []Edge
	for _, e := range edges {
		if e.From == from {
			out = append(out, e)
		}
	}
	return out
}
