package graph

import (
	"fmt"
	"sort"
)

// Graph is the mutable builder for a graph definition: channels, nodes,
// edges, and the entry node. Compile validates and freezes it into a
// CompiledGraph.
type Graph struct {
	channels  []ChannelSpec
	nodes     map[string]Node
	edges     []Edge
	startNode string
	policies  map[string]*NodePolicy
}

// NewGraph returns an empty graph builder.
func NewGraph() *Graph {
	return &Graph{
		nodes:    make(map[string]Node),
		policies: make(map[string]*NodePolicy),
	}
}

// AddChannel declares one named channel.
func (g *Graph) AddChannel(spec ChannelSpec) *Graph {
	g.channels = append(g.channels, spec)
	return g
}

// AddNode registers a node under id, with an optional per-node policy.
func (g *Graph) AddNode(id string, n Node, policy *NodePolicy) *Graph {
	g.nodes[id] = n
	if policy != nil {
		g.policies[id] = policy
	}
	return g
}

// StartAt designates the graph's entry node.
func (g *Graph) StartAt(id string) *Graph {
	g.startNode = id
	return g
}

// Connect adds a static edge, optionally conditional on when.
func (g *Graph) Connect(from, to string, when Predicate) *Graph {
	g.edges = append(g.edges, Edge{From: from, To: to, When: when})
	return g
}

// Compile validates the graph (every edge and the start node name a
// declared node, no two channels share a name) and returns an
// immutable CompiledGraph ready to run (spec §4.3).
func (g *Graph) Compile() (*CompiledGraph, error) {
	if g.startNode == "" {
		return nil, &EngineError{Kind: ErrGraphValidation, Message: "graph has no start node"}
	}
	if _, ok := g.nodes[g.startNode]; !ok {
		return nil, &EngineError{Kind: ErrGraphValidation, Message: "start node " + g.startNode + " is not declared"}
	}
	seen := make(map[string]bool, len(g.channels))
	for _, c := range g.channels {
		if seen[c.Name] {
			return nil, &EngineError{Kind: ErrGraphValidation, Message: "duplicate channel " + c.Name}
		}
		seen[c.Name] = true
	}
	for _, e := range g.edges {
		if _, ok := g.nodes[e.From]; !ok {
			return nil, &EngineError{Kind: ErrGraphValidation, Message: "edge references undeclared node " + e.From}
		}
		if _, ok := g.nodes[e.To]; !ok {
			return nil, &EngineError{Kind: ErrGraphValidation, Message: "edge references undeclared node " + e.To}
		}
	}

	edgesByNode := make(map[string][]Edge, len(g.nodes))
	for _, e := range g.edges {
		edgesByNode[e.From] = append(edgesByNode[e.From], e)
	}

	return &CompiledGraph{
		channels:    append([]ChannelSpec(nil), g.channels...),
		nodes:       g.nodes,
		edgesByNode: edgesByNode,
		startNode:   g.startNode,
		policies:    g.policies,
	}, nil
}

// CompiledGraph is an immutable, validated graph definition ready to be
// run by an Engine, optionally many times over distinct threads.
type CompiledGraph struct {
	channels    []ChannelSpec
	nodes       map[string]Node
	edgesByNode map[string][]Edge
	startNode   string
	policies    map[string]*NodePolicy

	checkpointSaver interface{} // set via WithCheckpointer; typed in engine.go to avoid an import cycle
	sharedStore     *SharedStore
	interrupts      InterruptConfig
}

// InterruptConfig names the nodes a run should pause before and/or
// after, independent of any Interrupt the node itself raises (spec §4.7
// "static interrupt points", supplementing the original's
// InterruptConfig from original_source/.../compiled/graph.rs).
type InterruptConfig struct {
	Before []string
	After  []string
}

// WithInterrupts attaches static interrupt points to the compiled graph.
func (cg *CompiledGraph) WithInterrupts(cfg InterruptConfig) *CompiledGraph {
	cg.interrupts = cfg
	return cg
}

// WithStore attaches a long-lived, cross-thread shared store (spec §5
// "shared store", supplemented from the original's with_store).
func (cg *CompiledGraph) WithStore(s *SharedStore) *CompiledGraph {
	cg.sharedStore = s
	return cg
}

// Store returns the compiled graph's shared store, or nil if none was
// attached.
func (cg *CompiledGraph) Store() *SharedStore { return cg.sharedStore }

// Node looks up a node by id.
func (cg *CompiledGraph) Node(id string) (Node, bool) {
	n, ok := cg.nodes[id]
	return n, ok
}

// Policy looks up a node's retry/timeout policy, if any was declared.
func (cg *CompiledGraph) Policy(id string) *NodePolicy {
	return cg.policies[id]
}

// EdgesFrom returns the static edges leaving node id, in declaration
// order (first-match-wins, spec §4.4).
func (cg *CompiledGraph) EdgesFrom(id string) []Edge {
	return cg.edgesByNode[id]
}

// StartNode returns the entry node id.
func (cg *CompiledGraph) StartNode() string { return cg.startNode }

// ChannelSpecs returns the declared channel set.
func (cg *CompiledGraph) ChannelSpecs() []ChannelSpec {
	return append([]ChannelSpec(nil), cg.channels...)
}

// NodeNames returns every declared node name, sorted.
func (cg *CompiledGraph) NodeNames() []string {
	names := make([]string, 0, len(cg.nodes))
	for n := range cg.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// String renders a short human-readable summary, used by error messages
// and logs; full rendering lives in visualize.go.
func (cg *CompiledGraph) String() string {
	return fmt.Sprintf("graph(nodes=%d, edges=%d, start=%s)", len(cg.nodes), len(cg.edges()), cg.startNode)
}

func (cg *CompiledGraph) edges() []Edge {
	var all []Edge
	for _, es := range cg.edgesByNode {
		all = append(all, es...)
	}
	return all
}
