package graph

import (
	"fmt"
	"sort"
	"strings"
)

// VisualizationFormat selects the output syntax Visualize renders,
// grounded on the original implementation's VisualizationOptions
// (original_source/.../compiled/graph.rs: "Generate DOT format" /
// "Generate Mermaid format").
type VisualizationFormat int

const (
	FormatDOT VisualizationFormat = iota
	FormatMermaid
)

// VisualizationOptions controls Visualize's output.
type VisualizationOptions struct {
	Format VisualizationFormat
	// ShowChannels includes a node listing the graph's declared channels.
	ShowChannels bool
}

// DOTOptions returns the default options for Graphviz DOT output.
func DOTOptions() VisualizationOptions { return VisualizationOptions{Format: FormatDOT} }

// MermaidOptions returns the default options for Mermaid flowchart output.
func MermaidOptions() VisualizationOptions { return VisualizationOptions{Format: FormatMermaid} }

// Visualize renders cg's node/edge structure as a string in the
// requested format, for debugging and documentation (spec §5, "graph
// introspection").
func (cg *CompiledGraph) Visualize(opts VisualizationOptions) string {
	switch opts.Format {
	case FormatMermaid:
		return cg.visualizeMermaid(opts)
	default:
		return cg.visualizeDOT(opts)
	}
}

func (cg *CompiledGraph) visualizeDOT(opts VisualizationOptions) string {
	var b strings.Builder
	b.WriteString("digraph StateGraph {\n")
	b.WriteString("  rankdir=TB;\n")

	names := cg.NodeNames()
	for _, n := range names {
		shape := "box"
		if n == cg.startNode {
			shape = "box,style=bold"
		}
		fmt.Fprintf(&b, "  %q [shape=%s];\n", n, shape)
	}
	fmt.Fprintf(&b, "  %q [shape=point];\n", EntryChannel)
	fmt.Fprintf(&b, "  %q -> %q;\n", EntryChannel, cg.startNode)

	for _, from := range names {
		for _, e := range cg.edgesByNode[from] {
			if e.When != nil {
				fmt.Fprintf(&b, "  %q -> %q [label=%q];\n", from, e.To, "conditional")
			} else {
				fmt.Fprintf(&b, "  %q -> %q;\n", from, e.To)
			}
		}
	}

	if opts.ShowChannels {
		chNames := make([]string, 0, len(cg.channels))
		for _, c := range cg.channels {
			chNames = append(chNames, fmt.Sprintf("%s(%s)", c.Name, c.Rule))
		}
		sort.Strings(chNames)
		fmt.Fprintf(&b, "  channels [shape=note, label=%q];\n", strings.Join(chNames, "\\n"))
	}

	b.WriteString("}\n")
	return b.String()
}

func (cg *CompiledGraph) visualizeMermaid(opts VisualizationOptions) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")

	names := cg.NodeNames()
	fmt.Fprintf(&b, "  %s((start)) --> %s\n", sanitizeID(EntryChannel), sanitizeID(cg.startNode))
	for _, n := range names {
		fmt.Fprintf(&b, "  %s[%s]\n", sanitizeID(n), n)
	}
	for _, from := range names {
		for _, e := range cg.edgesByNode[from] {
			if e.When != nil {
				fmt.Fprintf(&b, "  %s -.->|conditional| %s\n", sanitizeID(from), sanitizeID(e.To))
			} else {
				fmt.Fprintf(&b, "  %s --> %s\n", sanitizeID(from), sanitizeID(e.To))
			}
		}
	}

	if opts.ShowChannels {
		chNames := make([]string, 0, len(cg.channels))
		for _, c := range cg.channels {
			chNames = append(chNames, fmt.Sprintf("%s(%s)", c.Name, c.Rule))
		}
		sort.Strings(chNames)
		fmt.Fprintf(&b, "  channels[%s]\n", strings.Join(chNames, ", "))
	}

	return b.String()
}

func sanitizeID(s string) string {
	return strings.NewReplacer("_", "", ":", "", "-", "").Replace(s)
}
