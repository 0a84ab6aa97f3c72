// Package diagram renders a workflow's step graph, optionally overlaid with
// an instance's progress, as a Mermaid flowchart.
package diagram

// NodeKind classifies a diagram node by its step kind.
type NodeKind string

const (
	NodeKindAgent       NodeKind = "agent"
	NodeKindRouting     NodeKind = "routing"
	NodeKindConditional NodeKind = "conditional"
	NodeKindCycle       NodeKind = "cycle"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// DiagramModel is the intermediate representation renderers consume.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one step, or the virtual start and end.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
	// Current marks the step a paused or running instance will execute next.
	Current bool
}

// StatusOverlay carries an instance's recorded outcome for a step.
type StatusOverlay struct {
	Status     string
	Attempts   int
	Iterations int
	Route      string
	Error      string
}

// Edge connects two nodes. Data edges show artifact flow rather than
// control flow.
type Edge struct {
	From  string
	To    string
	Label string
	Data  bool
}
