package diagram

import (
	"fmt"
	"strings"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/graph"
	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Options tunes Build.
type Options struct {
	// Artifacts adds dashed producer-to-consumer edges for each artifact.
	Artifacts bool
}

// Build constructs a DiagramModel from a step graph. When inst is set its
// history is overlaid on the nodes.
func Build(g *graph.StepGraph, inst *schema.WorkflowInstance, opts Options) *DiagramModel {
	n := g.Len()
	nodes := make([]*Node, 0, n+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for i := range n {
		nodes = append(nodes, stepToNode(g.Step(i)))
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	model := &DiagramModel{
		Title: titleFromDef(g.Definition()),
		Nodes: nodes,
		Edges: buildEdges(g),
	}
	if opts.Artifacts {
		model.Edges = append(model.Edges, dataEdges(g)...)
	}
	if inst != nil {
		overlay(model, inst, n)
	}
	return model
}

// NodeID returns the diagram id of the step at index i.
func NodeID(i int) string { return fmt.Sprintf("s%d", i) }

func stepToNode(s *schema.Step) *Node {
	return &Node{ID: NodeID(s.Index), Label: nodeLabel(s), Kind: NodeKind(s.Kind)}
}

// nodeLabel puts the step name on the first line and what it runs below.
func nodeLabel(s *schema.Step) string {
	switch s.Kind {
	case schema.StepKindRouting:
		return s.Name
	case schema.StepKindConditional:
		return fmt.Sprintf("%s\n%s\nif %s", s.Name, s.AgentID, s.Conditional.Condition)
	case schema.StepKindCycle:
		return fmt.Sprintf("%s\n%s\nfor each %s", s.Name, s.AgentID, s.Cycle.RepeatOver)
	}
	if s.AgentID != "" && s.AgentID != s.Name {
		return fmt.Sprintf("%s\n%s", s.Name, s.AgentID)
	}
	return s.Name
}

func target(i, n int) string {
	if i >= n {
		return endID
	}
	return NodeID(i)
}

// buildEdges adds start to the first step, one edge per routing option, and
// a fall-through edge for every other step.
func buildEdges(g *graph.StepGraph) []Edge {
	n := g.Len()
	edges := []Edge{{From: startID, To: NodeID(0)}}
	for i := range n {
		s := g.Step(i)
		if s.Kind != schema.StepKindRouting {
			edges = append(edges, Edge{From: NodeID(i), To: target(i+1, n)})
			continue
		}
		for _, label := range g.Labels(i) {
			idx, err := g.Route(i, label)
			if err != nil {
				continue
			}
			edges = append(edges, Edge{From: NodeID(i), To: target(idx, n), Label: label})
		}
	}
	return edges
}

// dataEdges links each required artifact to the nearest earlier producer,
// or to any producer when none precedes the consumer.
func dataEdges(g *graph.StepGraph) []Edge {
	var edges []Edge
	for i := range g.Len() {
		for _, name := range g.Step(i).Requires() {
			producers := g.Producers(name)
			if len(producers) == 0 {
				continue
			}
			from := producers[0]
			for _, p := range producers {
				if p < i {
					from = p
				}
			}
			edges = append(edges, Edge{From: NodeID(from), To: NodeID(i), Label: name, Data: true})
		}
	}
	return edges
}

// overlay folds the instance history into per-step overlays. Later entries
// win, so a step re-run after routing shows its latest outcome.
func overlay(model *DiagramModel, inst *schema.WorkflowInstance, n int) {
	byID := make(map[string]*Node, len(model.Nodes))
	for _, node := range model.Nodes {
		byID[node.ID] = node
	}

	for _, e := range inst.History {
		node, ok := byID[NodeID(e.StepIndex)]
		if !ok {
			continue
		}
		if node.Status == nil {
			node.Status = &StatusOverlay{}
		}
		st := node.Status
		st.Status = string(e.Status)
		switch {
		case e.Status == schema.StepFailed:
			st.Attempts++
			st.Error = e.Error
		case e.Iteration != nil:
			st.Iterations++
			st.Status = "running"
		case e.Status == schema.StepRouted:
			st.Route = e.Route
			st.Error = ""
		default:
			st.Attempts++
			st.Error = ""
		}
	}

	// Cycles record one entry per iteration; a cycle without an open cursor
	// has finished all of them.
	for i := range n {
		node := byID[NodeID(i)]
		if node.Kind != NodeKindCycle || node.Status == nil || node.Status.Status != "running" {
			continue
		}
		if inst.Cycle == nil || inst.Cycle.StepIndex != i {
			node.Status.Status = string(schema.StepCompleted)
		}
	}

	// Issues at the current step explain why the instance stopped there.
	for _, is := range inst.Issues {
		node, ok := byID[NodeID(is.StepIndex)]
		if !ok {
			continue
		}
		if node.Status == nil {
			node.Status = &StatusOverlay{Status: "blocked"}
			if inst.Status == schema.StatusFailed {
				node.Status.Status = string(schema.StepFailed)
			}
		}
		if node.Status.Error == "" {
			node.Status.Error = is.Message
		}
	}

	if !inst.Status.Terminal() && inst.CurrentStepIndex < n {
		byID[NodeID(inst.CurrentStepIndex)].Current = true
	}
	if inst.Status == schema.StatusCompleted {
		byID[endID].Status = &StatusOverlay{Status: string(schema.StepCompleted)}
	}
	model.Title = fmt.Sprintf("%s [%s]", model.Title, strings.ToUpper(string(inst.Status)))
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	if def.ID != "" {
		return def.ID
	}
	return "Workflow"
}
