// Package graph indexes a parsed workflow for execution: step lookup by
// name, artifact producers and consumers, and resolved routing targets.
package graph

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// StepGraph is an immutable execution index over a WorkflowDefinition.
type StepGraph struct {
	def       *schema.WorkflowDefinition
	byName    map[string]int
	producers map[string][]int
	consumers map[string][]int
	routes    map[int]map[string]int
	warnings  []schema.ValidationIssue
}

// Build indexes def. Routing options naming an unknown step are a
// DEFINITION_ERROR.
func Build(def *schema.WorkflowDefinition) (*StepGraph, error) {
	if def == nil || len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeDefinition, "workflow has no steps")
	}

	g := &StepGraph{
		def:       def,
		byName:    make(map[string]int, len(def.Steps)),
		producers: make(map[string][]int),
		consumers: make(map[string][]int),
		routes:    make(map[int]map[string]int),
	}

	for i := range def.Steps {
		s := &def.Steps[i]
		if s.Index != i {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "step %q has index %d at position %d", s.Name, s.Index, i).WithStep(i)
		}
		if prev, dup := g.byName[s.Name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "step name %q already used by step %d", s.Name, prev).WithStep(i)
		}
		g.byName[s.Name] = i
		for _, c := range s.Creates() {
			g.producers[c] = append(g.producers[c], i)
		}
		for _, r := range s.Requires() {
			g.consumers[r] = append(g.consumers[r], i)
		}
	}

	for i := range def.Steps {
		s := &def.Steps[i]
		if s.Kind != schema.StepKindRouting {
			continue
		}
		if s.Routing == nil || len(s.Routing.Options) == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "routing step %q declares no options", s.Name).WithStep(i)
		}
		targets := make(map[string]int, len(s.Routing.Options))
		for label, ref := range s.Routing.Options {
			idx, ok := g.resolve(ref)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition,
					"routing step %q option %q targets unknown step %q", s.Name, label, ref).WithStep(i)
			}
			targets[label] = idx
		}
		g.routes[i] = targets
	}

	g.warnings = g.reachability()
	return g, nil
}

// resolve maps a target reference (step name, or index as a fallback) to an index.
func (g *StepGraph) resolve(ref string) (int, bool) {
	if idx, ok := g.byName[ref]; ok {
		return idx, true
	}
	if idx, err := strconv.Atoi(ref); err == nil && idx >= 0 && idx < len(g.def.Steps) {
		return idx, true
	}
	return 0, false
}

// Definition returns the indexed definition.
func (g *StepGraph) Definition() *schema.WorkflowDefinition { return g.def }

// Len returns the number of steps.
func (g *StepGraph) Len() int { return len(g.def.Steps) }

// Step returns the step at index i.
func (g *StepGraph) Step(i int) *schema.Step { return &g.def.Steps[i] }

// IndexOf returns the index of the named step.
func (g *StepGraph) IndexOf(name string) (int, bool) {
	idx, ok := g.byName[name]
	return idx, ok
}

// Producers returns the indices of steps that create artifact name.
func (g *StepGraph) Producers(name string) []int { return slices.Clone(g.producers[name]) }

// Consumers returns the indices of steps that require artifact name.
func (g *StepGraph) Consumers(name string) []int { return slices.Clone(g.consumers[name]) }

// Warnings returns graph-level findings such as unreachable steps.
func (g *StepGraph) Warnings() []schema.ValidationIssue { return slices.Clone(g.warnings) }

// Labels returns the sorted option labels of a routing step.
func (g *StepGraph) Labels(i int) []string {
	labels := make([]string, 0, len(g.routes[i]))
	for l := range g.routes[i] {
		labels = append(labels, l)
	}
	slices.Sort(labels)
	return labels
}

// Route resolves a decision label at routing step i. An undeclared label is
// a ROUTING_ERROR.
func (g *StepGraph) Route(i int, label string) (int, error) {
	targets, ok := g.routes[i]
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodeRouting, "step %q is not a routing step", g.def.Steps[i].Name).WithStep(i)
	}
	idx, ok := targets[label]
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodeRouting, "decision %q matches no option of %q", label, g.def.Steps[i].Name).
			WithStep(i).
			WithDetails(map[string]any{"options": g.Labels(i)})
	}
	return idx, nil
}

// Successors returns the indices execution may reach directly from step i.
// Len() stands for completion.
func (g *StepGraph) Successors(i int) []int {
	if targets, ok := g.routes[i]; ok {
		out := make([]int, 0, len(targets))
		for _, idx := range targets {
			if !slices.Contains(out, idx) {
				out = append(out, idx)
			}
		}
		slices.Sort(out)
		return out
	}
	return []int{i + 1}
}

// reachability walks successors from step 0 and warns about steps no path reaches.
func (g *StepGraph) reachability() []schema.ValidationIssue {
	seen := make([]bool, g.Len())
	queue := []int{0}
	seen[0] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.Successors(cur) {
			if next < g.Len() && !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}

	var out []schema.ValidationIssue
	for i, ok := range seen {
		if !ok {
			out = append(out, schema.ValidationIssue{
				Path:     fmt.Sprintf("sequence[%d]", i),
				Code:     schema.WarnUnreachableStep,
				Message:  fmt.Sprintf("step %q is not reachable from the first step", g.def.Steps[i].Name),
				Severity: schema.SeverityWarning,
			})
		}
	}
	return out
}
