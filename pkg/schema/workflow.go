package schema

// WorkflowDefinition is the parsed, immutable form of a workflow document.
type WorkflowDefinition struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Description  string            `json:"description,omitempty"`
	ProjectTypes []string          `json:"project_types,omitempty"`
	Steps        []Step            `json:"steps"`
	HandoffNotes map[string]string `json:"handoff_notes,omitempty"`
	Warnings     []ValidationIssue `json:"warnings,omitempty"`
}

// StepKind enumerates the step variants. It is fixed at parse time.
type StepKind string

const (
	StepKindAgent       StepKind = "agent"
	StepKindRouting     StepKind = "routing"
	StepKindConditional StepKind = "conditional"
	StepKindCycle       StepKind = "cycle"
)

// CollectMode selects how a cycle stores per-iteration outputs.
type CollectMode string

const (
	// CollectEach stores one artifact per iteration as name[i].
	CollectEach CollectMode = "each"
	// CollectMerged joins all iteration outputs into a single artifact.
	CollectMerged CollectMode = "merged"
)

// Step is one entry of a workflow sequence. Exactly one payload matching Kind is set.
type Step struct {
	Index       int      `json:"index"`
	Name        string   `json:"name"`
	Kind        StepKind `json:"kind"`
	AgentID     string   `json:"agent_id,omitempty"`
	Description string   `json:"description,omitempty"`
	Optional    bool     `json:"optional,omitempty"`
	TimeoutMs   int      `json:"timeout_ms,omitempty"`

	Agent       *AgentStep       `json:"agent,omitempty"`
	Routing     *RoutingStep     `json:"routing,omitempty"`
	Conditional *ConditionalStep `json:"conditional,omitempty"`
	Cycle       *CycleStep       `json:"cycle,omitempty"`
}

// AgentStep delegates work to an agent and names the artifacts it exchanges.
type AgentStep struct {
	Creates  []string `json:"creates,omitempty"`
	Requires []string `json:"requires,omitempty"`
}

// RoutingStep picks the next step by decision label.
type RoutingStep struct {
	// Options maps a decision label to a target step reference (name or index).
	Options map[string]string `json:"options"`
}

// ConditionalStep runs Inner only when Condition holds.
type ConditionalStep struct {
	Condition string    `json:"condition"`
	Inner     AgentStep `json:"inner"`
}

// CycleStep runs Inner once per element of the collection named by RepeatOver.
type CycleStep struct {
	RepeatOver string      `json:"repeat_over"`
	Collect    CollectMode `json:"collect,omitempty"`
	Inner      AgentStep   `json:"inner"`
}

// Work returns the agent payload executed by this step, or nil for routing steps.
func (s *Step) Work() *AgentStep {
	switch s.Kind {
	case StepKindAgent:
		return s.Agent
	case StepKindConditional:
		if s.Conditional != nil {
			return &s.Conditional.Inner
		}
	case StepKindCycle:
		if s.Cycle != nil {
			return &s.Cycle.Inner
		}
	}
	return nil
}

// Creates returns the artifact names this step produces.
func (s *Step) Creates() []string {
	if w := s.Work(); w != nil {
		return w.Creates
	}
	return nil
}

// Requires returns the artifact names this step consumes.
func (s *Step) Requires() []string {
	if w := s.Work(); w != nil {
		return w.Requires
	}
	return nil
}

// StepByName returns the step with the given name.
func (d *WorkflowDefinition) StepByName(name string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i], true
		}
	}
	return nil, false
}
