package definition

import (
	"gopkg.in/yaml.v3"

	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

type document struct {
	Workflow workflowDoc `yaml:"workflow"`
}

type workflowDoc struct {
	ID             string            `yaml:"id"`
	Name           string            `yaml:"name,omitempty"`
	Description    string            `yaml:"description,omitempty"`
	ProjectTypes   []string          `yaml:"project_types,omitempty"`
	Sequence       []stepDoc         `yaml:"sequence"`
	HandoffPrompts map[string]string `yaml:"handoff_prompts,omitempty"`
}

type stepDoc struct {
	Step        string            `yaml:"step"`
	Agent       string            `yaml:"agent,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Optional    bool              `yaml:"optional,omitempty"`
	TimeoutMs   int               `yaml:"timeout_ms,omitempty"`
	Routes      map[string]string `yaml:"routes,omitempty"`
	Repeats     string            `yaml:"repeats,omitempty"`
	Collect     string            `yaml:"collect,omitempty"`
	Condition   string            `yaml:"condition,omitempty"`
	Creates     []string          `yaml:"creates,omitempty"`
	Requires    []string          `yaml:"requires,omitempty"`
}

// Marshal writes def back as a canonical workflow document. Every step is
// emitted with an explicit name and agent, so parsing the output yields the
// same steps without relying on inference.
func Marshal(def *schema.WorkflowDefinition) ([]byte, error) {
	doc := document{Workflow: workflowDoc{
		ID:             def.ID,
		Name:           def.Name,
		Description:    def.Description,
		ProjectTypes:   def.ProjectTypes,
		HandoffPrompts: def.HandoffNotes,
	}}
	for i := range def.Steps {
		doc.Workflow.Sequence = append(doc.Workflow.Sequence, encodeStep(&def.Steps[i]))
	}
	return yaml.Marshal(doc)
}

func encodeStep(s *schema.Step) stepDoc {
	out := stepDoc{
		Step:        s.Name,
		Agent:       s.AgentID,
		Description: s.Description,
		Optional:    s.Optional,
		TimeoutMs:   s.TimeoutMs,
	}
	switch s.Kind {
	case schema.StepKindRouting:
		out.Routes = s.Routing.Options
		return out
	case schema.StepKindCycle:
		out.Repeats = s.Cycle.RepeatOver
		out.Collect = string(s.Cycle.Collect)
	case schema.StepKindConditional:
		out.Condition = s.Conditional.Condition
	}
	if w := s.Work(); w != nil {
		out.Creates = w.Creates
		out.Requires = w.Requires
	}
	return out
}
