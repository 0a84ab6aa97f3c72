package definition

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

func parseString(t *testing.T, doc string, opts ...Option) (*schema.WorkflowDefinition, error) {
	t.Helper()
	return Parse([]byte(doc), opts...)
}

func requireDefinitionError(t *testing.T, err error) *schema.WorkflowError {
	t.Helper()
	require.Error(t, err)
	var we *schema.WorkflowError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, schema.ErrCodeDefinition, we.Code)
	return we
}

func TestParseFile_GreenfieldFullstack(t *testing.T) {
	def, err := ParseFile(filepath.Join("testdata", "greenfield-fullstack.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "greenfield-fullstack", def.ID)
	assert.Equal(t, "Greenfield Full-Stack Application Development", def.Name)
	assert.Equal(t, []string{"prototype", "saas", "web-app"}, def.ProjectTypes)
	assert.Len(t, def.HandoffNotes, 2)
	require.Len(t, def.Steps, 11)

	kinds := make([]schema.StepKind, len(def.Steps))
	for i, s := range def.Steps {
		kinds[i] = s.Kind
		assert.Equal(t, i, s.Index)
		assert.NotEmpty(t, s.Name)
		if s.Kind != schema.StepKindRouting {
			assert.NotEmpty(t, s.AgentID, "step %d", i)
		}
	}
	assert.Equal(t, []schema.StepKind{
		schema.StepKindAgent, schema.StepKindAgent, schema.StepKindAgent, schema.StepKindAgent,
		schema.StepKindAgent, schema.StepKindRouting, schema.StepKindAgent, schema.StepKindConditional,
		schema.StepKindCycle, schema.StepKindAgent, schema.StepKindAgent,
	}, kinds)

	brief := def.Steps[0]
	assert.Equal(t, "step_0_analyst", brief.Name)
	assert.Equal(t, []string{"project-brief.md"}, brief.Creates())
	assert.Equal(t, "Create the project brief from the user prompt.", brief.Description)

	assert.Equal(t, 120000, def.Steps[1].TimeoutMs)
	assert.Equal(t, []string{"prd.md", "front-end-spec.md"}, def.Steps[4].Requires())

	setup := def.Steps[3]
	assert.Equal(t, "project_setup_guidance", setup.Name)
	assert.Equal(t, DefaultFallbackAgent, setup.AgentID)
	assert.True(t, setup.Optional)
	assert.Equal(t, "guide_project_structure", setup.Description)

	routing := def.Steps[5]
	assert.Equal(t, "architecture_review", routing.Name)
	assert.Equal(t, map[string]string{"approve": "validate_artifacts", "revise": "step_4_architect"}, routing.Routing.Options)

	assert.Equal(t, "po_checklist_issues", def.Steps[7].Conditional.Condition)
	assert.Equal(t, []string{"prd.md"}, def.Steps[7].Creates())

	cycle := def.Steps[8]
	assert.Equal(t, "stories", cycle.Cycle.RepeatOver)
	assert.Equal(t, schema.CollectEach, cycle.Cycle.Collect)

	legacy := def.Steps[9]
	assert.Equal(t, "dev", legacy.AgentID)
	assert.Equal(t, "step_9_dev", legacy.Name)
	assert.Equal(t, "Implement the approved stories", legacy.Description)

	end := def.Steps[10]
	assert.Equal(t, "workflow_end", end.Name)
	assert.Equal(t, "All planning artifacts complete.", end.Description)

	codes := map[string]int{}
	for _, w := range def.Warnings {
		codes[w.Code]++
	}
	assert.Equal(t, map[string]int{schema.WarnUnknownField: 1, schema.WarnFallbackAgent: 2}, codes)
}

func TestParse_ClassificationOrder(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		kind schema.StepKind
	}{
		{"routes beat everything", "{routes: {a: x}, repeats: items, condition: c, agent: pm}", schema.StepKindRouting},
		{"repeats beat condition", "{repeats: items, condition: c, agent: pm}", schema.StepKindCycle},
		{"condition beats agent", "{condition: c, agent: pm}", schema.StepKindConditional},
		{"explicit agent", "{agent: pm, creates: prd}", schema.StepKindAgent},
		{"legacy shorthand", "{architect: design the system}", schema.StepKindAgent},
		{"name only", "{step: documentation_check}", schema.StepKindAgent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := parseString(t, "workflow:\n  id: w\n  sequence:\n    - "+tt.doc+"\n    - {step: x, routes: {a: x}}\n")
			require.NoError(t, err)
			assert.Equal(t, tt.kind, def.Steps[0].Kind)
		})
	}
}

func TestParse_DefinitionErrors(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		step  int
		match string
	}{
		{"empty document", "", schema.NoStep, "empty"},
		{"missing root", "steps: []\n", schema.NoStep, "no workflow root"},
		{"no steps", "workflow:\n  id: w\n  sequence: []\n", schema.NoStep, "no steps"},
		{"scalar step", "workflow:\n  id: w\n  sequence:\n    - {agent: pm}\n    - just text\n", 1, "cannot classify scalar"},
		{"unclassifiable mapping", "workflow:\n  id: w\n  sequence:\n    - {creates: brief, optional: true}\n", 0, "cannot classify"},
		{"single key non-string", "workflow:\n  id: w\n  sequence:\n    - {pm: [a, b]}\n", 0, "single key"},
		{"empty routes", "workflow:\n  id: w\n  sequence:\n    - {step: r, routes: {}}\n", 0, "routes"},
		{"bad collect", "workflow:\n  id: w\n  sequence:\n    - {agent: sm, repeats: s, collect: all}\n", 0, "collect"},
		{"duplicate names", "workflow:\n  id: w\n  sequence:\n    - {step: a, agent: pm}\n    - {step: a, agent: qa}\n", 1, "already used"},
		{"bad project types", "workflow:\n  id: w\n  project_types: 5\n  sequence:\n    - {agent: pm}\n", schema.NoStep, "project_types"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseString(t, tt.doc)
			we := requireDefinitionError(t, err)
			assert.Equal(t, tt.step, we.StepIndex)
			assert.Contains(t, we.Error(), tt.match)
		})
	}
}

func TestParseFile_BadStepNamesIndex(t *testing.T) {
	_, err := ParseFile(filepath.Join("testdata", "bad-step.yaml"))
	we := requireDefinitionError(t, err)
	assert.Equal(t, 1, we.StepIndex)
	assert.Contains(t, we.Message, "sequence[1]")
}

func TestParse_DependencyWarningNotFailure(t *testing.T) {
	def, err := parseString(t, `
workflow:
  id: out-of-order
  sequence:
    - agent: analyst
      creates: brief
    - agent: pm
      creates: notes
    - agent: architect
      requires: [brief, prd]
    - agent: pm
      creates: prd
`)
	require.NoError(t, err)
	require.Len(t, def.Warnings, 1)
	w := def.Warnings[0]
	assert.Equal(t, schema.WarnUnsatisfiedRequire, w.Code)
	assert.Equal(t, "sequence[2].requires", w.Path)
	assert.Contains(t, w.Message, `"prd"`)
}

func TestParse_CreatesRequiresAcceptStringOrList(t *testing.T) {
	def, err := parseString(t, `
workflow:
  id: sets
  sequence:
    - agent: analyst
      creates: brief
    - agent: pm
      requires: [brief, brief]
      creates:
        - prd
        - epics
`)
	require.NoError(t, err)
	assert.Equal(t, []string{"brief"}, def.Steps[0].Creates())
	assert.Equal(t, []string{"brief"}, def.Steps[1].Requires())
	assert.Equal(t, []string{"prd", "epics"}, def.Steps[1].Creates())
}

func TestParse_IDFallbacks(t *testing.T) {
	def, err := parseString(t, "workflow:\n  name: My Flow\n  sequence:\n    - {agent: pm}\n")
	require.NoError(t, err)
	assert.Equal(t, "my-flow", def.ID)

	def, err = parseString(t, "workflow:\n  sequence:\n    - {agent: pm}\n", WithDefaultID("from-file"))
	require.NoError(t, err)
	assert.Equal(t, "from-file", def.ID)

	_, err = parseString(t, "workflow:\n  sequence:\n    - {agent: pm}\n")
	requireDefinitionError(t, err)
}

func TestParse_AgentTableOverride(t *testing.T) {
	table := AgentTable{Rules: []AgentRule{{Pattern: "deploy_*", AgentID: "devops"}}, Fallback: "generalist"}
	def, err := parseString(t, `
workflow:
  id: custom
  sequence:
    - step: deploy_prod
    - step: celebrate
`, WithAgentTable(table))
	require.NoError(t, err)
	assert.Equal(t, "devops", def.Steps[0].AgentID)
	assert.Equal(t, "generalist", def.Steps[1].AgentID)
	require.Len(t, def.Warnings, 1)
	assert.Equal(t, schema.WarnFallbackAgent, def.Warnings[0].Code)

	def, err = parseString(t, "workflow:\n  id: f\n  sequence:\n    - {step: celebrate}\n", WithFallbackAgent("bmad-master"))
	require.NoError(t, err)
	assert.Equal(t, "bmad-master", def.Steps[0].AgentID)
}

func TestParse_TimeoutForms(t *testing.T) {
	def, err := parseString(t, `
workflow:
  id: timeouts
  sequence:
    - {agent: a, timeout_ms: 1500}
    - {agent: b, timeout: 3s}
    - {agent: c, timeout: 250}
`)
	require.NoError(t, err)
	assert.Equal(t, 1500, def.Steps[0].TimeoutMs)
	assert.Equal(t, 3000, def.Steps[1].TimeoutMs)
	assert.Equal(t, 250, def.Steps[2].TimeoutMs)

	_, err = parseString(t, "workflow:\n  id: t\n  sequence:\n    - {agent: a, timeout: soon}\n")
	requireDefinitionError(t, err)
}

func TestParseReader(t *testing.T) {
	def, err := ParseReader(strings.NewReader(`
workflow:
  id: tiny
  sequence:
    - agent: analyst
      creates: brief
`))
	require.NoError(t, err)
	assert.Equal(t, "tiny", def.ID)
	require.Len(t, def.Steps, 1)
	assert.Equal(t, schema.StepKindAgent, def.Steps[0].Kind)
}
