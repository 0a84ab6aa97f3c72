package graph

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/definition"
	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

func agentStep(i int, name string, creates, requires []string) schema.Step {
	return schema.Step{
		Index: i, Name: name, Kind: schema.StepKindAgent, AgentID: "dev",
		Agent: &schema.AgentStep{Creates: creates, Requires: requires},
	}
}

func routingStep(i int, name string, options map[string]string) schema.Step {
	return schema.Step{Index: i, Name: name, Kind: schema.StepKindRouting, Routing: &schema.RoutingStep{Options: options}}
}

func TestBuild_Fixture(t *testing.T) {
	def, err := definition.ParseFile(filepath.Join("..", "definition", "testdata", "greenfield-fullstack.yaml"))
	require.NoError(t, err)

	g, err := Build(def)
	require.NoError(t, err)
	assert.Equal(t, 11, g.Len())
	assert.Empty(t, g.Warnings())

	idx, ok := g.IndexOf("validate_artifacts")
	require.True(t, ok)
	assert.Equal(t, 6, idx)

	assert.Equal(t, []int{1, 7}, g.Producers("prd.md"))
	assert.Equal(t, []int{2, 4, 8}, g.Consumers("prd.md"))

	assert.Equal(t, []string{"approve", "revise"}, g.Labels(5))
	assert.Equal(t, []int{4, 6}, g.Successors(5))
	assert.Equal(t, []int{3}, g.Successors(2))
}

func TestBuild_UnknownRouteTarget(t *testing.T) {
	def := &schema.WorkflowDefinition{ID: "w", Steps: []schema.Step{
		agentStep(0, "a", nil, nil),
		routingStep(1, "r", map[string]string{"go": "nowhere"}),
	}}
	_, err := Build(def)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDefinition))
	assert.Contains(t, err.Error(), "nowhere")
}

func TestBuild_IndexTargetsAndUnreachable(t *testing.T) {
	def := &schema.WorkflowDefinition{ID: "w", Steps: []schema.Step{
		routingStep(0, "r", map[string]string{"skip": "2"}),
		agentStep(1, "orphan", nil, nil),
		agentStep(2, "end", nil, nil),
	}}
	g, err := Build(def)
	require.NoError(t, err)

	target, err := g.Route(0, "skip")
	require.NoError(t, err)
	assert.Equal(t, 2, target)

	warnings := g.Warnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, schema.WarnUnreachableStep, warnings[0].Code)
	assert.Equal(t, "sequence[1]", warnings[0].Path)
}

func TestRoute_UndeclaredLabel(t *testing.T) {
	def := &schema.WorkflowDefinition{ID: "w", Steps: []schema.Step{
		routingStep(0, "r", map[string]string{"yes": "a"}),
		agentStep(1, "a", nil, nil),
	}}
	g, err := Build(def)
	require.NoError(t, err)

	_, err = g.Route(0, "maybe")
	assert.True(t, schema.HasCode(err, schema.ErrCodeRouting))

	_, err = g.Route(1, "yes")
	assert.True(t, schema.HasCode(err, schema.ErrCodeRouting))
}

func TestBuild_RejectsDuplicateNamesAndEmpty(t *testing.T) {
	_, err := Build(&schema.WorkflowDefinition{ID: "w"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeDefinition))

	_, err = Build(&schema.WorkflowDefinition{ID: "w", Steps: []schema.Step{
		agentStep(0, "same", nil, nil),
		agentStep(1, "same", nil, nil),
	}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeDefinition))
}

func TestRoute_Deterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 6).Draw(rt, "steps")
		steps := []schema.Step{}
		options := map[string]string{}
		for i := 1; i < n; i++ {
			steps = append(steps, agentStep(i, rapid.StringMatching(`[a-z]{3}`).Draw(rt, "name")+string(rune('0'+i)), nil, nil))
		}
		for _, s := range steps {
			options["to_"+s.Name] = s.Name
		}
		steps = append([]schema.Step{routingStep(0, "router", options)}, steps...)
		def := &schema.WorkflowDefinition{ID: "w", Steps: steps}

		g1, err := Build(def)
		require.NoError(rt, err)
		g2, err := Build(def)
		require.NoError(rt, err)

		label := rapid.SampledFrom(g1.Labels(0)).Draw(rt, "label")
		a, err := g1.Route(0, label)
		require.NoError(rt, err)
		b, err := g2.Route(0, label)
		require.NoError(rt, err)
		c, err := g1.Route(0, label)
		require.NoError(rt, err)
		assert.Equal(rt, a, b)
		assert.Equal(rt, a, c)
		assert.Equal(rt, "to_"+g1.Step(a).Name, label)
	})
}
