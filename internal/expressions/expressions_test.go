package expressions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

func testContext() schema.ExecutionContext {
	ec := schema.NewExecutionContext(map[string]any{"userPrompt": "todo app", "tier": "pro"})
	ec.Variables["approved"] = true
	ec.Variables["po_checklist_issues"] = []any{}
	ec.Variables["stories"] = []any{
		map[string]any{"id": "S-1", "points": 3},
		map[string]any{"id": "S-2", "points": 5},
	}
	ec.Variables["epics"] = []string{"auth", "billing"}
	ec.Artifacts["prd.md"] = schema.Artifact{Name: "prd.md", Content: "v1"}
	ec.Artifacts["prd.md@2"] = schema.Artifact{Name: "prd.md", Content: "v2"}
	return ec
}

func TestNewConditionEngine(t *testing.T) {
	e, err := NewConditionEngine("")
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	e, err = NewConditionEngine("expr")
	require.NoError(t, err)
	assert.Equal(t, "expr", e.Name())

	_, err = NewConditionEngine("lua")
	assert.Error(t, err)
}

func TestScope_ArtifactsExposeLatestUnderBaseName(t *testing.T) {
	s := Scope(testContext())
	artifacts := s["artifacts"].(map[string]any)
	assert.Equal(t, "v1", artifacts["prd.md"], "exact keys win")
	assert.Equal(t, "v2", artifacts["prd.md@2"])
	assert.Equal(t, "todo app", s["inputs"].(map[string]any)["userPrompt"])
}

func TestCELEngine_Evaluate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()
	data := Scope(testContext())

	tests := []struct {
		expr string
		want any
	}{
		{"variables.approved == true", true},
		{`inputs.tier == "pro" && has(artifacts.prd)`, false},
		{`"prd.md" in artifacts`, true},
		{"size(variables.stories) == 2", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := e.Evaluate(ctx, tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}

	_, err = e.Evaluate(ctx, "variables.approved ==", data)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
	_, err = e.Evaluate(ctx, "", data)
	assert.Error(t, err)

	out, err := e.Evaluate(ctx, "size(variables) == 0", nil)
	require.NoError(t, err, "missing maps default to empty")
	assert.Equal(t, true, out)
}

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()
	data := Scope(testContext())

	out, err := e.Evaluate(ctx, `variables.approved && inputs.tier == "pro"`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(ctx, `len(variables.stories) > 1`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	_, err = e.Evaluate(ctx, `variables.approved &&`, data)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

func TestGoJQEngine_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()
	data := Scope(testContext())

	out, err := e.Evaluate(ctx, ".variables.stories | map(.id)", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"S-1", "S-2"}, out)

	out, err = e.Evaluate(ctx, ".variables.epics[]", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"auth", "billing"}, out, "multiple outputs are collected")

	out, err = e.Evaluate(ctx, ".variables.missing", data)
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = e.Evaluate(ctx, ".[", data)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

func TestConditions_ResolutionOrder(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)
	c := NewConditions(engine)
	ctx := context.Background()
	ec := testContext()

	c.Register("approved", func(context.Context, schema.ExecutionContext) (bool, error) { return false, nil })
	v, err := c.Evaluate(ctx, "approved", ec)
	require.NoError(t, err)
	assert.False(t, v, "registered predicate shadows the variable")

	v, err = c.Evaluate(ctx, "po_checklist_issues", ec)
	require.NoError(t, err)
	assert.False(t, v, "empty list is falsy")

	v, err = c.Evaluate(ctx, "never_set", ec)
	require.NoError(t, err)
	assert.False(t, v)

	v, err = c.Evaluate(ctx, `inputs.tier == "pro"`, ec)
	require.NoError(t, err)
	assert.True(t, v)

	_, err = c.Evaluate(ctx, `inputs.tier`, ec)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCondition), "non-bool result")

	c.Register("broken", func(context.Context, schema.ExecutionContext) (bool, error) { return false, errors.New("boom") })
	_, err = c.Evaluate(ctx, "broken", ec)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCondition))

	_, err = NewConditions(nil).Evaluate(ctx, "a == b", ec)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCondition))
}

func TestTruthy(t *testing.T) {
	for _, v := range []any{true, "yes", 1, 2.5, []string{"x"}, map[string]any{"a": 1}} {
		assert.True(t, Truthy(v), "%#v", v)
	}
	for _, v := range []any{nil, false, "", "false", "No", 0, 0.0, []any{}, map[string]any{}} {
		assert.False(t, Truthy(v), "%#v", v)
	}
}

func TestResolveCollection(t *testing.T) {
	ctx := context.Background()
	ec := testContext()
	jq := NewGoJQEngine()

	items, err := ResolveCollection(ctx, jq, "epics", ec)
	require.NoError(t, err)
	assert.Equal(t, []any{"auth", "billing"}, items)

	items, err = ResolveCollection(ctx, jq, ".variables.stories | map(.id)", ec)
	require.NoError(t, err)
	assert.Equal(t, []any{"S-1", "S-2"}, items)

	ec.Inputs["modules"] = []any{"api"}
	items, err = ResolveCollection(ctx, jq, "modules", ec)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = ResolveCollection(ctx, jq, "missing", ec)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDependency))

	_, err = ResolveCollection(ctx, jq, "approved", ec)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDependency))

	_, err = ResolveCollection(ctx, nil, ".variables.nothing", ec)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDependency))
}

func TestRender(t *testing.T) {
	ec := testContext()

	out := Render("Build ${{ inputs.userPrompt }} from ${{artifacts.prd.md}}", ec, nil)
	assert.Equal(t, "Build todo app from v1", out)

	out = Render("Story ${{item.id}} (${{ item.points }} pts)", ec, map[string]any{"id": "S-9", "points": 8})
	assert.Equal(t, "Story S-9 (8 pts)", out)

	out = Render("keep ${{ variables.unknown }} and ${{ unterminated", ec, nil)
	assert.Equal(t, "keep ${{ variables.unknown }} and ${{ unterminated", out)

	assert.Equal(t, `["auth","billing"]`, Render("${{variables.epics}}", ec, nil))
	assert.Equal(t, "plain", Render("plain", ec, nil))
}
