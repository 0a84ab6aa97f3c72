package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/definition"
	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/engine"
	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/store"
	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

const reviewDoc = `
workflow:
  id: review
  name: Review
  sequence:
    - step: draft
      agent: writer
      creates: draft
    - step: gate
      routes:
        approve: publish
        revise: draft
    - step: publish
      agent: publisher
      requires: draft
      creates: post
`

type fixture struct {
	srv    *Server
	engine *engine.Engine
	store  *store.MemoryStore
	board  *DecisionBoard
}

func newFixture(t *testing.T, events EventQuerier) *fixture {
	t.Helper()
	reg := definition.NewRegistry(nil)
	reg.AddDocument("review", []byte(reviewDoc))
	states := store.NewMemoryStore()
	board := NewDecisionBoard()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng, err := engine.New(engine.Deps{
		Definitions: reg,
		States:      states,
		Decisions:   board,
		Agents: engine.AgentInvokerFunc(func(_ context.Context, inv *engine.Invocation) (*engine.AgentOutput, error) {
			return &engine.AgentOutput{Output: inv.Step.Name + " body"}, nil
		}),
		Logger: logger,
	}, engine.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	srv := NewServer(ServerDeps{
		Engine:    eng,
		Catalog:   reg,
		Instances: states,
		Events:    events,
		Decisions: board,
		Logger:    logger,
	})
	return &fixture{srv: srv, engine: eng, store: states, board: board}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.False(t, result.IsError, extractText(t, result))
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), target))
}

// startPaused starts the review workflow and waits until it stops at the
// routing step.
func (f *fixture) startPaused(t *testing.T) string {
	t.Helper()
	result, err := f.srv.handleStart(context.Background(), buildRequest("workflow.start", map[string]any{
		"definition_id": "review",
		"inputs":        map[string]any{"topic": "release notes"},
	}))
	require.NoError(t, err)
	var started struct {
		InstanceID string `json:"instance_id"`
	}
	unmarshalResult(t, result, &started)
	require.NotEmpty(t, started.InstanceID)

	inst := f.wait(t, started.InstanceID)
	require.Equal(t, schema.StatusPaused, inst.Status)
	require.Equal(t, 1, inst.CurrentStepIndex)
	return started.InstanceID
}

func (f *fixture) wait(t *testing.T, id string) *schema.WorkflowInstance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	inst, err := f.engine.Wait(ctx, id)
	require.NoError(t, err)
	return inst
}

func TestStartTool_UnknownDefinition(t *testing.T) {
	f := newFixture(t, nil)
	result, err := f.srv.handleStart(context.Background(), buildRequest("workflow.start", map[string]any{
		"definition_id": "missing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)
}

func TestStartTool_MissingArgument(t *testing.T) {
	f := newFixture(t, nil)
	result, err := f.srv.handleStart(context.Background(), buildRequest("workflow.start", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	f := newFixture(t, nil)
	id := f.startPaused(t)

	result, err := f.srv.handleStatus(context.Background(), buildRequest("workflow.status", map[string]any{"instance_id": id}))
	require.NoError(t, err)
	var inst schema.WorkflowInstance
	unmarshalResult(t, result, &inst)
	assert.Equal(t, schema.StatusPaused, inst.Status)
	assert.Equal(t, "release notes", inst.Context.Inputs["topic"])
	require.Contains(t, inst.Context.Artifacts, "draft")
	assert.Empty(t, inst.Context.Artifacts["draft"].Content, "content is omitted by default")

	result, err = f.srv.handleStatus(context.Background(), buildRequest("workflow.status", map[string]any{
		"instance_id": id, "include_content": true,
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &inst)
	assert.Equal(t, "draft body", inst.Context.Artifacts["draft"].Content)

	stored, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "draft body", stored.Context.Artifacts["draft"].Content, "stripping works on a copy")
}

func TestStatusTool_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	result, err := f.srv.handleStatus(context.Background(), buildRequest("workflow.status", map[string]any{"instance_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDecideTool_ResumesPausedInstance(t *testing.T) {
	f := newFixture(t, nil)
	id := f.startPaused(t)

	result, err := f.srv.handleDecide(context.Background(), buildRequest("workflow.decide", map[string]any{
		"instance_id": id, "step": "gate", "option": "approve",
	}))
	require.NoError(t, err)
	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, true, out["resumed"])

	inst := f.wait(t, id)
	assert.Equal(t, schema.StatusCompleted, inst.Status)
	require.Len(t, inst.History, 3)
	assert.Equal(t, "approve", inst.History[1].Route)
	assert.Contains(t, inst.Context.Artifacts, "post")
}

func TestDecideTool_ReviseLoopsBack(t *testing.T) {
	f := newFixture(t, nil)
	id := f.startPaused(t)

	_, err := f.srv.handleDecide(context.Background(), buildRequest("workflow.decide", map[string]any{
		"instance_id": id, "step": "gate", "option": "revise",
	}))
	require.NoError(t, err)

	// The decision was consumed, so the second visit pauses again.
	inst := f.wait(t, id)
	assert.Equal(t, schema.StatusPaused, inst.Status)
	assert.Equal(t, 1, inst.CurrentStepIndex)
	assert.Len(t, inst.History, 3)
}

func TestDecideTool_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	id := f.startPaused(t)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"unknown option", map[string]any{"instance_id": id, "step": "gate", "option": "ship-it"}, schema.ErrCodeRouting},
		{"not a routing step", map[string]any{"instance_id": id, "step": "draft", "option": "approve"}, schema.ErrCodeRouting},
		{"unknown step", map[string]any{"instance_id": id, "step": "nope", "option": "approve"}, schema.ErrCodeNotFound},
		{"missing option", map[string]any{"instance_id": id, "step": "gate"}, "option is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.srv.handleDecide(context.Background(), buildRequest("workflow.decide", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), tt.want)
		})
	}
	assert.Equal(t, schema.StatusPaused, f.wait(t, id).Status)
}

func TestDecideTool_WithoutBoard(t *testing.T) {
	s := NewServer(ServerDeps{})
	result, err := s.handleDecide(context.Background(), buildRequest("workflow.decide", map[string]any{
		"instance_id": "x", "step": "gate", "option": "approve",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestControlTools(t *testing.T) {
	f := newFixture(t, nil)
	id := f.startPaused(t)

	result, err := f.srv.handleCancel(context.Background(), buildRequest("workflow.cancel", map[string]any{"instance_id": id}))
	require.NoError(t, err)
	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "cancel", out["operation"])
	assert.Equal(t, string(schema.StatusCancelled), out["status"])

	result, err = f.srv.handleResume(context.Background(), buildRequest("workflow.resume", map[string]any{"instance_id": id}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeInvalidTransition)

	result, err = f.srv.handlePause(context.Background(), buildRequest("workflow.pause", map[string]any{"instance_id": id}))
	require.NoError(t, err)
	assert.False(t, result.IsError, "pausing a terminal instance is a no-op")
}

func TestDefineTool(t *testing.T) {
	f := newFixture(t, nil)

	doc := "workflow:\n  id: solo\n  sequence:\n    - {step: only, agent: pm, creates: prd}\n"
	result, err := f.srv.handleDefine(context.Background(), buildRequest("workflow.define", map[string]any{"document": doc}))
	require.NoError(t, err)
	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "solo", out["definition_id"])
	assert.EqualValues(t, 1, out["steps"])

	id, err := f.engine.StartWorkflow(context.Background(), "solo", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, f.wait(t, id).Status)

	result, err = f.srv.handleDefine(context.Background(), buildRequest("workflow.define", map[string]any{"document": "not: [a workflow"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryTool_Instances(t *testing.T) {
	f := newFixture(t, nil)
	id := f.startPaused(t)

	result, err := f.srv.handleQuery(context.Background(), buildRequest("workflow.query", map[string]any{
		"resource": "instances",
		"filter":   map[string]any{"status": "paused"},
	}))
	require.NoError(t, err)
	var out struct {
		Instances []instanceSummary `json:"instances"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Instances, 1)
	assert.Equal(t, id, out.Instances[0].InstanceID)
	assert.Equal(t, 1, out.Instances[0].Steps)

	result, err = f.srv.handleQuery(context.Background(), buildRequest("workflow.query", map[string]any{
		"resource": "instances",
		"filter":   map[string]any{"status": "completed"},
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	assert.Empty(t, out.Instances)
}

func TestQueryTool_Definitions(t *testing.T) {
	f := newFixture(t, nil)
	result, err := f.srv.handleQuery(context.Background(), buildRequest("workflow.query", map[string]any{"resource": "definitions"}))
	require.NoError(t, err)
	var out struct {
		Definitions []struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Steps int    `json:"steps"`
		} `json:"definitions"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Definitions, 1)
	assert.Equal(t, "review", out.Definitions[0].ID)
	assert.Equal(t, "Review", out.Definitions[0].Name)
	assert.Equal(t, 3, out.Definitions[0].Steps)
}

type fakeEvents struct {
	records []store.EventRecord
}

func (f *fakeEvents) Events(_ context.Context, id string, since int64) ([]store.EventRecord, error) {
	var out []store.EventRecord
	for _, r := range f.records {
		if r.InstanceID == id && r.Sequence > since {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeEvents) EventsByKind(_ context.Context, kind string, limit int) ([]store.EventRecord, error) {
	var out []store.EventRecord
	for _, r := range f.records {
		if r.Kind == kind && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestQueryTool_Events(t *testing.T) {
	events := &fakeEvents{records: []store.EventRecord{
		{InstanceID: "a", Sequence: 1, Event: schema.Event{Kind: schema.EventWorkflowStarted}},
		{InstanceID: "a", Sequence: 2, Event: schema.Event{Kind: schema.EventStepCompleted, StepName: "draft"}},
		{InstanceID: "b", Sequence: 1, Event: schema.Event{Kind: schema.EventWorkflowStarted}},
	}}
	f := newFixture(t, events)

	tests := []struct {
		name   string
		filter map[string]any
		want   int
	}{
		{"by instance", map[string]any{"instance_id": "a"}, 2},
		{"by instance since", map[string]any{"instance_id": "a", "since": 1}, 1},
		{"by instance and kind", map[string]any{"instance_id": "a", "kind": schema.EventWorkflowStarted}, 1},
		{"by kind", map[string]any{"kind": schema.EventWorkflowStarted}, 2},
		{"by kind limited", map[string]any{"kind": schema.EventWorkflowStarted, "limit": "1"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.srv.handleQuery(context.Background(), buildRequest("workflow.query", map[string]any{
				"resource": "events", "filter": tt.filter,
			}))
			require.NoError(t, err)
			var out struct {
				Events []store.EventRecord `json:"events"`
			}
			unmarshalResult(t, result, &out)
			assert.Len(t, out.Events, tt.want)
		})
	}

	result, err := f.srv.handleQuery(context.Background(), buildRequest("workflow.query", map[string]any{"resource": "events"}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "an unfiltered event query is rejected")
}

func TestQueryTool_Errors(t *testing.T) {
	s := NewServer(ServerDeps{})
	for _, resource := range []string{"invalid", "instances", "events", "definitions"} {
		result, err := s.handleQuery(context.Background(), buildRequest("workflow.query", map[string]any{"resource": resource}))
		require.NoError(t, err)
		assert.True(t, result.IsError, resource)
	}
}

func TestGraphTool(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.srv.handleGraph(context.Background(), buildRequest("workflow.graph", map[string]any{
		"definition_id": "review", "artifacts": true,
	}))
	require.NoError(t, err)
	text := extractText(t, result)
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, `s1{"gate"}`)
	assert.Contains(t, text, "s1 -->|revise| s0")
	assert.Contains(t, text, "s0 -.->|draft| s2")

	id := f.startPaused(t)
	result, err = f.srv.handleGraph(context.Background(), buildRequest("workflow.graph", map[string]any{"instance_id": id}))
	require.NoError(t, err)
	text = extractText(t, result)
	assert.Contains(t, text, "%% Review [PAUSED]")
	assert.Contains(t, text, "class s0 completed")
	assert.Contains(t, text, "class s1 current")

	result, err = f.srv.handleGraph(context.Background(), buildRequest("workflow.graph", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExtractInt(t *testing.T) {
	assert.Equal(t, 5, extractInt(nil, "limit", 5))
	assert.Equal(t, 3, extractInt(map[string]any{"limit": float64(3)}, "limit", 5))
	assert.Equal(t, 7, extractInt(map[string]any{"limit": "7"}, "limit", 5))
	assert.Equal(t, 5, extractInt(map[string]any{"limit": "x"}, "limit", 5))
}
