package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/diagram"
	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/engine"
	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/graph"
	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// handleStart launches an instance and remembers the calling session so it
// receives the instance's events.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defID, err := req.RequireString("definition_id")
	if err != nil {
		return mcp.NewToolResultError("definition_id is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	id, startErr := s.engine.StartWorkflow(ctx, defID, inputs)
	if startErr != nil {
		return toolError("start failed", startErr), nil
	}
	s.captureSession(ctx, id)

	return marshalResult(map[string]any{
		"instance_id":   id,
		"definition_id": defID,
		"status":        schema.StatusRunning,
	})
}

// handleStatus returns the current state of an instance.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	inst, statusErr := s.engine.Status(ctx, id)
	if statusErr != nil {
		return toolError("status query failed", statusErr), nil
	}
	if !req.GetBool("include_content", false) {
		inst = withoutContent(inst)
	}
	return marshalResult(inst)
}

func (s *Server) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, "pause", s.engine.Pause)
}

func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, "resume", s.engine.Resume)
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, "cancel", s.engine.Cancel)
}

// control applies one lifecycle operation and reports the resulting status.
func (s *Server) control(ctx context.Context, req mcp.CallToolRequest, op string, fn func(context.Context, string) error) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	if opErr := fn(ctx, id); opErr != nil {
		return toolError(op+" failed", opErr), nil
	}
	if op == "resume" {
		s.captureSession(ctx, id)
	}

	out := map[string]any{"ok": true, "instance_id": id, "operation": op}
	if inst, statusErr := s.engine.Status(ctx, id); statusErr == nil {
		out["status"] = inst.Status
		out["current_step_index"] = inst.CurrentStepIndex
	}
	return marshalResult(out)
}

// handleDecide posts a routing decision and resumes the instance when it is
// paused waiting for one.
func (s *Server) handleDecide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.decisions == nil {
		return mcp.NewToolResultError("routing decisions are not accepted by this server"), nil
	}
	id, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	step, err := req.RequireString("step")
	if err != nil {
		return mcp.NewToolResultError("step is required"), nil
	}
	option, err := req.RequireString("option")
	if err != nil {
		return mcp.NewToolResultError("option is required"), nil
	}

	inst, statusErr := s.engine.Status(ctx, id)
	if statusErr != nil {
		return toolError("status query failed", statusErr), nil
	}
	if err := s.checkOption(ctx, inst, step, option); err != nil {
		return toolError("invalid decision", err), nil
	}

	s.decisions.Post(id, step, option)
	s.captureSession(ctx, id)

	resumed := false
	if inst.Status == schema.StatusPaused {
		if resumeErr := s.engine.Resume(ctx, id); resumeErr != nil {
			return toolError("decision recorded but resume failed", resumeErr), nil
		}
		resumed = true
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"instance_id": id,
		"step":        step,
		"option":      option,
		"resumed":     resumed,
	})
}

// checkOption rejects labels the routing step does not declare, so a typo
// does not fail the instance later.
func (s *Server) checkOption(ctx context.Context, inst *schema.WorkflowInstance, step, option string) error {
	if s.catalog == nil {
		return nil
	}
	def, err := s.catalog.Lookup(ctx, inst.DefinitionID)
	if err != nil {
		return err
	}
	g, err := graph.Build(def)
	if err != nil {
		return err
	}
	idx, ok := g.IndexOf(step)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found in %s", step, def.ID)
	}
	_, err = g.Route(idx, option)
	return err
}

// handleDefine registers a YAML definition.
func (s *Server) handleDefine(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.catalog == nil {
		return mcp.NewToolResultError("definition catalog not configured"), nil
	}
	doc, err := req.RequireString("document")
	if err != nil {
		return mcp.NewToolResultError("document is required"), nil
	}

	def, defErr := s.catalog.Define([]byte(doc))
	if defErr != nil {
		return toolError("invalid definition", defErr), nil
	}
	return marshalResult(map[string]any{
		"definition_id": def.ID,
		"name":          def.Name,
		"steps":         len(def.Steps),
		"warnings":      def.Warnings,
	})
}

// handleQuery lists instances, events, or definitions based on filters.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "instances":
		return s.queryInstances(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "definitions":
		return s.queryDefinitions(ctx)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleGraph renders a definition, or an instance with its progress.
func (s *Server) handleGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.catalog == nil {
		return mcp.NewToolResultError("definition catalog not configured"), nil
	}
	defID := req.GetString("definition_id", "")
	instanceID := req.GetString("instance_id", "")
	if defID == "" && instanceID == "" {
		return mcp.NewToolResultError("at least one of definition_id or instance_id is required"), nil
	}

	var inst *schema.WorkflowInstance
	if instanceID != "" {
		var err error
		inst, err = s.engine.Status(ctx, instanceID)
		if err != nil {
			return toolError("instance not found", err), nil
		}
		defID = inst.DefinitionID
	}

	def, err := s.catalog.Lookup(ctx, defID)
	if err != nil {
		return toolError("definition lookup failed", err), nil
	}
	g, err := graph.Build(def)
	if err != nil {
		return toolError("graph build failed", err), nil
	}

	model := diagram.Build(g, inst, diagram.Options{Artifacts: req.GetBool("artifacts", false)})
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

// --- Query helpers ---

func (s *Server) queryInstances(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.instances == nil {
		return mcp.NewToolResultError("instance listing not supported by the configured store"), nil
	}
	f := engine.InstanceFilter{Limit: extractInt(filter, "limit", 50)}
	if status, ok := filter["status"].(string); ok && status != "" {
		f.Status = schema.WorkflowStatus(status)
	}
	if defID, ok := filter["definition_id"].(string); ok {
		f.DefinitionID = defID
	}

	insts, err := s.instances.List(ctx, f)
	if err != nil {
		return toolError("query failed", err), nil
	}
	summaries := make([]instanceSummary, 0, len(insts))
	for _, inst := range insts {
		summaries = append(summaries, summarize(inst))
	}
	return marshalResult(map[string]any{"instances": summaries})
}

func (s *Server) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.events == nil {
		return mcp.NewToolResultError("event log not configured"), nil
	}
	instanceID, _ := filter["instance_id"].(string)
	kind, _ := filter["kind"].(string)

	if instanceID != "" {
		since := int64(extractInt(filter, "since", 0))
		events, err := s.events.Events(ctx, instanceID, since)
		if err != nil {
			return toolError("query failed", err), nil
		}
		if kind != "" {
			kept := events[:0]
			for _, e := range events {
				if e.Kind == kind {
					kept = append(kept, e)
				}
			}
			events = kept
		}
		return marshalResult(map[string]any{"events": events})
	}

	if kind == "" {
		return mcp.NewToolResultError("event query requires either 'kind' or 'instance_id' in filter"), nil
	}
	events, err := s.events.EventsByKind(ctx, kind, extractInt(filter, "limit", 100))
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *Server) queryDefinitions(ctx context.Context) (*mcp.CallToolResult, error) {
	if s.catalog == nil {
		return mcp.NewToolResultError("definition catalog not configured"), nil
	}
	type entry struct {
		ID          string `json:"id"`
		Name        string `json:"name,omitempty"`
		Description string `json:"description,omitempty"`
		Steps       int    `json:"steps"`
		Error       string `json:"error,omitempty"`
	}
	out := make([]entry, 0)
	for _, id := range s.catalog.IDs() {
		def, err := s.catalog.Lookup(ctx, id)
		if err != nil {
			out = append(out, entry{ID: id, Error: err.Error()})
			continue
		}
		out = append(out, entry{ID: id, Name: def.Name, Description: def.Description, Steps: len(def.Steps)})
	}
	return marshalResult(map[string]any{"definitions": out})
}

// --- Internal helpers ---

type instanceSummary struct {
	InstanceID       string                `json:"instance_id"`
	DefinitionID     string                `json:"definition_id"`
	Status           schema.WorkflowStatus `json:"status"`
	CurrentStepIndex int                   `json:"current_step_index"`
	Steps            int                   `json:"steps_recorded"`
	Issues           int                   `json:"issues"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

func summarize(inst *schema.WorkflowInstance) instanceSummary {
	return instanceSummary{
		InstanceID:       inst.InstanceID,
		DefinitionID:     inst.DefinitionID,
		Status:           inst.Status,
		CurrentStepIndex: inst.CurrentStepIndex,
		Steps:            len(inst.History),
		Issues:           len(inst.Issues),
		CreatedAt:        inst.CreatedAt,
		UpdatedAt:        inst.UpdatedAt,
	}
}

// withoutContent strips artifact bodies, which can be large, from a copy.
func withoutContent(inst *schema.WorkflowInstance) *schema.WorkflowInstance {
	cp := inst.Clone()
	for name, a := range cp.Context.Artifacts {
		a.Content = ""
		cp.Context.Artifacts[name] = a
	}
	return cp
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the instance to the caller's MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, instanceID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(instanceID, session.SessionID())
	}
}

// toolError renders err as a tool error, carrying the code of structured errors.
func toolError(prefix string, err error) *mcp.CallToolResult {
	if code := schema.CodeOf(err); code != "" {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v (code %s)", prefix, err, code))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
