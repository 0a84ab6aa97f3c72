// Package mcp exposes the workflow engine as Model Context Protocol tools so
// agents and operators can start, steer and inspect workflow instances.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/engine"
	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/store"
	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/streaming"
	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// Controller drives workflow instances. Satisfied by *engine.Engine.
type Controller interface {
	StartWorkflow(ctx context.Context, definitionID string, inputs map[string]any) (string, error)
	Pause(ctx context.Context, instanceID string) error
	Resume(ctx context.Context, instanceID string) error
	Cancel(ctx context.Context, instanceID string) error
	Status(ctx context.Context, instanceID string) (*schema.WorkflowInstance, error)
}

// Catalog lists and registers workflow definitions. Satisfied by
// *definition.Registry.
type Catalog interface {
	IDs() []string
	Lookup(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	Define(raw []byte) (*schema.WorkflowDefinition, error)
}

// EventQuerier reads the durable event log. Satisfied by *store.EventLog.
type EventQuerier interface {
	Events(ctx context.Context, instanceID string, since int64) ([]store.EventRecord, error)
	EventsByKind(ctx context.Context, kind string, limit int) ([]store.EventRecord, error)
}

// ServerDeps holds the dependencies for creating a Server. Instances,
// Events, Decisions and Hub are optional; tools that need a missing one
// return a tool error.
type ServerDeps struct {
	Engine    Controller
	Catalog   Catalog
	Instances engine.InstanceLister
	Events    EventQuerier
	Decisions *DecisionBoard
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// Server wraps an MCP server with workflow tool handlers.
type Server struct {
	engine    Controller
	catalog   Catalog
	instances engine.InstanceLister
	events    EventQuerier
	decisions *DecisionBoard
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *Notifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every workflow tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		engine:    deps.Engine,
		catalog:   deps.Catalog,
		instances: deps.Instances,
		events:    deps.Events,
		decisions: deps.Decisions,
		hub:       deps.Hub,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"dreamteam",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(s.hooks()),
		server.WithInstructions("Dreamteam runs YAML-defined multi-agent workflows. Use workflow.start to launch a definition, workflow.status to follow it, workflow.decide to answer a routing step, workflow.pause/resume/cancel to steer it, workflow.graph to see where it is, and workflow.query to list instances, events or definitions."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	s.startForwarding(ctx)
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// SSEHandler returns an HTTP handler serving the tools over SSE and starts
// forwarding instance events to the sessions that launched them.
func (s *Server) SSEHandler(ctx context.Context, baseURL string) http.Handler {
	s.startForwarding(ctx)
	return server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: controlTool("workflow.pause", "Pause a running workflow instance at the next step boundary"), Handler: s.handlePause},
		{Tool: controlTool("workflow.resume", "Resume a paused workflow instance from its current step"), Handler: s.handleResume},
		{Tool: controlTool("workflow.cancel", "Cancel a workflow instance"), Handler: s.handleCancel},
		{Tool: decideTool(), Handler: s.handleDecide},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: graphTool(), Handler: s.handleGraph},
	}
}

// hooks drops session mappings when a client goes away.
func (s *Server) hooks() *server.Hooks {
	h := &server.Hooks{}
	h.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})
	return h
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("workflow.start",
		mcp.WithDescription("Start a workflow instance from a registered definition"),
		mcp.WithString("definition_id", mcp.Required(), mcp.Description("ID of the workflow definition")),
		mcp.WithObject("inputs", mcp.Description("Input values visible to every step")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workflow.status",
		mcp.WithDescription("Get the status, history and issues of a workflow instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the workflow instance")),
		mcp.WithBoolean("include_content", mcp.Description("Include artifact content (default: false)")),
	)
}

func controlTool(name, description string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the workflow instance")),
	)
}

func decideTool() mcp.Tool {
	return mcp.NewTool("workflow.decide",
		mcp.WithDescription("Answer a routing step and resume the instance waiting on it"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the workflow instance")),
		mcp.WithString("step", mcp.Required(), mcp.Description("Name of the routing step")),
		mcp.WithString("option", mcp.Required(), mcp.Description("Option label to take")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("workflow.define",
		mcp.WithDescription("Register a workflow definition from a YAML document"),
		mcp.WithString("document", mcp.Required(), mcp.Description("YAML document with a workflow root")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("workflow.query",
		mcp.WithDescription("Query workflow instances, events, or definitions"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("instances", "events", "definitions"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, definition_id, instance_id, kind, since, limit)")),
	)
}

func graphTool() mcp.Tool {
	return mcp.NewTool("workflow.graph",
		mcp.WithDescription("Render a workflow as a Mermaid flowchart, with runtime status when an instance is given"),
		mcp.WithString("definition_id", mcp.Description("Definition to render")),
		mcp.WithString("instance_id", mcp.Description("Instance to render with its progress overlaid")),
		mcp.WithBoolean("artifacts", mcp.Description("Add artifact flow edges (default: false)")),
	)
}
