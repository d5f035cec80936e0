package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/waveflow/internal/actions"
	"github.com/rendis/waveflow/internal/diagram"
	"github.com/rendis/waveflow/internal/manager"
	"github.com/rendis/waveflow/internal/scheduler"
	"github.com/rendis/waveflow/internal/store"
	"github.com/rendis/waveflow/internal/streaming"
)

// ServerDeps holds the dependencies for creating a Server. Store, Hub and
// Scheduler are optional.
type ServerDeps struct {
	Manager   *manager.Manager
	Registry  actions.ActionRegistry
	Store     store.Store
	Hub       streaming.EventHub
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger
	Version   string
}

// Server wraps an MCP server with waveflow tool handlers.
type Server struct {
	manager   *manager.Manager
	registry  actions.ActionRegistry
	store     store.Store
	hub       streaming.EventHub
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *MCPNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		manager:   deps.Manager,
		registry:  deps.Registry,
		store:     deps.Store,
		hub:       deps.Hub,
		scheduler: deps.Scheduler,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"waveflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Waveflow runs dependency-driven workflows in parallel waves. Use waveflow.plan to validate a definition and preview its waves, waveflow.run to start it, waveflow.status to inspect a run, waveflow.diagram to draw it, waveflow.control to pause, resume, stop, retry, skip or jump, and waveflow.query to list runs, events, actions and schedules."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Run events are forwarded to the session that started the
// run while serving.
func (s *Server) Serve(ctx context.Context) error {
	if s.hub != nil {
		fwdCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := s.notifier.Forward(fwdCtx, s.hub); err != nil {
				s.logger.Warn("event forwarding stopped", slog.String("error", err.Error()))
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: controlTool(), Handler: s.handleControl},
		{Tool: planTool(), Handler: s.handlePlan},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("waveflow.run",
		mcp.WithDescription("Start a workflow from an inline definition or a definition file"),
		mcp.WithObject("definition", mcp.Description("Workflow definition object (name, steps, options)")),
		mcp.WithString("file", mcp.Description("Path to a YAML or JSON definition file")),
		mcp.WithObject("context", mcp.Description("Entries merged over the definition's initial context")),
		mcp.WithBoolean("wait", mcp.Description("Block until the run is terminal and return its final state")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("waveflow.status",
		mcp.WithDescription("Get the current state of a workflow run"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func controlTool() mcp.Tool {
	return mcp.NewTool("waveflow.control",
		mcp.WithDescription("Apply a lifecycle action to a running workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the target run")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum(manager.ControlActions...),
			mcp.Description("Lifecycle action to apply"),
		),
		mcp.WithString("step_id", mcp.Description("Target step (required for retry, skip and jump)")),
	)
}

func planTool() mcp.Tool {
	return mcp.NewTool("waveflow.plan",
		mcp.WithDescription("Validate a workflow definition and return its execution waves"),
		mcp.WithObject("definition", mcp.Description("Workflow definition object")),
		mcp.WithString("file", mcp.Description("Path to a YAML or JSON definition file")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("waveflow.diagram",
		mcp.WithDescription("Draw a workflow by wave as ASCII art, a Mermaid flowchart, or a PNG image"),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum(diagram.Formats...),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or png (image)"),
		),
		mcp.WithString("workflow_id", mcp.Description("Live run to draw, with the status of every step")),
		mcp.WithObject("definition", mcp.Description("Workflow definition object")),
		mcp.WithString("file", mcp.Description("Path to a YAML or JSON definition file")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("waveflow.query",
		mcp.WithDescription("Query runs, events, actions, or schedules"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "events", "actions", "schedules"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, name, limit, workflow_id, since, persisted)")),
	)
}
