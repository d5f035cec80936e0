package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/waveflow/internal/definition"
	"github.com/rendis/waveflow/internal/diagram"
	"github.com/rendis/waveflow/internal/manager"
	"github.com/rendis/waveflow/internal/store"
	"github.com/rendis/waveflow/pkg/schema"
)

// handleRun starts a workflow from an inline definition or a file.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := s.definitionArg(req)
	if errResult != nil {
		return errResult, nil
	}
	seed := mcp.ParseStringMap(req, "context", nil)

	run, err := s.manager.Launch(def, "mcp", seed)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow rejected: %v", err)), nil
	}

	// Capture session mapping for notifications.
	s.captureSession(ctx, run.ID)

	if !req.GetBool("wait", false) {
		return marshalResult(run.Info())
	}

	if _, err := run.Wait(ctx); err != nil && ctx.Err() != nil {
		return mcp.NewToolResultError(fmt.Sprintf("wait interrupted: %v", err)), nil
	}
	return marshalResult(run.Workflow.State())
}

// handleStatus returns the current state of a run.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	state, statusErr := s.manager.Status(ctx, workflowID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(state)
}

// handleControl applies a lifecycle action to a run.
func (s *Server) handleControl(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	stepID := req.GetString("step_id", "")

	run, getErr := s.manager.Get(workflowID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("control failed: %v", getErr)), nil
	}
	if ctlErr := s.manager.Control(workflowID, action, stepID); ctlErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("control failed: %v", ctlErr)), nil
	}

	// Retry and jump may revive a finished run.
	s.captureSession(ctx, workflowID)

	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"action":      action,
		"status":      run.Workflow.State().Status,
	})
}

// handlePlan validates a definition and returns its waves along with any
// validation warnings.
func (s *Server) handlePlan(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := s.definitionArg(req)
	if errResult != nil {
		return errResult, nil
	}

	bp, err := definition.Build(def, s.registry)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("plan failed: %v", err)), nil
	}
	waves, err := bp.Plan()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("plan failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"name":     def.Name,
		"waves":    waves,
		"warnings": s.manager.Loader().Validate(def).Warnings,
	})
}

// handleDiagram draws a live run or a definition in the requested format.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if !slices.Contains(diagram.Formats, format) {
		return mcp.NewToolResultError("format must be ascii, mermaid, or png"), nil
	}

	var model *diagram.DiagramModel
	if id := req.GetString("workflow_id", ""); id != "" {
		model, err = s.manager.Diagram(id)
	} else {
		def, errResult := s.definitionArg(req)
		if errResult != nil {
			return errResult, nil
		}
		model, err = diagram.Build(def, nil)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	out, err := diagram.Render(ctx, model, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram render failed: %v", err)), nil
	}
	if format == diagram.FormatPNG {
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(out), "image/png"), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// handleQuery lists runs, events, actions, or schedules.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "actions":
		return marshalResult(map[string]any{"actions": s.registry.List()})
	case "schedules":
		if s.scheduler == nil {
			return marshalResult(map[string]any{"schedules": []any{}})
		}
		return marshalResult(map[string]any{"schedules": s.scheduler.Jobs()})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *Server) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	limit := extractInt(filter, "limit", 50)
	status, _ := filter["status"].(string)
	name, _ := filter["name"].(string)

	if persisted, _ := filter["persisted"].(bool); persisted {
		if s.store == nil {
			return mcp.NewToolResultError("persistence is disabled"), nil
		}
		snaps, err := s.store.ListSnapshots(ctx, store.SnapshotFilter{
			Status: schema.WorkflowStatus(status),
			Name:   name,
			Limit:  limit,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"workflows": snaps})
	}

	runs := make([]manager.RunInfo, 0)
	for _, info := range s.manager.List() {
		if status != "" && string(info.Status) != status {
			continue
		}
		if name != "" && info.Name != name {
			continue
		}
		runs = append(runs, info)
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[len(runs)-limit:]
	}
	return marshalResult(map[string]any{"workflows": runs})
}

func (s *Server) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("persistence is disabled"), nil
	}
	workflowID, _ := filter["workflow_id"].(string)
	if workflowID == "" {
		return mcp.NewToolResultError("event query requires 'workflow_id' in filter"), nil
	}
	since := int64(extractInt(filter, "since", 0))

	events, err := s.store.ListEvents(ctx, workflowID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if stepID, _ := filter["step_id"].(string); stepID != "" {
		kept := events[:0]
		for _, e := range events {
			if e.StepID == stepID {
				kept = append(kept, e)
			}
		}
		events = kept
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// definitionArg decodes the definition from either the inline object or
// the file argument. A non-nil result is a tool error to return as is.
func (s *Server) definitionArg(req mcp.CallToolRequest) (*schema.WorkflowDefinition, *mcp.CallToolResult) {
	loader := s.manager.Loader()

	if path := req.GetString("file", ""); path != "" {
		def, err := loader.Load(path)
		if err != nil {
			return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
		}
		return def, nil
	}

	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return nil, mcp.NewToolResultError("one of definition or file is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	def, err := loader.Parse(data)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	return def, nil
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

// captureSession maps the run to the current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, workflowID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(workflowID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
