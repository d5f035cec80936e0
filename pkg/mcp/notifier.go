package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/waveflow/internal/streaming"
	"github.com/rendis/waveflow/pkg/schema"
)

// RunNotifier pushes run events to the client that started the run.
type RunNotifier interface {
	Notify(ctx context.Context, workflowID string, payload map[string]any) error
}

// MCPNotifier implements RunNotifier using MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP notifications.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the run's session.
// Best-effort: returns nil if no session is tracking the run.
func (n *MCPNotifier) Notify(_ context.Context, workflowID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(workflowID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send, not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Forward relays every hub event to the session of its run until ctx is
// done. Terminal workflow events end the run's subscription.
func (n *MCPNotifier) Forward(ctx context.Context, hub streaming.EventHub) error {
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			_ = n.Notify(ctx, e.WorkflowID, eventPayload(e))
			if terminalEvent(e.EventType) {
				n.sessions.Forget(e.WorkflowID)
			}
		}
	}
}

func eventPayload(e streaming.StreamEvent) map[string]any {
	payload := map[string]any{
		"level":  "info",
		"logger": "waveflow",
		"data":   e,
	}
	if e.EventType == schema.EventStepFailed || e.EventType == schema.EventWorkflowFailed {
		payload["level"] = "error"
	}
	return payload
}

func terminalEvent(eventType string) bool {
	switch eventType {
	case schema.EventWorkflowCompleted, schema.EventWorkflowFailed,
		schema.EventWorkflowStopped, schema.EventWorkflowTimedOut:
		return true
	}
	return false
}
