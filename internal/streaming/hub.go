package streaming

import (
	"context"
	"time"
)

// StreamEvent is a single workflow or step transition published by a run.
type StreamEvent struct {
	WorkflowID string    `json:"workflow_id"`
	Workflow   string    `json:"workflow,omitempty"`
	StepID     string    `json:"step_id,omitempty"`
	EventType  string    `json:"event_type"`
	Status     string    `json:"status,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    any       `json:"payload,omitempty"`
}

// EventFilter narrows a subscription. Zero-valued fields match everything.
type EventFilter struct {
	WorkflowID string   `json:"workflow_id,omitempty"`
	StepID     string   `json:"step_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for workflow transitions.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
