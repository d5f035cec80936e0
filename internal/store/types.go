package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/waveflow/pkg/schema"
)

// Snapshot is the persisted form of a workflow's latest state.
type Snapshot struct {
	Key        string                `json:"storage_key"`
	WorkflowID string                `json:"workflow_id"`
	Name       string                `json:"name"`
	Status     schema.WorkflowStatus `json:"status"`
	State      json.RawMessage       `json:"state"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// SnapshotFilter narrows ListSnapshots.
type SnapshotFilter struct {
	Status schema.WorkflowStatus
	Name   string
	Limit  int
}

// Event is an immutable entry in the transition log.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	StepID     string          `json:"step_id,omitempty"`
	Type       string          `json:"event_type"`
	Status     string          `json:"status,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// StepState is the materialized view of one step's latest record.
type StepState struct {
	WorkflowID  string            `json:"workflow_id"`
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	Error       string            `json:"error,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}
