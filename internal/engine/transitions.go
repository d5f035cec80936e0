package engine

import (
	"slices"

	"github.com/rendis/waveflow/pkg/schema"
)

// ValidStepTransitions lists the status moves a step may make during normal
// scheduling. JumpToStep resets statuses outside this table.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning: {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusFailed:  {schema.StepStatusPending},
}

// ValidWorkflowTransitions lists the status moves a run may make. Terminal
// runs only return to running through RetryStep or JumpToStep.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusIdle:      {schema.WorkflowStatusRunning},
	schema.WorkflowStatusRunning:   {schema.WorkflowStatusPaused, schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed},
	schema.WorkflowStatusPaused:    {schema.WorkflowStatusRunning, schema.WorkflowStatusFailed},
	schema.WorkflowStatusCompleted: {schema.WorkflowStatusRunning},
	schema.WorkflowStatusFailed:    {schema.WorkflowStatusRunning},
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	return slices.Contains(ValidStepTransitions[from], to)
}

func isValidWorkflowTransition(from, to schema.WorkflowStatus) bool {
	return slices.Contains(ValidWorkflowTransitions[from], to)
}

func stepTransitionError(id string, from, to schema.StepStatus) error {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid step transition: %s -> %s", from, to).
		WithStep(id).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

func workflowTransitionError(from, to schema.WorkflowStatus) error {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid workflow transition: %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// stepEventType maps a step status to the event published on entering it.
func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	case schema.StepStatusPending:
		return schema.EventStepReset
	default:
		return ""
	}
}
