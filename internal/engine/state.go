package engine

import (
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/rendis/waveflow/pkg/schema"
)

// StepInfo is the run record of one step.
type StepInfo struct {
	ID        string
	Name      string
	Status    schema.StepStatus
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
	Error     error
	Result    any
	Attempts  int

	version uint64
}

type stepInfoJSON struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	Status    schema.StepStatus `json:"status"`
	StartedAt time.Time         `json:"started_at,omitzero"`
	EndedAt   time.Time         `json:"ended_at,omitzero"`
	Duration  time.Duration     `json:"duration_ns,omitempty"`
	Error     string            `json:"error,omitempty"`
	Result    any               `json:"result,omitempty"`
	Attempts  int               `json:"attempts"`
}

// MarshalJSON flattens Error to its message.
func (i StepInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(stepInfoJSON{
		ID:        i.ID,
		Name:      i.Name,
		Status:    i.Status,
		StartedAt: i.StartedAt,
		EndedAt:   i.EndedAt,
		Duration:  i.Duration,
		Error:     errString(i.Error),
		Result:    i.Result,
		Attempts:  i.Attempts,
	})
}

// UnmarshalJSON restores a StepInfo written by MarshalJSON. The error, if
// any, comes back as a plain error carrying the original message.
func (i *StepInfo) UnmarshalJSON(data []byte) error {
	var raw stepInfoJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*i = StepInfo{
		ID:        raw.ID,
		Name:      raw.Name,
		Status:    raw.Status,
		StartedAt: raw.StartedAt,
		EndedAt:   raw.EndedAt,
		Duration:  raw.Duration,
		Error:     errFromString(raw.Error),
		Result:    raw.Result,
		Attempts:  raw.Attempts,
	}
	return nil
}

// WorkflowState is a consistent snapshot of a run. Snapshots are never
// modified after publication; every transition produces a new one.
//
// The five buckets partition the step IDs and always agree with each
// StepInfo's status.
type WorkflowState struct {
	ID          string
	Name        string
	Status      schema.WorkflowStatus
	IsRunning   bool
	IsCompleted bool
	IsFailed    bool
	StartedAt   time.Time
	EndedAt     time.Time
	Duration    time.Duration
	Context     Context
	Steps       map[string]StepInfo

	Pending   []string
	Running   []string
	Completed []string
	Failed    []string
	Skipped   []string

	// Error is the error that terminated the run, if any.
	Error error

	gen     uint64
	endedBy endReason
}

type endReason int

const (
	endNone endReason = iota
	endFinished
	endStepFailure
	endStopped
)

type workflowStateJSON struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Status      schema.WorkflowStatus `json:"status"`
	IsRunning   bool                  `json:"is_running"`
	IsCompleted bool                  `json:"is_completed"`
	IsFailed    bool                  `json:"is_failed"`
	StartedAt   time.Time             `json:"started_at,omitzero"`
	EndedAt     time.Time             `json:"ended_at,omitzero"`
	Duration    time.Duration         `json:"duration_ns,omitempty"`
	Context     Context               `json:"context"`
	Steps       map[string]StepInfo   `json:"steps"`
	Pending     []string              `json:"pending"`
	Running     []string              `json:"running"`
	Completed   []string              `json:"completed"`
	Failed      []string              `json:"failed"`
	Skipped     []string              `json:"skipped"`
	Error       string                `json:"error,omitempty"`
}

// MarshalJSON encodes the snapshot with Error flattened to its message.
func (s WorkflowState) MarshalJSON() ([]byte, error) {
	return json.Marshal(workflowStateJSON{
		ID:          s.ID,
		Name:        s.Name,
		Status:      s.Status,
		IsRunning:   s.IsRunning,
		IsCompleted: s.IsCompleted,
		IsFailed:    s.IsFailed,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
		Duration:    s.Duration,
		Context:     s.Context,
		Steps:       s.Steps,
		Pending:     nonNil(s.Pending),
		Running:     nonNil(s.Running),
		Completed:   nonNil(s.Completed),
		Failed:      nonNil(s.Failed),
		Skipped:     nonNil(s.Skipped),
		Error:       errString(s.Error),
	})
}

// UnmarshalJSON restores a snapshot written by MarshalJSON.
func (s *WorkflowState) UnmarshalJSON(data []byte) error {
	var raw workflowStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = WorkflowState{
		ID:          raw.ID,
		Name:        raw.Name,
		Status:      raw.Status,
		IsRunning:   raw.IsRunning,
		IsCompleted: raw.IsCompleted,
		IsFailed:    raw.IsFailed,
		StartedAt:   raw.StartedAt,
		EndedAt:     raw.EndedAt,
		Duration:    raw.Duration,
		Context:     raw.Context,
		Steps:       raw.Steps,
		Pending:     raw.Pending,
		Running:     raw.Running,
		Completed:   raw.Completed,
		Failed:      raw.Failed,
		Skipped:     raw.Skipped,
		Error:       errFromString(raw.Error),
	}
	return nil
}

// Terminal reports whether the run has finished.
func (s WorkflowState) Terminal() bool {
	return s.Status.Terminal()
}

// clone returns a copy whose maps and slices can be mutated freely.
func (s WorkflowState) clone() WorkflowState {
	c := s
	c.Steps = make(map[string]StepInfo, len(s.Steps))
	for id, info := range s.Steps {
		c.Steps[id] = info
	}
	c.Pending = slices.Clone(s.Pending)
	c.Running = slices.Clone(s.Running)
	c.Completed = slices.Clone(s.Completed)
	c.Failed = slices.Clone(s.Failed)
	c.Skipped = slices.Clone(s.Skipped)
	return c
}

func (s *WorkflowState) bucket(status schema.StepStatus) *[]string {
	switch status {
	case schema.StepStatusPending:
		return &s.Pending
	case schema.StepStatusRunning:
		return &s.Running
	case schema.StepStatusCompleted:
		return &s.Completed
	case schema.StepStatusFailed:
		return &s.Failed
	case schema.StepStatusSkipped:
		return &s.Skipped
	default:
		return nil
	}
}

// putStep stores info, moving its ID between buckets when the status
// changed. Must only be called on a cloned state.
func (s *WorkflowState) putStep(info StepInfo) {
	prev, ok := s.Steps[info.ID]
	if ok && prev.Status != info.Status {
		if b := s.bucket(prev.Status); b != nil {
			*b = slices.DeleteFunc(*b, func(id string) bool { return id == info.ID })
		}
	}
	if !ok || prev.Status != info.Status {
		if b := s.bucket(info.Status); b != nil {
			*b = append(*b, info.ID)
		}
	}
	info.version = prev.version + 1
	s.Steps[info.ID] = info
}

func (s *WorkflowState) depsSatisfied(step *Step) bool {
	for _, dep := range step.DependsOn {
		st := s.Steps[dep].Status
		if st != schema.StepStatusCompleted && st != schema.StepStatusSkipped {
			return false
		}
	}
	return true
}

// transition moves the run to status, rejecting moves outside
// ValidWorkflowTransitions with INVALID_TRANSITION.
func (s *WorkflowState) transition(status schema.WorkflowStatus, now time.Time) error {
	if !isValidWorkflowTransition(s.Status, status) {
		return workflowTransitionError(s.Status, status)
	}
	s.setStatus(status, now)
	return nil
}

func (s *WorkflowState) setStatus(status schema.WorkflowStatus, now time.Time) {
	s.Status = status
	s.IsRunning = status == schema.WorkflowStatusRunning
	switch status {
	case schema.WorkflowStatusRunning:
		s.IsCompleted = false
		s.IsFailed = false
		s.EndedAt = time.Time{}
		s.Duration = 0
		s.Error = nil
		s.endedBy = endNone
	case schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed:
		s.EndedAt = now
		s.Duration = now.Sub(s.StartedAt)
	}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func errFromString(msg string) error {
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}
