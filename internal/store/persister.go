package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rendis/waveflow/internal/engine"
	"github.com/rendis/waveflow/pkg/schema"
)

// Persister writes workflow snapshots to a Store. It satisfies
// engine.StateSink and may be shared by several workflows.
type Persister struct {
	store Store

	mu   sync.Mutex
	prev map[string]engine.WorkflowState
}

// NewPersister returns a Persister backed by s.
func NewPersister(s Store) *Persister {
	return &Persister{store: s, prev: make(map[string]engine.WorkflowState)}
}

// SaveState upserts the snapshot under key, then appends one event per
// step or workflow transition since the previous call for the same key.
func (p *Persister) SaveState(ctx context.Context, key string, state engine.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", key, err)
	}

	p.mu.Lock()
	prev, seen := p.prev[key]
	p.prev[key] = state
	p.mu.Unlock()

	now := time.Now().UTC()
	if err := p.store.SaveSnapshot(ctx, &Snapshot{
		Key:        key,
		WorkflowID: state.ID,
		Name:       state.Name,
		Status:     state.Status,
		State:      data,
		UpdatedAt:  now,
	}); err != nil {
		return err
	}

	if !seen || prev.ID != state.ID {
		prev = engine.WorkflowState{}
	}

	for _, id := range stepOrder(state) {
		info := state.Steps[id]
		old, ok := prev.Steps[id]
		if ok && old.Status == info.Status && old.Attempts == info.Attempts {
			continue
		}
		if !ok && info.Status == schema.StepStatusPending {
			continue
		}
		if err := p.recordStep(ctx, state.ID, info, now); err != nil {
			return err
		}
	}

	if prev.Status != state.Status && state.Status != schema.WorkflowStatusIdle {
		if err := p.store.AppendEvent(ctx, &Event{
			WorkflowID: state.ID,
			Type:       workflowEventType(state),
			Status:     string(state.Status),
			Payload:    errorPayload(state.Error),
			Timestamp:  now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// stepOrder lists step IDs bucket by bucket, finished steps first, each
// bucket in the order its steps entered it.
func stepOrder(s engine.WorkflowState) []string {
	ids := make([]string, 0, len(s.Steps))
	for _, bucket := range [][]string{s.Completed, s.Failed, s.Skipped, s.Running, s.Pending} {
		ids = append(ids, bucket...)
	}
	return ids
}

// Forget drops the diff baseline for key and reports whether one was held.
func (p *Persister) Forget(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.prev[key]
	delete(p.prev, key)
	return ok
}

func (p *Persister) recordStep(ctx context.Context, workflowID string, info engine.StepInfo, now time.Time) error {
	var errMsg string
	if info.Error != nil {
		errMsg = info.Error.Error()
	}
	var output json.RawMessage
	if info.Result != nil {
		if b, err := json.Marshal(info.Result); err == nil {
			output = b
		}
	}

	if err := p.store.AppendEvent(ctx, &Event{
		WorkflowID: workflowID,
		StepID:     info.ID,
		Type:       stepEventType(info.Status),
		Status:     string(info.Status),
		Attempt:    info.Attempts,
		Payload:    errorPayload(info.Error),
		Timestamp:  now,
	}); err != nil {
		return err
	}

	ss := &StepState{
		WorkflowID: workflowID,
		StepID:     info.ID,
		Status:     info.Status,
		Attempts:   info.Attempts,
		Error:      errMsg,
		Output:     output,
		DurationMs: info.Duration.Milliseconds(),
	}
	if !info.StartedAt.IsZero() {
		t := info.StartedAt
		ss.StartedAt = &t
	}
	if !info.EndedAt.IsZero() {
		t := info.EndedAt
		ss.CompletedAt = &t
	}
	return p.store.UpsertStepState(ctx, ss)
}

// Load returns the workflow state last saved under key.
func Load(ctx context.Context, s Store, key string) (engine.WorkflowState, error) {
	var state engine.WorkflowState
	snap, err := s.LoadSnapshot(ctx, key)
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(snap.State, &state); err != nil {
		return state, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return state, nil
}

func workflowEventType(s engine.WorkflowState) string {
	switch s.Status {
	case schema.WorkflowStatusRunning:
		return schema.EventWorkflowStarted
	case schema.WorkflowStatusPaused:
		return schema.EventWorkflowPaused
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	default:
		if schema.IsCode(s.Error, schema.ErrCodeWorkflowStopped) {
			return schema.EventWorkflowStopped
		}
		if schema.IsCode(s.Error, schema.ErrCodeWorkflowTimeout) {
			return schema.EventWorkflowTimedOut
		}
		return schema.EventWorkflowFailed
	}
}

func stepEventType(status schema.StepStatus) string {
	switch status {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	default:
		return schema.EventStepReset
	}
}

func errorPayload(err error) json.RawMessage {
	if err == nil {
		return nil
	}
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}
