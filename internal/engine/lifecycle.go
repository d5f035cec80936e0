package engine

import (
	"time"

	"github.com/rendis/waveflow/pkg/schema"
)

// Pause stops new waves from being dispatched. Steps already running finish
// normally. It is a no-op unless the run is running.
func (w *Workflow) Pause() {
	var transErr error
	s, changed := w.cell.Modify(func(s WorkflowState) (WorkflowState, bool) {
		s = s.clone()
		if err := s.transition(schema.WorkflowStatusPaused, time.Now()); err != nil {
			transErr = err
			return s, false
		}
		return s, true
	})
	if transErr != nil {
		w.logger.DebugContext(w.base, "pause ignored", "workflow", w.name, "error", transErr)
	}
	if changed {
		w.logger.InfoContext(w.base, "workflow paused", "workflow", w.name)
		w.emitWorkflow(schema.EventWorkflowPaused, s)
	}
}

// Resume continues a paused run. It is a no-op unless the run is paused.
func (w *Workflow) Resume() {
	s, changed := w.cell.Modify(func(s WorkflowState) (WorkflowState, bool) {
		if s.Status != schema.WorkflowStatusPaused {
			return s, false
		}
		s = s.clone()
		if err := s.transition(schema.WorkflowStatusRunning, time.Now()); err != nil {
			return s, false
		}
		return s, true
	})
	if changed {
		w.logger.InfoContext(w.base, "workflow resumed", "workflow", w.name)
		w.emitWorkflow(schema.EventWorkflowResumed, s)
		w.kick()
	}
}

// Stop ends a running run as failed with WORKFLOW_STOPPED. Running steps are
// not interrupted; their outcomes are discarded. It is a no-op unless the
// run is running.
func (w *Workflow) Stop() {
	w.terminate(schema.NewError(schema.ErrCodeWorkflowStopped, "workflow stopped"),
		schema.EventWorkflowStopped, false)
}

// RetryStep returns a failed step to pending with its error and attempt
// count cleared. A run that ended because of step failures is revived.
func (w *Workflow) RetryStep(id string) error {
	if w.step(id) == nil {
		return notFound(id)
	}

	var (
		opErr   error
		revived bool
	)
	now := time.Now()
	s, changed := w.cell.Modify(func(s WorkflowState) (WorkflowState, bool) {
		info := s.Steps[id]
		if !isValidStepTransition(info.Status, schema.StepStatusPending) {
			opErr = stepTransitionError(id, info.Status, schema.StepStatusPending)
			return s, false
		}
		s = s.clone()
		info.Status = schema.StepStatusPending
		info.Error = nil
		info.Result = nil
		info.Attempts = 0
		info.StartedAt = time.Time{}
		info.EndedAt = time.Time{}
		info.Duration = 0
		s.putStep(info)

		if s.Terminal() && (s.endedBy == endStepFailure || s.endedBy == endFinished) {
			if err := s.transition(schema.WorkflowStatusRunning, now); err != nil {
				opErr = err
				return s, false
			}
			revived = true
		}
		return s, true
	})
	if !changed {
		return opErr
	}

	w.logger.InfoContext(w.base, "step reset for retry", "step_id", id, "revived", revived)
	w.emitStep(s.Steps[id])
	if revived {
		w.emitWorkflow(schema.EventWorkflowResumed, s)
	}
	if s.Status == schema.WorkflowStatusRunning {
		w.kick()
	}
	return nil
}

// SkipStep marks a pending step skipped. Its dependents treat it as
// satisfied.
func (w *Workflow) SkipStep(id string) error {
	if w.step(id) == nil {
		return notFound(id)
	}

	var opErr error
	now := time.Now()
	s, changed := w.cell.Modify(func(s WorkflowState) (WorkflowState, bool) {
		info := s.Steps[id]
		if info.Status != schema.StepStatusPending {
			opErr = stepTransitionError(id, info.Status, schema.StepStatusSkipped)
			return s, false
		}
		s = s.clone()
		info.Status = schema.StepStatusSkipped
		info.EndedAt = now
		s.putStep(info)
		return s, true
	})
	if !changed {
		return opErr
	}

	w.logger.InfoContext(w.base, "step skipped", "step_id", id, "reason", "manual")
	w.emitStep(s.Steps[id])
	if s.Status == schema.WorkflowStatusRunning {
		w.kick()
	}
	return nil
}

// JumpToStep discards the current progress and restarts scheduling from a
// single step: every other step is marked skipped and the target becomes
// pending. Outcomes of steps still running are discarded. A finished run is
// revived; a paused run stays paused. Step results already merged into the
// context are kept.
func (w *Workflow) JumpToStep(id string) error {
	if w.step(id) == nil {
		return notFound(id)
	}

	var (
		opErr   error
		revived bool
	)
	now := time.Now()
	s, changed := w.cell.Modify(func(s WorkflowState) (WorkflowState, bool) {
		s = s.clone()
		if s.Terminal() {
			if err := s.transition(schema.WorkflowStatusRunning, now); err != nil {
				opErr = err
				return s, false
			}
			revived = true
		}
		s.gen++
		s.Pending, s.Running, s.Completed, s.Failed, s.Skipped = nil, nil, nil, nil, nil

		for i := range w.steps {
			sid := w.steps[i].ID
			info := s.Steps[sid]
			version := info.version
			if sid == id {
				info = StepInfo{ID: sid, Name: info.Name, Status: schema.StepStatusPending}
				s.Pending = append(s.Pending, sid)
			} else {
				info.Status = schema.StepStatusSkipped
				s.Skipped = append(s.Skipped, sid)
			}
			info.version = version + 1
			s.Steps[sid] = info
		}
		return s, true
	})
	if !changed {
		return opErr
	}

	w.nextGeneration()
	w.logger.InfoContext(w.base, "workflow jumped", "step_id", id, "revived", revived)
	w.emit(schema.EventWorkflowJumped, id, string(s.Status), 0, nil)
	if s.Status == schema.WorkflowStatusRunning {
		w.kick()
	}
	return nil
}

// UpdateContext replaces the shared context with fn applied to it. fn runs
// outside the state lock and may be called again if a step result lands
// concurrently.
func (w *Workflow) UpdateContext(fn func(Context) Context) {
	for {
		snap := w.cell.Read()
		next := fn(snap.Context)
		_, changed := w.cell.Modify(func(s WorkflowState) (WorkflowState, bool) {
			if !s.Context.same(snap.Context) {
				return s, false
			}
			s = s.clone()
			s.Context = next
			return s, true
		})
		if changed {
			return
		}
	}
}

func notFound(id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "step %s not found", id).WithStep(id)
}
