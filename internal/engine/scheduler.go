package engine

import (
	"context"
	"slices"
	"time"

	"github.com/rendis/waveflow/pkg/schema"
)

// Start runs the workflow until it reaches a terminal state and returns the
// final context.
//
// A run halted by a step failure returns that step's error. A run that
// continued past failures returns nil with IsFailed set. Stop yields
// WORKFLOW_STOPPED and the global timeout WORKFLOW_TIMEOUT. Cancelling ctx
// terminates the run, even while paused, and returns ctx.Err().
func (w *Workflow) Start(ctx context.Context) (Context, error) {
	done := make(chan WorkflowState, 1)
	unsubscribe := w.cell.Subscribe(func(s WorkflowState) {
		if s.Terminal() {
			select {
			case done <- s:
			default:
			}
		}
	})
	defer unsubscribe()

	now := time.Now()
	var startErr error
	s, changed := w.cell.Modify(func(s WorkflowState) (WorkflowState, bool) {
		if s.Status != schema.WorkflowStatusIdle {
			startErr = schema.NewErrorf(schema.ErrCodeAlreadyRunning, "workflow %s already started", s.ID)
			return s, false
		}
		s = s.clone()
		s.StartedAt = now
		if err := s.transition(schema.WorkflowStatusRunning, now); err != nil {
			startErr = err
			return s, false
		}
		s.gen++
		return s, true
	})
	if !changed {
		return s.Context, startErr
	}

	w.logger.InfoContext(w.base, "workflow started", "workflow", w.name, "steps", len(w.steps))
	w.emitWorkflow(schema.EventWorkflowStarted, s)

	if w.opts.GlobalTimeout > 0 {
		w.mu.Lock()
		w.timer = time.AfterFunc(w.opts.GlobalTimeout, w.timeout)
		w.mu.Unlock()
	}

	w.kick()

	select {
	case final := <-done:
		return final.Context, final.Error
	case <-ctx.Done():
		err := ctx.Err()
		cause := schema.NewError(schema.ErrCodeWorkflowStopped, "workflow cancelled").WithCause(err)
		if !w.terminate(cause, schema.EventWorkflowStopped, true) {
			// The run reached a terminal state on its own first.
			if final := w.cell.Read(); final.Terminal() {
				return final.Context, final.Error
			}
		}
		return w.cell.Read().Context, err
	}
}

// kick requests a scheduling round. Requests made while the loop is busy
// are coalesced into one follow-up round.
func (w *Workflow) kick() {
	w.mu.Lock()
	if w.loopActive {
		w.pendingKick = true
		w.mu.Unlock()
		return
	}
	w.loopActive = true
	w.mu.Unlock()

	go w.loop()
}

// loop drives rounds until no further progress is possible and no round
// was requested meanwhile. Only one loop runs per workflow.
func (w *Workflow) loop() {
	for {
		if w.round() {
			continue
		}
		w.mu.Lock()
		if !w.pendingKick {
			w.loopActive = false
			w.mu.Unlock()
			return
		}
		w.pendingKick = false
		w.mu.Unlock()
	}
}

// round performs one scheduling pass. It reports whether anything changed
// that warrants another pass straight away: a dispatched wave or newly
// skipped steps.
func (w *Workflow) round() bool {
	snap := w.cell.Read()
	if snap.Status != schema.WorkflowStatusRunning {
		return false
	}

	// Conditions are caller code and run outside the cell lock.
	var runnable []string
	falseCond := make(map[string]bool)
	for i := range w.steps {
		step := &w.steps[i]
		if snap.Steps[step.ID].Status != schema.StepStatusPending || !snap.depsSatisfied(step) {
			continue
		}
		if step.Condition != nil && !step.Condition(snap.Context) {
			falseCond[step.ID] = true
			continue
		}
		runnable = append(runnable, step.ID)
	}

	var (
		skipped   []StepInfo
		batch     []StepInfo
		completed bool
		stale     bool
		gen       uint64
		transErr  error
	)
	now := time.Now()
	s, changed := w.cell.Modify(func(s WorkflowState) (WorkflowState, bool) {
		if s.Status != schema.WorkflowStatusRunning || s.gen != snap.gen {
			return s, false
		}
		s = s.clone()
		gen = s.gen

		for i := range w.steps {
			id := w.steps[i].ID
			info := s.Steps[id]
			if !falseCond[id] || info.Status != schema.StepStatusPending {
				continue
			}
			info.Status = schema.StepStatusSkipped
			info.EndedAt = now
			s.putStep(info)
			skipped = append(skipped, s.Steps[id])
		}

		ready := make([]*Step, 0, len(runnable))
		for _, id := range runnable {
			step := w.step(id)
			if s.Steps[id].Status == schema.StepStatusPending && s.depsSatisfied(step) {
				ready = append(ready, step)
			}
		}
		// Non-parallel steps first; stable keeps declaration order.
		slices.SortStableFunc(ready, func(a, b *Step) int {
			switch {
			case a.Parallel == b.Parallel:
				return 0
			case !a.Parallel:
				return -1
			default:
				return 1
			}
		})
		available := max(0, w.opts.MaxParallelSteps-len(s.Running))
		if len(ready) > available {
			ready = ready[:available]
		}

		for _, step := range ready {
			info := s.Steps[step.ID]
			info.Status = schema.StepStatusRunning
			info.StartedAt = now
			info.EndedAt = time.Time{}
			info.Duration = 0
			info.Error = nil
			info.Attempts++
			s.putStep(info)
			batch = append(batch, s.Steps[step.ID])
		}

		// A step that became runnable after the snapshot was taken (for
		// example through RetryStep) needs another pass before the run can
		// be judged finished.
		for i := range w.steps {
			step := &w.steps[i]
			if s.Steps[step.ID].Status == schema.StepStatusPending && s.depsSatisfied(step) &&
				!falseCond[step.ID] && !slices.Contains(runnable, step.ID) {
				stale = true
				break
			}
		}

		if len(batch) == 0 && len(skipped) == 0 && len(s.Running) == 0 && !stale {
			// Nothing left that can ever run: either every step is done or
			// the remaining ones are blocked behind failures.
			s.IsCompleted = true
			s.IsFailed = len(s.Failed) > 0
			s.endedBy = endFinished
			to := schema.WorkflowStatusCompleted
			if s.IsFailed {
				to = schema.WorkflowStatusFailed
			}
			if err := s.transition(to, now); err != nil {
				transErr = err
				return s, false
			}
			completed = true
		}

		if len(batch) == 0 && len(skipped) == 0 && !completed {
			return s, false
		}
		return s, true
	})
	if !changed {
		if transErr != nil {
			w.logger.ErrorContext(w.base, "workflow finish rejected", "workflow", w.name, "error", transErr)
		}
		return stale
	}

	for _, info := range skipped {
		w.logger.DebugContext(w.base, "step skipped", "step_id", info.ID, "reason", "condition")
		w.emitStep(info)
	}

	if completed {
		w.finish(s)
		return false
	}

	if len(batch) == 0 {
		return true
	}

	ctx := w.currentGenCtx()
	for _, info := range batch {
		w.emitStep(info)
		step := w.step(info.ID)
		if err := w.pool.Submit(ctx, func(context.Context) { w.execute(step, gen) }); err != nil {
			// The generation ended before a slot freed up; the step stays
			// running in a discarded generation.
			w.logger.DebugContext(w.base, "dispatch abandoned", "step_id", info.ID, "error", err)
		}
	}
	w.pool.Wait()
	return true
}

// finish logs and publishes a run that ran out of work.
func (w *Workflow) finish(s WorkflowState) {
	w.stopTimer()
	if s.IsFailed {
		w.logger.WarnContext(w.base, "workflow finished with failed steps",
			"workflow", w.name, "failed", s.Failed, "duration", s.Duration)
		w.emitWorkflow(schema.EventWorkflowFailed, s)
		return
	}
	w.logger.InfoContext(w.base, "workflow completed", "workflow", w.name, "duration", s.Duration)
	w.emitWorkflow(schema.EventWorkflowCompleted, s)
}

func (w *Workflow) timeout() {
	err := schema.NewErrorf(schema.ErrCodeWorkflowTimeout, "workflow exceeded timeout of %s", w.opts.GlobalTimeout)
	w.terminate(err, schema.EventWorkflowTimedOut, true)
}

// terminate force-ends an active run. In-flight steps keep running but
// their outcomes are discarded. Paused runs are only ended when
// includePaused is set.
func (w *Workflow) terminate(cause error, eventType string, includePaused bool) bool {
	now := time.Now()
	var transErr error
	s, changed := w.cell.Modify(func(s WorkflowState) (WorkflowState, bool) {
		switch {
		case s.Status == schema.WorkflowStatusRunning:
		case s.Status == schema.WorkflowStatusPaused && includePaused:
		default:
			return s, false
		}
		s = s.clone()
		if err := s.transition(schema.WorkflowStatusFailed, now); err != nil {
			transErr = err
			return s, false
		}
		s.gen++
		s.IsFailed = true
		s.IsCompleted = false
		s.Error = cause
		s.endedBy = endStopped
		return s, true
	})
	if !changed {
		if transErr != nil {
			w.logger.ErrorContext(w.base, "workflow termination rejected", "workflow", w.name, "error", transErr)
		}
		return false
	}

	w.nextGeneration()
	w.stopTimer()
	w.logger.WarnContext(w.base, "workflow terminated", "workflow", w.name, "error", cause)
	w.emitWorkflow(eventType, s)
	return true
}

func (w *Workflow) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
