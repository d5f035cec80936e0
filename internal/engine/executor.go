package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/waveflow/internal/logging"
	"github.com/rendis/waveflow/pkg/schema"
)

type outcome struct {
	result any
	err    error
}

// execute runs step inside the slot the scheduler admitted it to. The step
// is already marked running with its first attempt counted. Retries stay in
// the same slot. Outcomes are dropped if the run moved to a new generation
// meanwhile.
func (w *Workflow) execute(step *Step, gen uint64) {
	policy := retryPolicy(step, &w.opts)

	for {
		snap := w.cell.Read()
		if snap.gen != gen {
			return
		}
		attempts := snap.Steps[step.ID].Attempts
		ctx := logging.WithAttempt(logging.WithStepID(w.base, step.ID), attempts)
		log := logging.LogWith(ctx, w.logger)
		log.DebugContext(ctx, "step started", "name", step.displayName())

		start := time.Now()
		result, err := w.invoke(ctx, step, snap.Context)
		if err == nil {
			w.succeed(step, gen, result)
			return
		}

		if attempts < policy.Allowed() {
			delay := ComputeBackoff(policy, attempts-1)
			log.WarnContext(ctx, "step attempt failed, retrying",
				"error", err, "delay", delay, "elapsed", time.Since(start))
			w.emit(schema.EventStepRetrying, step.ID, string(schema.StepStatusRunning), attempts,
				map[string]any{"error": err.Error(), "delay_ms": delay.Milliseconds()})

			if WaitForBackoff(w.currentGenCtx(), delay) != nil {
				return
			}
			if !w.nextAttempt(step.ID, gen) {
				return
			}
			continue
		}

		w.fail(step, gen, err)
		return
	}
}

// invoke races the work function against the step timeout. The work
// function's context is cancelled when the timeout fires. A panicking work
// function is reported as a step failure.
func (w *Workflow) invoke(ctx context.Context, step *Step, c Context) (any, error) {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := step.Run(ctx, c)
		ch <- outcome{result: res, err: err}
	}()

	select {
	case o := <-ch:
		if o.err == nil {
			return o.result, nil
		}
		if step.Timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(step)
		}
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "%s", o.err.Error()).
			WithStep(step.ID).
			WithCause(o.err)
	case <-ctx.Done():
		return nil, timeoutError(step)
	}
}

func timeoutError(step *Step) error {
	return schema.NewErrorf(schema.ErrCodeStepTimeout, "step timed out after %s", step.Timeout).
		WithStep(step.ID).
		WithCause(context.DeadlineExceeded)
}

// nextAttempt counts another attempt for a running step.
func (w *Workflow) nextAttempt(id string, gen uint64) bool {
	now := time.Now()
	s, changed := w.cell.Modify(func(s WorkflowState) (WorkflowState, bool) {
		if s.gen != gen || s.Steps[id].Status != schema.StepStatusRunning {
			return s, false
		}
		s = s.clone()
		info := s.Steps[id]
		info.Attempts++
		info.StartedAt = now
		s.putStep(info)
		return s, true
	})
	if changed {
		w.emitStep(s.Steps[id])
	}
	return changed
}

func (w *Workflow) succeed(step *Step, gen uint64, result any) {
	now := time.Now()
	s, changed := w.cell.Modify(func(s WorkflowState) (WorkflowState, bool) {
		if s.gen != gen || s.Steps[step.ID].Status != schema.StepStatusRunning {
			return s, false
		}
		s = s.clone()
		s.Context = s.Context.With(step.ID, result)
		info := s.Steps[step.ID]
		info.Status = schema.StepStatusCompleted
		info.EndedAt = now
		info.Duration = now.Sub(info.StartedAt)
		info.Result = result
		info.Error = nil
		s.putStep(info)
		return s, true
	})
	if !changed {
		return
	}

	info := s.Steps[step.ID]
	w.logger.InfoContext(logging.WithStepID(w.base, step.ID), "step completed",
		"attempts", info.Attempts, "duration", info.Duration)
	w.emitStep(info)

	if step.OnSuccess != nil {
		step.OnSuccess(result)
	}
}

func (w *Workflow) fail(step *Step, gen uint64, err error) {
	now := time.Now()
	s, changed := w.cell.Modify(func(s WorkflowState) (WorkflowState, bool) {
		if s.gen != gen || s.Steps[step.ID].Status != schema.StepStatusRunning {
			return s, false
		}
		s = s.clone()
		info := s.Steps[step.ID]
		info.Status = schema.StepStatusFailed
		info.EndedAt = now
		info.Duration = now.Sub(info.StartedAt)
		info.Error = err
		s.putStep(info)
		return s, true
	})
	if !changed {
		return
	}

	info := s.Steps[step.ID]
	w.logger.ErrorContext(logging.WithStepID(w.base, step.ID), "step failed",
		"attempts", info.Attempts, "error", err)
	w.emitStep(info)

	if step.OnError != nil {
		step.OnError(err)
	}

	if !w.opts.ContinueOnFailure {
		w.halt(gen, err)
	}
}

// halt ends the run after a step failure. Steps already dispatched in the
// same wave keep running and their outcomes are still recorded.
func (w *Workflow) halt(gen uint64, cause error) {
	now := time.Now()
	var transErr error
	s, changed := w.cell.Modify(func(s WorkflowState) (WorkflowState, bool) {
		if s.gen != gen {
			return s, false
		}
		if s.Status != schema.WorkflowStatusRunning && s.Status != schema.WorkflowStatusPaused {
			return s, false
		}
		s = s.clone()
		if err := s.transition(schema.WorkflowStatusFailed, now); err != nil {
			transErr = err
			return s, false
		}
		s.IsFailed = true
		s.IsCompleted = false
		s.Error = cause
		s.endedBy = endStepFailure
		return s, true
	})
	if !changed {
		if transErr != nil {
			w.logger.ErrorContext(w.base, "workflow halt rejected", "workflow", w.name, "error", transErr)
		}
		return
	}
	w.logger.ErrorContext(w.base, "workflow halted", "workflow", w.name, "error", cause)
	w.emitWorkflow(schema.EventWorkflowFailed, s)
}
