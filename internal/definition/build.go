package definition

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/waveflow/internal/actions"
	"github.com/rendis/waveflow/internal/engine"
	"github.com/rendis/waveflow/internal/expressions"
	"github.com/rendis/waveflow/pkg/schema"
)

// Blueprint is a definition bound to concrete actions, ready to be
// instantiated as any number of workflow runs.
type Blueprint struct {
	Name       string
	StorageKey string
	Steps      []engine.Step
	Options    []engine.Option

	// Definition is the source the blueprint was built from.
	Definition *schema.WorkflowDefinition
}

// New creates a fresh idle workflow from the blueprint. extra options are
// applied after the definition's own.
func (b *Blueprint) New(extra ...engine.Option) (*engine.Workflow, error) {
	opts := make([]engine.Option, 0, len(b.Options)+len(extra))
	opts = append(opts, b.Options...)
	opts = append(opts, extra...)
	return engine.New(b.Name, b.Steps, opts...)
}

// Plan returns the topological levels of the blueprint's steps.
func (b *Blueprint) Plan() ([][]string, error) {
	return engine.Plan(b.Steps)
}

// Build binds every step of def to its action in reg. The definition is
// assumed to have passed validation; malformed durations are still reported.
func Build(def *schema.WorkflowDefinition, reg actions.ActionRegistry) (*Blueprint, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	bp := &Blueprint{Name: def.Name, StorageKey: def.StorageKey, Definition: def}

	if def.MaxParallel > 0 {
		bp.Options = append(bp.Options, engine.WithMaxParallelSteps(def.MaxParallel))
	}
	if def.ContinueOnFailure {
		bp.Options = append(bp.Options, engine.WithContinueOnFailure(true))
	}
	if def.AutoRetry {
		bp.Options = append(bp.Options, engine.WithAutoRetry())
	}
	if d, err := duration(def.Timeout, "timeout"); err != nil {
		return nil, err
	} else if d > 0 {
		bp.Options = append(bp.Options, engine.WithGlobalTimeout(d))
	}
	if len(def.Context) > 0 {
		bp.Options = append(bp.Options, engine.WithInitialContext(engine.NewContext(def.Context)))
	}

	bp.Steps = make([]engine.Step, 0, len(def.Steps))
	for i := range def.Steps {
		step, err := buildStep(&def.Steps[i], reg)
		if err != nil {
			return nil, err
		}
		bp.Steps = append(bp.Steps, step)
	}

	if err := engine.ValidateSteps(bp.Steps); err != nil {
		return nil, err
	}
	return bp, nil
}

func buildStep(sd *schema.StepDefinition, reg actions.ActionRegistry) (engine.Step, error) {
	action, err := reg.Get(sd.Action)
	if err != nil {
		return engine.Step{}, schema.NewErrorf(schema.ErrCodeActionUnavailable,
			"action %q not registered", sd.Action).WithStep(sd.ID).WithCause(err)
	}
	if !expressions.HasInterpolation(sd.Params) {
		if err := action.Validate(sd.Params); err != nil {
			return engine.Step{}, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid params for %s", sd.Action).WithStep(sd.ID).WithCause(err)
		}
	}

	step := engine.Step{
		ID:        sd.ID,
		Name:      sd.Name,
		Run:       workFunc(sd.ID, sd.Params, action),
		Condition: condition(sd.When),
		DependsOn: append([]string(nil), sd.DependsOn...),
		Parallel:  sd.Parallel,
	}

	if step.Timeout, err = duration(sd.Timeout, sd.ID+".timeout"); err != nil {
		return engine.Step{}, err
	}

	if r := sd.Retry; r != nil {
		step.RetryAttempts = r.Attempts
		if step.Backoff, err = engine.ParseBackoff(r.Backoff); err != nil {
			return engine.Step{}, schema.NewError(schema.ErrCodeValidation, err.Error()).WithStep(sd.ID)
		}
		if step.RetryDelay, err = duration(r.Delay, sd.ID+".retry.delay"); err != nil {
			return engine.Step{}, err
		}
		if step.MaxRetryDelay, err = duration(r.MaxDelay, sd.ID+".retry.max_delay"); err != nil {
			return engine.Step{}, err
		}
	}

	return step, nil
}

// workFunc resolves ${{ }} references in params against the live context,
// then runs the action with a plain copy of that context.
func workFunc(stepID string, params map[string]any, action actions.Action) engine.WorkFunc {
	return func(ctx context.Context, c engine.Context) (any, error) {
		data := c.Map()
		resolved := params
		if expressions.HasInterpolation(params) {
			var err error
			if resolved, err = expressions.Interpolate(params, data); err != nil {
				return nil, err
			}
			if err := action.Validate(resolved); err != nil {
				return nil, err
			}
		}
		return action.Execute(ctx, actions.ActionInput{
			StepID:  stepID,
			Params:  resolved,
			Context: data,
		})
	}
}

func duration(s, field string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid duration %q for %s", s, field).WithCause(err)
	}
	if d < 0 {
		return 0, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("negative duration %q for %s", s, field))
	}
	return d, nil
}
