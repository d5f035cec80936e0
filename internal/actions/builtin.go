package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/waveflow/internal/validation"
	"github.com/rendis/waveflow/pkg/schema"
)

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, validator *validation.JSONSchemaValidator) error {
	all := make([]Action, 0, 16)

	exprActions, err := ExprActions()
	if err != nil {
		return err
	}
	all = append(all, CoreActions()...)
	all = append(all, exprActions...)
	all = append(all, AssertActions(validator)...)

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// CoreActions returns the control actions: noop, echo, sleep and fail.
func CoreActions() []Action {
	return []Action{
		&noopAction{},
		&echoAction{},
		&sleepAction{},
		&failAction{},
	}
}

// --- noop ---

type noopAction struct{}

func (a *noopAction) Name() string { return "noop" }

func (a *noopAction) Schema() ActionSchema {
	return ActionSchema{Description: "Do nothing and produce no result"}
}

func (a *noopAction) Validate(map[string]any) error { return nil }

func (a *noopAction) Execute(context.Context, ActionInput) (any, error) {
	return nil, nil
}

// --- echo ---

type echoAction struct{}

func (a *echoAction) Name() string { return "echo" }

func (a *echoAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Return params.value, or all params when value is absent",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"value":{}}}`),
	}
}

func (a *echoAction) Validate(map[string]any) error { return nil }

func (a *echoAction) Execute(_ context.Context, input ActionInput) (any, error) {
	if v, ok := input.Params["value"]; ok {
		return v, nil
	}
	if len(input.Params) == 0 {
		return nil, nil
	}
	return input.Params, nil
}

// --- sleep ---

type sleepAction struct{}

func (a *sleepAction) Name() string { return "sleep" }

func (a *sleepAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Wait for params.duration, honoring cancellation",
		InputSchema: json.RawMessage(`{"type":"object","required":["duration"],"properties":{"duration":{"type":"string"}}}`),
	}
}

func (a *sleepAction) Validate(params map[string]any) error {
	_, err := sleepDuration(params)
	return err
}

func (a *sleepAction) Execute(ctx context.Context, input ActionInput) (any, error) {
	d, err := sleepDuration(input.Params)
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"slept": d.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func sleepDuration(params map[string]any) (time.Duration, error) {
	raw, ok := params["duration"].(string)
	if !ok || raw == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "sleep requires 'duration' string parameter")
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "sleep: invalid duration %q", raw)
	}
	return d, nil
}

// --- fail ---

type failAction struct{}

func (a *failAction) Name() string { return "fail" }

func (a *failAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Always fail with params.message",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}}}`),
	}
}

func (a *failAction) Validate(map[string]any) error { return nil }

func (a *failAction) Execute(_ context.Context, input ActionInput) (any, error) {
	msg, _ := input.Params["message"].(string)
	if msg == "" {
		msg = "step failed on purpose"
	}
	return nil, schema.NewError(schema.ErrCodeExecution, msg)
}
