package actions

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"

	"github.com/rendis/waveflow/internal/validation"
	"github.com/rendis/waveflow/pkg/schema"
)

// AssertActions returns the assertion actions.
func AssertActions(validator *validation.JSONSchemaValidator) []Action {
	return []Action{
		&assertEqualsAction{},
		&assertSchemaAction{validator: validator},
	}
}

// normalizeJSON converts Go numeric types to float64 so values from
// actions and values decoded from files compare equal.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}

func failureMessage(params map[string]any, fallback string) string {
	if m, ok := params["message"].(string); ok && m != "" {
		return m
	}
	return fallback
}

// --- assert.equals ---

type assertEqualsAction struct{}

func (a *assertEqualsAction) Name() string { return "assert.equals" }

func (a *assertEqualsAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Assert that two values are deeply equal",
		InputSchema: json.RawMessage(`{"type":"object","required":["expected","actual"]}`),
	}
}

func (a *assertEqualsAction) Validate(params map[string]any) error {
	if _, ok := params["expected"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.equals requires 'expected' parameter")
	}
	if _, ok := params["actual"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.equals requires 'actual' parameter")
	}
	return nil
}

func (a *assertEqualsAction) Execute(_ context.Context, input ActionInput) (any, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	expected := normalizeJSON(input.Params["expected"])
	actual := normalizeJSON(input.Params["actual"])

	if reflect.DeepEqual(expected, actual) {
		return map[string]any{"pass": true}, nil
	}

	return nil, schema.NewError(schema.ErrCodeAssertionFailed,
		failureMessage(input.Params, "assertion failed: values are not equal")).
		WithDetails(map[string]any{"expected": input.Params["expected"], "actual": input.Params["actual"]})
}

// --- assert.schema ---

type assertSchemaAction struct {
	validator *validation.JSONSchemaValidator
}

func (a *assertSchemaAction) Name() string { return "assert.schema" }

func (a *assertSchemaAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Assert that data conforms to a JSON Schema",
		InputSchema: json.RawMessage(`{"type":"object","required":["data","schema"],"properties":{"schema":{"type":"object"}}}`),
	}
}

func (a *assertSchemaAction) Validate(params map[string]any) error {
	if _, ok := params["data"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema requires 'data' parameter")
	}
	if _, ok := params["schema"].(map[string]any); !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema requires 'schema' object parameter")
	}
	return nil
}

func (a *assertSchemaAction) Execute(_ context.Context, input ActionInput) (any, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}

	schemaBytes, err := json.Marshal(input.Params["schema"])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "failed to serialize schema: %s", err)
	}

	if err := a.validator.ValidateInput(input.Params["data"], schemaBytes); err != nil {
		details := map[string]any{"error": err.Error()}
		var fe *schema.FlowError
		if errors.As(err, &fe) && fe.Details != nil {
			details["violations"] = fe.Details["violations"]
		}
		return nil, schema.NewError(schema.ErrCodeAssertionFailed,
			failureMessage(input.Params, "assertion failed: data does not match schema")).WithDetails(details)
	}

	return map[string]any{"pass": true}, nil
}
