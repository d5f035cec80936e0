package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/waveflow/internal/expressions"
	"github.com/rendis/waveflow/pkg/schema"
)

// ExprActions returns the expression evaluation actions jq.eval, expr.eval
// and cel.eval.
func ExprActions() ([]Action, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return []Action{
		&evalAction{name: "jq.eval", engine: expressions.NewGoJQEngine(),
			desc: "Evaluate a jq expression against the workflow context or params.input"},
		&evalAction{name: "expr.eval", engine: expressions.NewExprEngine(),
			desc: "Evaluate an Expr expression with context keys as variables"},
		&evalAction{name: "cel.eval", engine: celEngine,
			desc: "Evaluate a CEL expression with the workflow context bound to the variable context"},
	}, nil
}

var evalInputSchema = json.RawMessage(`{"type":"object","required":["expression"],"properties":{"expression":{"type":"string","minLength":1},"input":{"type":"object"}}}`)

type compiler interface {
	Compile(expression string) error
}

type evalAction struct {
	name   string
	desc   string
	engine expressions.Engine
}

func (a *evalAction) Name() string { return a.name }

func (a *evalAction) Schema() ActionSchema {
	return ActionSchema{Description: a.desc, InputSchema: evalInputSchema}
}

// Validate checks that expression is present and compiles.
func (a *evalAction) Validate(params map[string]any) error {
	expr, ok := params["expression"].(string)
	if !ok || expr == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s requires non-empty 'expression' string parameter", a.name)
	}
	if c, ok := a.engine.(compiler); ok {
		return c.Compile(expr)
	}
	return nil
}

// Execute evaluates the expression. params.input, when given, replaces the
// workflow context as the evaluation data.
func (a *evalAction) Execute(ctx context.Context, input ActionInput) (any, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	expression := input.Params["expression"].(string)

	data := input.Context
	if explicit, ok := input.Params["input"].(map[string]any); ok {
		data = explicit
	}

	return a.engine.Evaluate(ctx, expression, data)
}
