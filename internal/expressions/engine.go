package expressions

import "context"

// Engine evaluates expressions against a workflow context snapshot.
// Two implementations: GoJQ (transforms) and Expr (logic).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
