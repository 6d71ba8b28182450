package expressions

import "context"

// Engine evaluates expressions within workflow execution.
// Three implementations: CEL (edge guards), GoJQ (transforms), Expr (filters).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
