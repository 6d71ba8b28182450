package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/freightdesk/waypoint/pkg/schema"
)

// GoJQEngine implements the Engine interface using gojq. Transform nodes use
// it to reshape instance context with jq programs. Queries run against the
// data map as the root input, and the environment loader is disabled so
// programs cannot read process state.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new gojq expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "gojq"
}

// Evaluate compiles (or retrieves from cache) a jq query and runs it against
// the data map. If the query yields a single value, that value is returned.
// If it yields multiple values, they are returned as a []any slice. A query
// yielding nothing returns nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	var input any = map[string]any{}
	if data != nil {
		input = normalizeForJQ(data)
	}

	var results []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if iterErr, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", expression, iterErr.Error()).
				WithCause(iterErr).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *GoJQEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = code
	return code, nil
}

// normalizeForJQ makes a value acceptable as gojq input. gojq only accepts
// nil, bool, numbers, string, []any and map[string]any, so typed values that
// came from Go code rather than json.Unmarshal are coerced.
func normalizeForJQ(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, mv := range tv {
			out[k] = normalizeForJQ(mv)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, sv := range tv {
			out[i] = normalizeForJQ(sv)
		}
		return out
	case int:
		return float64(tv)
	case int32:
		return float64(tv)
	case int64:
		return float64(tv)
	case float32:
		return float64(tv)
	default:
		return tv
	}
}

var _ Engine = (*GoJQEngine)(nil)
