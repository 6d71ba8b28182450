package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/freightdesk/waypoint/internal/expressions"
	"github.com/freightdesk/waypoint/pkg/schema"
)

// EvaluatePredicates applies AND semantics across all predicates: the result
// is true only when every predicate holds. Fields are dotted paths resolved
// against context first, then variables. A missing field fails the predicate
// rather than erroring; comparing incomparable types does error.
func EvaluatePredicates(predicates []schema.Predicate, context, variables map[string]any) (bool, error) {
	for _, p := range predicates {
		ok, err := evaluatePredicate(p, context, variables)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evaluatePredicate(p schema.Predicate, context, variables map[string]any) (bool, error) {
	actual, found := expressions.LookupPath(p.Field, context, variables)
	if !found {
		return false, nil
	}

	switch p.Operator {
	case schema.OpEquals:
		return looseEqual(actual, p.Value), nil
	case schema.OpNotEquals:
		return !looseEqual(actual, p.Value), nil
	case schema.OpGreaterThan:
		return compareNumeric(p.Field, actual, p.Value, func(a, b float64) bool { return a > b })
	case schema.OpLessThan:
		return compareNumeric(p.Field, actual, p.Value, func(a, b float64) bool { return a < b })
	case schema.OpContains:
		return evalContains(actual, p.Value), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown predicate operator %q", p.Operator)
	}
}

// looseEqual compares values with numeric coercion, so 5 (int) equals 5.0
// (float64 from JSON decoding). Everything else falls back to string rendering.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareNumeric(field string, actual, expected any, cmp func(a, b float64) bool) (bool, error) {
	af, aok := toFloat(actual)
	bf, bok := toFloat(expected)
	if !aok || !bok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"predicate field %q: cannot compare %T with %T numerically", field, actual, expected)
	}
	return cmp(af, bf), nil
}

// evalContains handles string containment and slice membership.
func evalContains(actual, expected any) bool {
	switch av := actual.(type) {
	case string:
		return strings.Contains(av, fmt.Sprintf("%v", expected))
	case []any:
		for _, item := range av {
			if looseEqual(item, expected) {
				return true
			}
		}
		return false
	case []string:
		needle := fmt.Sprintf("%v", expected)
		for _, item := range av {
			if item == needle {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
