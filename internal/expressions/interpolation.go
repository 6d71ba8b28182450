package expressions

import (
	"fmt"
	"strings"
)

// Interpolator resolves {{a.b.c}} placeholders in message templates.
// Resolution is lenient by contract: a placeholder looks up the dotted path
// in the context map first, falls back to the variables map, and resolves to
// the empty string when neither holds the path. Unresolved placeholders are
// never an error.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Resolve replaces every {{...}} token in input. An unclosed {{ is left
// verbatim rather than rejected: templates are author-supplied business
// content, not code.
func (interp *Interpolator) Resolve(input string, context, variables map[string]any) string {
	if !strings.Contains(input, "{{") {
		return input
	}

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "{{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 2

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			// Unclosed marker: emit the rest untouched.
			result.WriteString(input[i+idx:])
			break
		}
		end += start

		path := strings.TrimSpace(input[start:end])
		val, ok := LookupPath(path, context, variables)
		if ok {
			result.WriteString(stringify(val))
		}
		// Unresolved: empty string.

		i = end + 2
	}

	return result.String()
}

// HasPlaceholders reports whether s contains any {{...}} token.
func HasPlaceholders(s string) bool {
	return strings.Contains(s, "{{")
}

// LookupPath resolves a dotted path against the given maps in order,
// returning the first hit. A direct key match wins over traversal so that
// keys containing dots remain addressable.
func LookupPath(path string, maps ...map[string]any) (any, bool) {
	if path == "" {
		return nil, false
	}
	for _, m := range maps {
		if m == nil {
			continue
		}
		if val, ok := m[path]; ok {
			return val, true
		}
		if val, ok := traversePath(m, path); ok {
			return val, true
		}
	}
	return nil, false
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = root

	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// stringify converts a resolved value into its template representation.
func stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		// Render integral floats without the trailing ".0" JSON decoding adds.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
