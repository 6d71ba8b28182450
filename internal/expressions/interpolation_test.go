package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve_SimpleAndNestedPaths(t *testing.T) {
	interp := NewInterpolator()
	context := map[string]any{
		"shipment": map[string]any{"ref": "SHP-1042", "weight": 12.5},
		"owner":    map[string]any{"email": "ops@example.com"},
	}

	out := interp.Resolve("Shipment {{shipment.ref}} for {{owner.email}}", context, nil)
	assert.Equal(t, "Shipment SHP-1042 for ops@example.com", out)
}

func TestResolve_ContextWinsOverVariables(t *testing.T) {
	interp := NewInterpolator()
	context := map[string]any{"name": "from-context"}
	variables := map[string]any{"name": "from-variables", "extra": "v"}

	assert.Equal(t, "from-context", interp.Resolve("{{name}}", context, variables))
	assert.Equal(t, "v", interp.Resolve("{{extra}}", context, variables))
}

func TestResolve_UnresolvedBecomesEmpty(t *testing.T) {
	interp := NewInterpolator()

	out := interp.Resolve("hello {{missing.path}}!", map[string]any{}, nil)
	assert.Equal(t, "hello !", out)

	out = interp.Resolve("{{a}}{{b}}", nil, nil)
	assert.Equal(t, "", out)
}

func TestResolve_UnclosedMarkerLeftVerbatim(t *testing.T) {
	interp := NewInterpolator()
	context := map[string]any{"name": "Ada"}

	out := interp.Resolve("Hi {{name}}, see {{rest", context, nil)
	assert.Equal(t, "Hi Ada, see {{rest", out)
}

func TestResolve_ValueRendering(t *testing.T) {
	interp := NewInterpolator()
	context := map[string]any{
		"count":   float64(3),
		"ratio":   2.5,
		"flag":    true,
		"nothing": nil,
	}

	assert.Equal(t, "3", interp.Resolve("{{count}}", context, nil))
	assert.Equal(t, "2.5", interp.Resolve("{{ratio}}", context, nil))
	assert.Equal(t, "true", interp.Resolve("{{flag}}", context, nil))
	assert.Equal(t, "", interp.Resolve("{{nothing}}", context, nil))
}

func TestResolve_WhitespaceInsideMarkers(t *testing.T) {
	interp := NewInterpolator()
	context := map[string]any{"ref": "SHP-7"}

	assert.Equal(t, "SHP-7", interp.Resolve("{{ ref }}", context, nil))
}

func TestLookupPath_DirectKeyBeatsTraversal(t *testing.T) {
	m := map[string]any{
		"a.b": "flat",
		"a":   map[string]any{"b": "nested"},
	}

	val, ok := LookupPath("a.b", m)
	assert.True(t, ok)
	assert.Equal(t, "flat", val)

	_, ok = LookupPath("a.b.c", m)
	assert.False(t, ok)

	_, ok = LookupPath("", m)
	assert.False(t, ok)
}
