package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freightdesk/waypoint/pkg/schema"
)

func TestCELEngine_EvaluateBool(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	data := map[string]any{
		"context": map[string]any{"vip": true, "tier": "gold"},
		"entity":  map[string]any{"type": "shipment", "id": "SHP-1"},
	}

	ok, err := e.EvaluateBool(ctx, `"vip" in context && context.vip == true`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(ctx, `context.tier == "silver"`, data)
	require.NoError(t, err)
	assert.False(t, ok)

	// Missing namespaces default to empty maps instead of runtime errors.
	ok, err = e.EvaluateBool(ctx, `"vip" in variables`, data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCELEngine_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.EvaluateBool(ctx, `context.vip ==`, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = e.EvaluateBool(ctx, `entity.type`, map[string]any{
		"entity": map[string]any{"type": "shipment"},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = e.EvaluateBool(ctx, "", nil)
	require.Error(t, err)
}

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `recipient.type == "manager"`, map[string]any{
		"recipient": map[string]any{"type": "manager", "id": "mgr-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	// Undefined variables are allowed and come back nil-ish rather than failing.
	out, err = e.Evaluate(ctx, `elapsed_minutes > 30`, map[string]any{
		"elapsed_minutes": 45.0,
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	_, err = e.Evaluate(ctx, `recipient.type ==`, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestGoJQEngine_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	input := map[string]any{
		"context":   map[string]any{"name": "Ada", "items": []any{1, 2, 3}},
		"variables": map[string]any{},
	}

	out, err := e.Evaluate(ctx, `{greeting: ("Hello " + .context.name)}`, input)
	require.NoError(t, err)
	obj, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Hello Ada", obj["greeting"])

	// Multiple outputs collapse into a slice.
	out, err = e.Evaluate(ctx, `.context.items[]`, input)
	require.NoError(t, err)
	assert.Len(t, out, 3)

	// No outputs yield nil.
	out, err = e.Evaluate(ctx, `.context.items[] | select(. > 10)`, input)
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = e.Evaluate(ctx, `.context |`, input)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}
