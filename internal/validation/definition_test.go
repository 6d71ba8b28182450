package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freightdesk/waypoint/pkg/schema"
)

func validDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:      "followup",
		Version: 1,
		Status:  schema.DefinitionStatusActive,
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "notify", Type: schema.NodeTypeSendEmail, Config: json.RawMessage(
				`{"recipient": "{{owner.email}}", "body": "hello"}`)},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "notify"},
			{Source: "notify", Target: "end"},
		},
	}
}

func TestValidateDefinition_Valid(t *testing.T) {
	assert.NoError(t, ValidateDefinition(validDefinition()))
}

func TestValidateDefinition_StructuralErrors(t *testing.T) {
	t.Run("nil definition", func(t *testing.T) {
		err := ValidateDefinition(nil)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	})

	t.Run("no nodes", func(t *testing.T) {
		def := validDefinition()
		def.Nodes = nil
		assert.Error(t, ValidateDefinition(def))
	})

	t.Run("missing start node", func(t *testing.T) {
		def := validDefinition()
		def.Nodes = def.Nodes[1:]
		def.Edges = def.Edges[1:]
		err := ValidateDefinition(def)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeMissingStartNode, schema.CodeOf(err))
	})

	t.Run("multiple start nodes", func(t *testing.T) {
		def := validDefinition()
		def.Nodes = append(def.Nodes, schema.NodeDefinition{ID: "start2", Type: schema.NodeTypeStart})
		err := ValidateDefinition(def)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	})

	t.Run("duplicate node id", func(t *testing.T) {
		def := validDefinition()
		def.Nodes = append(def.Nodes, schema.NodeDefinition{ID: "notify", Type: schema.NodeTypeEnd})
		assert.Error(t, ValidateDefinition(def))
	})

	t.Run("dangling edge target", func(t *testing.T) {
		def := validDefinition()
		def.Edges = append(def.Edges, schema.EdgeDefinition{Source: "start", Target: "nope"})
		assert.Error(t, ValidateDefinition(def))
	})

	t.Run("dangling edge source", func(t *testing.T) {
		def := validDefinition()
		def.Edges = append(def.Edges, schema.EdgeDefinition{Source: "nope", Target: "end"})
		assert.Error(t, ValidateDefinition(def))
	})
}

func TestValidateDefinition_NodeConfigs(t *testing.T) {
	withNode := func(n schema.NodeDefinition) *schema.WorkflowDefinition {
		def := validDefinition()
		def.Nodes = append(def.Nodes, n)
		def.Edges = append(def.Edges, schema.EdgeDefinition{Source: n.ID, Target: "end"})
		return def
	}

	t.Run("message node without recipient", func(t *testing.T) {
		def := withNode(schema.NodeDefinition{ID: "sms", Type: schema.NodeTypeSendSMS,
			Config: json.RawMessage(`{"body": "hi"}`)})
		assert.Error(t, ValidateDefinition(def))
	})

	t.Run("message node without config", func(t *testing.T) {
		def := withNode(schema.NodeDefinition{ID: "sms", Type: schema.NodeTypeSendSMS})
		assert.Error(t, ValidateDefinition(def))
	})

	t.Run("condition with unknown operator", func(t *testing.T) {
		def := withNode(schema.NodeDefinition{ID: "cond", Type: schema.NodeTypeCondition,
			Config: json.RawMessage(`{
				"predicates": [{"field": "amount", "operator": "matches", "value": 1}],
				"true_target": "end", "false_target": "end"}`)})
		assert.Error(t, ValidateDefinition(def))
	})

	t.Run("condition with missing branch target", func(t *testing.T) {
		def := withNode(schema.NodeDefinition{ID: "cond", Type: schema.NodeTypeCondition,
			Config: json.RawMessage(`{
				"predicates": [{"field": "amount", "operator": "equals", "value": 1}],
				"true_target": "ghost", "false_target": "end"}`)})
		assert.Error(t, ValidateDefinition(def))
	})

	t.Run("condition without predicates", func(t *testing.T) {
		def := withNode(schema.NodeDefinition{ID: "cond", Type: schema.NodeTypeCondition,
			Config: json.RawMessage(`{"predicates": [], "true_target": "end", "false_target": "end"}`)})
		assert.Error(t, ValidateDefinition(def))
	})

	t.Run("delay with non-positive minutes", func(t *testing.T) {
		def := withNode(schema.NodeDefinition{ID: "wait", Type: schema.NodeTypeDelay,
			Config: json.RawMessage(`{"minutes": 0}`)})
		assert.Error(t, ValidateDefinition(def))
	})

	t.Run("task without assignee", func(t *testing.T) {
		def := withNode(schema.NodeDefinition{ID: "task", Type: schema.NodeTypeCreateTask,
			Config: json.RawMessage(`{"title": "Call the carrier"}`)})
		assert.Error(t, ValidateDefinition(def))
	})

	t.Run("escalate without channels", func(t *testing.T) {
		def := withNode(schema.NodeDefinition{ID: "esc", Type: schema.NodeTypeEscalate,
			Config: json.RawMessage(`{"recipients": [{"id": "mgr-1"}], "channels": [], "message": "x"}`)})
		assert.Error(t, ValidateDefinition(def))
	})

	t.Run("transform without expression", func(t *testing.T) {
		def := withNode(schema.NodeDefinition{ID: "tx", Type: schema.NodeTypeTransform,
			Config: json.RawMessage(`{"expression": ""}`)})
		assert.Error(t, ValidateDefinition(def))
	})

	t.Run("unknown node type is tolerated", func(t *testing.T) {
		// Custom or unrecognized types pass validation; the engine skips
		// unregistered types at runtime rather than failing the start.
		def := withNode(schema.NodeDefinition{ID: "odd", Type: "webhook"})
		assert.NoError(t, ValidateDefinition(def))
	})
}

func TestValidateDefinition_SLA(t *testing.T) {
	t.Run("non-positive resolution time", func(t *testing.T) {
		def := validDefinition()
		def.SLA = &schema.SLAConfig{ResolutionTimeMinutes: 0}
		err := ValidateDefinition(def)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeInvalidSLAConfig, schema.CodeOf(err))
	})

	t.Run("rule without recipients", func(t *testing.T) {
		def := validDefinition()
		def.SLA = &schema.SLAConfig{
			ResolutionTimeMinutes: 120,
			EscalationRules: []schema.EscalationRule{
				{ThresholdMinutes: 60, Channels: []schema.Channel{schema.ChannelEmail}},
			},
		}
		err := ValidateDefinition(def)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeInvalidSLAConfig, schema.CodeOf(err))
	})

	t.Run("valid sla", func(t *testing.T) {
		def := validDefinition()
		def.SLA = &schema.SLAConfig{
			ResolutionTimeMinutes: 120,
			EscalationRules: []schema.EscalationRule{
				{ThresholdMinutes: 60,
					Recipients: []schema.RecipientRef{{ID: "mgr-1"}},
					Channels:   []schema.Channel{schema.ChannelEmail}},
			},
		}
		assert.NoError(t, ValidateDefinition(def))
	})
}

func TestValidateDefinition_Cycles(t *testing.T) {
	t.Run("inescapable cycle rejected", func(t *testing.T) {
		def := validDefinition()
		// notify feeds back into itself with no branch anywhere on the loop.
		def.Nodes = append(def.Nodes, schema.NodeDefinition{ID: "retry", Type: schema.NodeTypeSendSMS,
			Config: json.RawMessage(`{"recipient": "+15550000001", "body": "again"}`)})
		def.Edges = []schema.EdgeDefinition{
			{Source: "start", Target: "notify"},
			{Source: "notify", Target: "retry"},
			{Source: "retry", Target: "notify"},
		}
		err := ValidateDefinition(def)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeCycleDetected, schema.CodeOf(err))
	})

	t.Run("cycle through a condition is allowed", func(t *testing.T) {
		def := validDefinition()
		def.Nodes = append(def.Nodes, schema.NodeDefinition{ID: "check", Type: schema.NodeTypeCondition,
			Config: json.RawMessage(`{
				"predicates": [{"field": "done", "operator": "equals", "value": true}],
				"true_target": "end", "false_target": "notify"}`)})
		def.Edges = []schema.EdgeDefinition{
			{Source: "start", Target: "notify"},
			{Source: "notify", Target: "check"},
		}
		assert.NoError(t, ValidateDefinition(def))
	})

	t.Run("cycle with a branching node is allowed", func(t *testing.T) {
		def := validDefinition()
		def.Edges = []schema.EdgeDefinition{
			{Source: "start", Target: "notify"},
			{Source: "notify", Target: "notify", Condition: `context.retry == true`},
			{Source: "notify", Target: "end"},
		}
		assert.NoError(t, ValidateDefinition(def))
	})
}
