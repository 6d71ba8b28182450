package validation

import (
	"encoding/json"

	"github.com/freightdesk/waypoint/pkg/schema"
)

// ValidateDefinition performs the structural checks a workflow definition must
// pass before it can be activated or started: exactly one START node, unique
// node IDs, edges and branch targets pointing at existing nodes, well-formed
// per-type config blocks, a sane SLA block, and no inescapable cycles.
// Validation failures are fatal at workflow start; no partial instance is
// persisted after one.
func ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition id is empty")
	}
	if len(def.Nodes) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition has no nodes")
	}

	nodes := make(map[string]*schema.NodeDefinition, len(def.Nodes))
	startCount := 0
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == "" {
			return schema.NewError(schema.ErrCodeValidation, "node with empty id")
		}
		if _, dup := nodes[n.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", n.ID)
		}
		nodes[n.ID] = n
		if n.Type == schema.NodeTypeStart {
			startCount++
		}
	}

	if startCount == 0 {
		return schema.NewError(schema.ErrCodeMissingStartNode, "workflow definition has no start node")
	}
	if startCount > 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow definition has %d start nodes", startCount)
	}

	for _, e := range def.Edges {
		if _, ok := nodes[e.Source]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "edge source %q is not a node", e.Source)
		}
		if _, ok := nodes[e.Target]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "edge target %q is not a node", e.Target)
		}
	}

	for _, n := range def.Nodes {
		if err := validateNodeConfig(n, nodes); err != nil {
			return err
		}
	}

	if def.SLA != nil {
		if err := validateSLA(def.SLA); err != nil {
			return err
		}
	}

	return detectInescapableCycles(def, nodes)
}

func validateNodeConfig(n schema.NodeDefinition, nodes map[string]*schema.NodeDefinition) error {
	switch n.Type {
	case schema.NodeTypeStart, schema.NodeTypeEnd:
		return nil

	case schema.NodeTypeCondition:
		var cfg schema.ConditionConfig
		if err := unmarshalConfig(n, &cfg); err != nil {
			return err
		}
		if len(cfg.Predicates) == 0 {
			return schema.NewError(schema.ErrCodeValidation, "condition node has no predicates").WithNode(n.ID)
		}
		for _, p := range cfg.Predicates {
			if p.Field == "" {
				return schema.NewError(schema.ErrCodeValidation, "condition predicate has empty field").WithNode(n.ID)
			}
			switch p.Operator {
			case schema.OpEquals, schema.OpNotEquals, schema.OpGreaterThan, schema.OpLessThan, schema.OpContains:
			default:
				return schema.NewErrorf(schema.ErrCodeValidation, "unknown predicate operator %q", p.Operator).WithNode(n.ID)
			}
		}
		if _, ok := nodes[cfg.TrueTarget]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "condition true target %q is not a node", cfg.TrueTarget).WithNode(n.ID)
		}
		if _, ok := nodes[cfg.FalseTarget]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "condition false target %q is not a node", cfg.FalseTarget).WithNode(n.ID)
		}
		return nil

	case schema.NodeTypeSendEmail, schema.NodeTypeSendSMS, schema.NodeTypeSendWhatsApp, schema.NodeTypeMakeCall:
		var cfg schema.MessageConfig
		if err := unmarshalConfig(n, &cfg); err != nil {
			return err
		}
		if cfg.Recipient == "" {
			return schema.NewError(schema.ErrCodeValidation, "message node has empty recipient").WithNode(n.ID)
		}
		return nil

	case schema.NodeTypeCreateTask:
		var cfg schema.TaskConfig
		if err := unmarshalConfig(n, &cfg); err != nil {
			return err
		}
		if cfg.Title == "" {
			return schema.NewError(schema.ErrCodeValidation, "task node has empty title").WithNode(n.ID)
		}
		if cfg.Assignee == "" {
			return schema.NewError(schema.ErrCodeValidation, "task node has empty assignee").WithNode(n.ID)
		}
		return nil

	case schema.NodeTypeDelay:
		var cfg schema.DelayConfig
		if err := unmarshalConfig(n, &cfg); err != nil {
			return err
		}
		if cfg.Minutes <= 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "delay node has non-positive minutes %d", cfg.Minutes).WithNode(n.ID)
		}
		return nil

	case schema.NodeTypeEscalate:
		var cfg schema.EscalateConfig
		if err := unmarshalConfig(n, &cfg); err != nil {
			return err
		}
		if len(cfg.Recipients) == 0 {
			return schema.NewError(schema.ErrCodeValidation, "escalate node has no recipients").WithNode(n.ID)
		}
		if len(cfg.Channels) == 0 {
			return schema.NewError(schema.ErrCodeValidation, "escalate node has no channels").WithNode(n.ID)
		}
		return nil

	case schema.NodeTypeTransform:
		var cfg schema.TransformConfig
		if err := unmarshalConfig(n, &cfg); err != nil {
			return err
		}
		if cfg.Expression == "" {
			return schema.NewError(schema.ErrCodeValidation, "transform node has empty expression").WithNode(n.ID)
		}
		return nil

	default:
		// Node types outside the builtin set are tolerated here. Custom
		// executors may be registered for them, and the engine passes
		// unregistered types through to the next edge at runtime.
		return nil
	}
}

func unmarshalConfig(n schema.NodeDefinition, out any) error {
	if len(n.Config) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s node has no config", n.Type).WithNode(n.ID)
	}
	if err := json.Unmarshal(n.Config, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid %s node config: %s", n.Type, err.Error()).
			WithNode(n.ID).WithCause(err)
	}
	return nil
}

func validateSLA(sla *schema.SLAConfig) error {
	if sla.ResolutionTimeMinutes <= 0 {
		return schema.NewErrorf(schema.ErrCodeInvalidSLAConfig,
			"resolution time must be positive, got %d", sla.ResolutionTimeMinutes)
	}
	if sla.ResponseTimeMinutes < 0 {
		return schema.NewErrorf(schema.ErrCodeInvalidSLAConfig,
			"response time must not be negative, got %d", sla.ResponseTimeMinutes)
	}
	for i, rule := range sla.EscalationRules {
		if rule.ThresholdMinutes <= 0 {
			return schema.NewErrorf(schema.ErrCodeInvalidSLAConfig,
				"escalation rule %d has non-positive threshold %d", i, rule.ThresholdMinutes)
		}
		if len(rule.Recipients) == 0 {
			return schema.NewErrorf(schema.ErrCodeInvalidSLAConfig,
				"escalation rule %d has no recipients", i)
		}
		if len(rule.Channels) == 0 {
			return schema.NewErrorf(schema.ErrCodeInvalidSLAConfig,
				"escalation rule %d has no channels", i)
		}
	}
	return nil
}

// detectInescapableCycles rejects definitions containing a cycle that offers
// no way out: every node on the cycle has a single successor and none is a
// condition node. Cycles that pass through a condition or a branching node
// are allowed; the engine bounds those at runtime with its step budget.
func detectInescapableCycles(def *schema.WorkflowDefinition, nodes map[string]*schema.NodeDefinition) error {
	succ := make(map[string][]string, len(nodes))
	for _, e := range def.Edges {
		succ[e.Source] = append(succ[e.Source], e.Target)
	}
	// Condition branch targets are successors too.
	for _, n := range def.Nodes {
		if n.Type != schema.NodeTypeCondition {
			continue
		}
		var cfg schema.ConditionConfig
		if err := json.Unmarshal(n.Config, &cfg); err == nil {
			succ[n.ID] = append(succ[n.ID], cfg.TrueTarget, cfg.FalseTarget)
		}
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range succ[id] {
			switch color[next] {
			case white:
				if err := visit(next); err != nil {
					return err
				}
			case grey:
				// Back edge: extract the cycle from the stack.
				start := 0
				for i, s := range stack {
					if s == next {
						start = i
						break
					}
				}
				cycle := stack[start:]
				if isInescapable(cycle, nodes, succ) {
					return schema.NewErrorf(schema.ErrCodeCycleDetected,
						"definition contains an inescapable cycle through node %q", next)
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, n := range def.Nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func isInescapable(cycle []string, nodes map[string]*schema.NodeDefinition, succ map[string][]string) bool {
	for _, id := range cycle {
		if n := nodes[id]; n != nil && n.Type == schema.NodeTypeCondition {
			return false
		}
		if len(succ[id]) > 1 {
			return false
		}
	}
	return true
}
