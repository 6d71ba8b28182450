package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is the JSON-serializable workflow graph format.
// A definition is immutable once active and referenced by instances;
// editing an active definition means publishing a new version.
type WorkflowDefinition struct {
	ID            string           `json:"id"`
	Version       int              `json:"version"`
	Name          string           `json:"name,omitempty"`
	Status        DefinitionStatus `json:"status"`
	Nodes         []NodeDefinition `json:"nodes"`
	Edges         []EdgeDefinition `json:"edges,omitempty"`
	SLA           *SLAConfig       `json:"sla,omitempty"`
	ContextSchema json.RawMessage  `json:"context_schema,omitempty"` // JSON Schema for the initial context
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

// DefinitionStatus is the lifecycle state of a workflow definition.
type DefinitionStatus string

const (
	DefinitionStatusDraft    DefinitionStatus = "draft"
	DefinitionStatusActive   DefinitionStatus = "active"
	DefinitionStatusArchived DefinitionStatus = "archived"
)

// NodeDefinition describes a single node in the workflow graph.
type NodeDefinition struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Name   string          `json:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty"` // type-specific config block
}

// NodeType enumerates the kinds of nodes in a workflow graph.
type NodeType string

const (
	NodeTypeStart        NodeType = "start"
	NodeTypeEnd          NodeType = "end"
	NodeTypeSendEmail    NodeType = "send_email"
	NodeTypeSendSMS      NodeType = "send_sms"
	NodeTypeSendWhatsApp NodeType = "send_whatsapp"
	NodeTypeMakeCall     NodeType = "make_call"
	NodeTypeCreateTask   NodeType = "create_task"
	NodeTypeCondition    NodeType = "condition"
	NodeTypeDelay        NodeType = "delay"
	NodeTypeEscalate     NodeType = "escalate"
	NodeTypeTransform    NodeType = "transform"
)

// EdgeDefinition is a directed edge between two nodes. Condition is an
// optional CEL guard expression; among a node's outgoing edges the first
// edge whose guard evaluates true is taken, and an unguarded edge acts
// as the default branch.
type EdgeDefinition struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
}

// ConditionConfig is the config block for condition-type nodes.
// All predicates must hold (AND semantics) for the true branch to be taken.
type ConditionConfig struct {
	Predicates  []Predicate `json:"predicates"`
	TrueTarget  string      `json:"true_target"`
	FalseTarget string      `json:"false_target"`
}

// Predicate is a single field comparison evaluated against the union of
// instance context and variables (context wins on key collision).
type Predicate struct {
	Field    string `json:"field"` // dotted path, e.g. "shipment.amount"
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Predicate operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpContains    = "contains"
)

// MessageConfig is the config block for send_email, send_sms, send_whatsapp
// and make_call nodes. Recipient, Subject and Body support {{a.b.c}}
// placeholders resolved from context then variables.
type MessageConfig struct {
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject,omitempty"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TaskConfig is the config block for create_task nodes.
type TaskConfig struct {
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Assignee     string `json:"assignee"`
	DueInMinutes int    `json:"due_in_minutes,omitempty"`
}

// DelayConfig is the config block for delay nodes.
type DelayConfig struct {
	Minutes int `json:"minutes"`
}

// EscalateConfig is the config block for escalate nodes.
type EscalateConfig struct {
	Recipients []RecipientRef `json:"recipients"`
	Channels   []Channel      `json:"channels"`
	Message    string         `json:"message"`
}

// TransformConfig is the config block for transform nodes. Expression is a
// jq program evaluated against {"context": ..., "variables": ...}; an object
// result is merged into the instance variables.
type TransformConfig struct {
	Expression string `json:"expression"`
}

// SLAConfig carries the response/resolution commitments and escalation
// policy attached to a workflow definition.
type SLAConfig struct {
	ResponseTimeMinutes   int              `json:"response_time_minutes,omitempty"`
	ResolutionTimeMinutes int              `json:"resolution_time_minutes"`
	EscalationRules       []EscalationRule `json:"escalation_rules,omitempty"`
	EscalationWorkflowID  string           `json:"escalation_workflow_id,omitempty"`
}

// EscalationRule maps elapsed time to recipients and notification channels.
// RecipientFilter is an optional expr-lang expression evaluated per recipient
// with {recipient, entity, elapsed_minutes} in scope; a false result drops
// the recipient from the fan-out.
type EscalationRule struct {
	ThresholdMinutes int            `json:"threshold_minutes"`
	Recipients       []RecipientRef `json:"recipients"`
	Channels         []Channel      `json:"channels"`
	RecipientFilter  string         `json:"recipient_filter,omitempty"`
}

// RecipientRef identifies a notification recipient and the address to use
// for the channel (email address, phone number, user id for in-app).
type RecipientRef struct {
	Type    string `json:"type,omitempty"` // user, team, role
	ID      string `json:"id"`
	Address string `json:"address,omitempty"`
}

// Channel is a communication medium used to deliver reminders/escalations.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelVoice    Channel = "voice"
	ChannelInApp    Channel = "in_app"
)

// Priority weights the SLA resolution time when computing a TAT deadline.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// EntityRef points at the business entity a workflow instance runs against.
type EntityRef struct {
	Type string `json:"type"` // shipment, thread, customer
	ID   string `json:"id"`
}

// TATDeadline is derived from (start time, SLA config, priority) on each
// evaluation; it is never persisted separately.
type TATDeadline struct {
	DeadlineAt          time.Time `json:"deadline_at"`
	WarningThresholdAt  time.Time `json:"warning_threshold_at"`  // 80% elapsed
	CriticalThresholdAt time.Time `json:"critical_threshold_at"` // 90% elapsed
	TotalMinutes        float64   `json:"total_minutes"`
}

// TATStatus is the turn-around-time state of a monitored entity.
type TATStatus string

const (
	TATStatusOnTrack  TATStatus = "on_track"
	TATStatusAtRisk   TATStatus = "at_risk"
	TATStatusBreached TATStatus = "breached"
)

// Node returns the node with the given ID, or nil.
func (d *WorkflowDefinition) Node(id string) *NodeDefinition {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// StartNode returns the definition's start node, or nil if absent.
func (d *WorkflowDefinition) StartNode() *NodeDefinition {
	for i := range d.Nodes {
		if d.Nodes[i].Type == NodeTypeStart {
			return &d.Nodes[i]
		}
	}
	return nil
}

// OutgoingEdges returns the edges leaving the given node, in definition order.
func (d *WorkflowDefinition) OutgoingEdges(nodeID string) []EdgeDefinition {
	var out []EdgeDefinition
	for _, e := range d.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}
