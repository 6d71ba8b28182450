package store

import (
	"encoding/json"
	"time"

	"github.com/freightdesk/waypoint/pkg/schema"
)

// Definition is the persisted representation of a workflow definition version.
type Definition struct {
	ID         string                    `json:"id"`
	Version    int                       `json:"version"`
	Name       string                    `json:"name,omitempty"`
	Status     schema.DefinitionStatus   `json:"status"`
	Definition schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// Instance is the persisted representation of one workflow execution.
// The definition is pinned at start and never follows later edits.
type Instance struct {
	ID                string                    `json:"id"`
	DefinitionID      string                    `json:"definition_id"`
	DefinitionVersion int                       `json:"definition_version"`
	Definition        schema.WorkflowDefinition `json:"definition"`
	Entity            schema.EntityRef          `json:"entity"`
	Priority          schema.Priority           `json:"priority"`
	Status            schema.InstanceStatus     `json:"status"`
	CurrentNodeID     string                    `json:"current_node_id"`
	StepNumber        int                       `json:"step_number"`
	Context           map[string]any            `json:"context,omitempty"`
	Variables         map[string]any            `json:"variables,omitempty"`
	ExecutionLog      []ExecutionLogEntry       `json:"execution_log,omitempty"`
	Errors            []InstanceError           `json:"errors,omitempty"`
	CancelReason      string                    `json:"cancel_reason,omitempty"`
	ResumeAt          *time.Time                `json:"resume_at,omitempty"`
	StartedAt         *time.Time                `json:"started_at,omitempty"`
	PausedAt          *time.Time                `json:"paused_at,omitempty"`
	CompletedAt       *time.Time                `json:"completed_at,omitempty"`
	CreatedAt         time.Time                 `json:"created_at"`
	UpdatedAt         time.Time                 `json:"updated_at"`
}

// ExecutionLogEntry is one append-only record of a node execution.
// RetryCount is reserved for a retry policy; the engine runs single-attempt.
type ExecutionLogEntry struct {
	NodeID      string          `json:"node_id"`
	NodeType    schema.NodeType `json:"node_type"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Result      json.RawMessage `json:"result,omitempty"`
	RetryCount  int             `json:"retry_count,omitempty"`
}

// InstanceError is one append-only error record.
type InstanceError struct {
	NodeID    string    `json:"node_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// TATRecord tracks the turn-around-time state of a business entity.
type TATRecord struct {
	Entity          schema.EntityRef `json:"entity"`
	InstanceID      string           `json:"instance_id,omitempty"`
	Status          schema.TATStatus `json:"status"`
	DeadlineAt      time.Time        `json:"deadline_at"`
	ExtendedMinutes int              `json:"extended_minutes,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// TATAuditEntry is an immutable record of a deadline extension.
type TATAuditEntry struct {
	ID               string           `json:"id"`
	Entity           schema.EntityRef `json:"entity"`
	OldDeadline      time.Time        `json:"old_deadline"`
	NewDeadline      time.Time        `json:"new_deadline"`
	ExtensionMinutes int              `json:"extension_minutes"`
	Reason           string           `json:"reason"`
	ExtendedAt       time.Time        `json:"extended_at"`
}

// Notification is an in-app notification or task created by the engine
// or the escalation dispatcher.
type Notification struct {
	ID         string           `json:"id"`
	Recipient  string           `json:"recipient"`
	Title      string           `json:"title"`
	Body       string           `json:"body,omitempty"`
	Priority   schema.Priority  `json:"priority"`
	Channel    schema.Channel   `json:"channel"`
	Entity     schema.EntityRef `json:"entity"`
	InstanceID string           `json:"instance_id,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ReadAt     *time.Time       `json:"read_at,omitempty"`
}

// NotificationMark records the last time an instance+threshold pair was
// notified, so monitor ticks do not re-send within a threshold window.
type NotificationMark struct {
	InstanceID string    `json:"instance_id"`
	Threshold  string    `json:"threshold"` // warning, critical, breach
	NotifiedAt time.Time `json:"notified_at"`
}

// --- Filter and update types ---

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	Statuses      []schema.InstanceStatus `json:"statuses,omitempty"`
	StartedAfter  *time.Time              `json:"started_after,omitempty"`
	StartedBefore *time.Time              `json:"started_before,omitempty"`
	ResumeDueBy   *time.Time              `json:"resume_due_by,omitempty"`
	EntityType    string                  `json:"entity_type,omitempty"`
	EntityID      string                  `json:"entity_id,omitempty"`
	Limit         int                     `json:"limit,omitempty"`
	Offset        int                     `json:"offset,omitempty"`
}

// InstanceUpdate specifies mutable fields of an instance. ExpectedStep, when
// non-nil, makes the update conditional on the persisted step number so that
// two concurrent writers cannot interleave (optimistic read-modify-write);
// a mismatch returns a CONFLICT error and writes nothing.
type InstanceUpdate struct {
	Status        *schema.InstanceStatus `json:"status,omitempty"`
	CurrentNodeID *string                `json:"current_node_id,omitempty"`
	StepNumber    *int                   `json:"step_number,omitempty"`
	Context       map[string]any         `json:"context,omitempty"`
	Variables     map[string]any         `json:"variables,omitempty"`
	AppendLog     []ExecutionLogEntry    `json:"append_log,omitempty"`
	AppendErrors  []InstanceError        `json:"append_errors,omitempty"`
	CancelReason  *string                `json:"cancel_reason,omitempty"`
	ResumeAt      *time.Time             `json:"resume_at,omitempty"`
	ClearResumeAt bool                   `json:"clear_resume_at,omitempty"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	PausedAt      *time.Time             `json:"paused_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	ExpectedStep  *int                   `json:"expected_step,omitempty"`
}

// NotificationFilter specifies criteria for listing notifications.
type NotificationFilter struct {
	Recipient  string `json:"recipient,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
