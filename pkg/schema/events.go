package schema

// Event type constants for the lifecycle event stream.
const (
	EventInstanceStarted   = "instance_started"
	EventInstancePaused    = "instance_paused"
	EventInstanceResumed   = "instance_resumed"
	EventInstanceCompleted = "instance_completed"
	EventInstanceFailed    = "instance_failed"
	EventInstanceCancelled = "instance_cancelled"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"

	EventTATAtRisk    = "tat_at_risk"
	EventTATBreached  = "tat_breached"
	EventTATExtended  = "tat_extended"
	EventTATOnTrack   = "tat_on_track"

	EventEscalationDispatched = "escalation_dispatched"
	EventNotificationSent     = "notification_sent"
	EventNotificationFailed   = "notification_failed"
	EventEscalationWorkflow   = "escalation_workflow_started"
)

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusNotStarted InstanceStatus = "not_started"
	InstanceStatusInProgress InstanceStatus = "in_progress"
	InstanceStatusPaused     InstanceStatus = "paused"
	InstanceStatusCompleted  InstanceStatus = "completed"
	InstanceStatusFailed     InstanceStatus = "failed"
	InstanceStatusCancelled  InstanceStatus = "cancelled"
)

// IsTerminal reports whether the status has no outgoing transitions.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed || s == InstanceStatusCancelled
}
