package engine

import (
	"github.com/freightdesk/waypoint/pkg/schema"
)

// ValidInstanceTransitions defines the allowed state transitions for
// workflow instances. Terminal states have no outgoing transitions.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceStatusNotStarted: {schema.InstanceStatusInProgress, schema.InstanceStatusCancelled},
	schema.InstanceStatusInProgress: {schema.InstanceStatusPaused, schema.InstanceStatusCompleted, schema.InstanceStatusFailed, schema.InstanceStatusCancelled},
	schema.InstanceStatusPaused:     {schema.InstanceStatusInProgress, schema.InstanceStatusCancelled, schema.InstanceStatusFailed},
	schema.InstanceStatusCompleted:  {},
	schema.InstanceStatusFailed:     {},
	schema.InstanceStatusCancelled:  {},
}

// CanTransition reports whether the from -> to transition is allowed.
func CanTransition(from, to schema.InstanceStatus) bool {
	allowed, ok := ValidInstanceTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an INVALID_TRANSITION error if from -> to is
// not allowed.
func ValidateTransition(instanceID string, from, to schema.InstanceStatus) error {
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition: %s -> %s", from, to).
			WithDetails(map[string]any{"instance_id": instanceID, "from": string(from), "to": string(to)})
	}
	return nil
}

// instanceEventType maps a target status to its lifecycle event type.
func instanceEventType(to schema.InstanceStatus) string {
	switch to {
	case schema.InstanceStatusInProgress:
		return schema.EventInstanceStarted
	case schema.InstanceStatusPaused:
		return schema.EventInstancePaused
	case schema.InstanceStatusCompleted:
		return schema.EventInstanceCompleted
	case schema.InstanceStatusFailed:
		return schema.EventInstanceFailed
	case schema.InstanceStatusCancelled:
		return schema.EventInstanceCancelled
	default:
		return ""
	}
}
