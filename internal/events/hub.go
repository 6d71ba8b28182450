package events

import (
	"context"
	"time"
)

// Event is emitted by the engine and the deadline monitor as state changes
// happen. Payload carries event-specific detail (node output, deadline times,
// dispatch results).
type Event struct {
	Type       string         `json:"type"`
	InstanceID string         `json:"instance_id,omitempty"`
	NodeID     string         `json:"node_id,omitempty"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Filter specifies which events a subscriber wants to receive.
type Filter struct {
	InstanceID string   `json:"instance_id,omitempty"`
	Types      []string `json:"types,omitempty"`
}

// Publisher is the write side of the event hub. The engine, monitor and
// dispatcher depend on this interface only, so a broker-backed implementation
// can replace the in-memory hub without touching them.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Hub provides pub/sub for engine and deadline events.
type Hub interface {
	Publisher
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
