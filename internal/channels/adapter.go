package channels

import (
	"context"
	"time"

	"github.com/freightdesk/waypoint/pkg/schema"
)

// Message is a rendered outbound message. Subject is only meaningful for
// email; other channels ignore it.
type Message struct {
	Subject  string         `json:"subject,omitempty"`
	Body     string         `json:"body"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Receipt describes a completed send attempt.
type Receipt struct {
	MessageID string         `json:"message_id"`
	Channel   schema.Channel `json:"channel"`
	Recipient string         `json:"recipient"`
	SentAt    time.Time      `json:"sent_at"`
}

// Adapter delivers messages over a single communication channel. Send failures
// are reported as errors and never panic; the engine and the escalation
// dispatcher decide how a failed delivery affects the surrounding operation.
type Adapter interface {
	Channel() schema.Channel
	Send(ctx context.Context, recipient string, msg Message) (*Receipt, error)
}
