package channels

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/freightdesk/waypoint/pkg/schema"
)

// SentMessage records a delivery made through a MemoryAdapter.
type SentMessage struct {
	Recipient string
	Message   Message
	SentAt    time.Time
}

// MemoryAdapter is an in-process Adapter that records sends instead of
// delivering them. It backs local development and tests, and can be
// configured to fail for specific recipients.
type MemoryAdapter struct {
	channel schema.Channel

	mu   sync.Mutex
	sent []SentMessage
	fail map[string]error
}

// NewMemoryAdapter creates a MemoryAdapter for the given channel.
func NewMemoryAdapter(channel schema.Channel) *MemoryAdapter {
	return &MemoryAdapter{
		channel: channel,
		fail:    make(map[string]error),
	}
}

// Channel returns the channel this adapter serves.
func (a *MemoryAdapter) Channel() schema.Channel {
	return a.channel
}

// Send records the message and returns a receipt. If a failure has been
// registered for the recipient, that error is returned instead.
func (a *MemoryAdapter) Send(ctx context.Context, recipient string, msg Message) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if recipient == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "empty recipient for channel %q", a.channel)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err, ok := a.fail[recipient]; ok {
		return nil, schema.NewErrorf(schema.ErrCodeChannel,
			"send to %q over %s failed: %s", recipient, a.channel, err.Error()).WithCause(err)
	}

	now := time.Now().UTC()
	a.sent = append(a.sent, SentMessage{Recipient: recipient, Message: msg, SentAt: now})

	return &Receipt{
		MessageID: uuid.NewString(),
		Channel:   a.channel,
		Recipient: recipient,
		SentAt:    now,
	}, nil
}

// FailFor makes subsequent sends to the recipient return the given error.
func (a *MemoryAdapter) FailFor(recipient string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail[recipient] = err
}

// Sent returns a copy of the recorded deliveries.
func (a *MemoryAdapter) Sent() []SentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SentMessage, len(a.sent))
	copy(out, a.sent)
	return out
}

var _ Adapter = (*MemoryAdapter)(nil)
