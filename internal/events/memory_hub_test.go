package events

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freightdesk/waypoint/pkg/schema"
)

func TestMemoryHub_PublishReachesSubscriber(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, Event{
		Type:       schema.EventInstanceStarted,
		InstanceID: "inst-1",
		EntityType: "shipment",
		EntityID:   "SHP-1",
	}))

	got := <-ch
	assert.Equal(t, schema.EventInstanceStarted, got.Type)
	assert.Equal(t, "inst-1", got.InstanceID)
	assert.False(t, got.OccurredAt.IsZero(), "publish should stamp OccurredAt")
}

func TestMemoryHub_FilterByInstanceAndType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{
		InstanceID: "inst-1",
		Types:      []string{schema.EventTATBreached},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, Event{Type: schema.EventTATBreached, InstanceID: "inst-2"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: schema.EventInstanceStarted, InstanceID: "inst-1"}))
	require.NoError(t, hub.Publish(ctx, Event{Type: schema.EventTATBreached, InstanceID: "inst-1"}))

	got := <-ch
	assert.Equal(t, schema.EventTATBreached, got.Type)
	assert.Equal(t, "inst-1", got.InstanceID)
	assert.Empty(t, ch, "filtered-out events must not be delivered")
}

func TestMemoryHub_CancelStopsDelivery(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, hub.Publish(ctx, Event{Type: schema.EventInstanceStarted}))
	assert.Empty(t, ch)
}

func TestMemoryHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	// Overfill the buffer; Publish must never block.
	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, Event{
			Type:       schema.EventNodeCompleted,
			InstanceID: fmt.Sprintf("inst-%d", i),
		}))
	}
	assert.Len(t, ch, defaultChannelBuffer)
}

func TestMemoryHub_CancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Error(t, hub.Publish(ctx, Event{Type: schema.EventInstanceStarted}))
	_, _, err := hub.Subscribe(ctx, Filter{})
	require.Error(t, err)
}
