package channels

import (
	"sort"
	"sync"

	"github.com/freightdesk/waypoint/pkg/schema"
)

// Registry is a thread-safe lookup of channel adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[schema.Channel]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[schema.Channel]Adapter),
	}
}

// Register adds an adapter to the registry. Returns error on duplicate channel.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return schema.NewError(schema.ErrCodeValidation, "adapter is nil")
	}
	ch := adapter.Channel()
	if ch == "" {
		return schema.NewError(schema.ErrCodeValidation, "adapter channel is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[ch]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "adapter for channel %q already registered", ch)
	}

	r.adapters[ch] = adapter
	return nil
}

// Get retrieves an adapter by channel.
func (r *Registry) Get(ch schema.Channel) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[ch]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeChannel, "no adapter registered for channel %q", ch)
	}
	return adapter, nil
}

// Has checks if an adapter is registered for the channel.
func (r *Registry) Has(ch schema.Channel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[ch]
	return ok
}

// Channels returns the registered channels, sorted.
func (r *Registry) Channels() []schema.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schema.Channel, 0, len(r.adapters))
	for ch := range r.adapters {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
