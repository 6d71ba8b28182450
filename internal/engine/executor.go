package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/freightdesk/waypoint/internal/channels"
	"github.com/freightdesk/waypoint/internal/events"
	"github.com/freightdesk/waypoint/internal/expressions"
	"github.com/freightdesk/waypoint/internal/store"
	"github.com/freightdesk/waypoint/pkg/schema"
)

// ExecContext carries everything a node executor needs for one node run.
// Context and Variables are working copies; executors report variable changes
// through Result.SetVariables rather than mutating the maps directly.
type ExecContext struct {
	Instance  *store.Instance
	Node      *schema.NodeDefinition
	Context   map[string]any
	Variables map[string]any

	Interp   *expressions.Interpolator
	JQ       expressions.Engine
	Channels *channels.Registry
	Store    store.Store
	Events   events.Publisher
	Logger   *slog.Logger
	Now      func() time.Time
}

// Result is what a node executor reports back to the engine loop.
// NextNodeID overrides edge traversal (condition nodes use it to pick a
// branch). Pause stops the loop with the instance in paused state; ResumeAt
// tells the scheduler when to wake it. Complete marks the instance completed.
type Result struct {
	NextNodeID   string
	Output       map[string]any
	SetVariables map[string]any
	Pause        bool
	ResumeAt     *time.Time
	Complete     bool
}

// NodeExecutor executes one node type. Implementations must be safe for
// concurrent use; the engine may run many instances at once.
type NodeExecutor interface {
	Type() schema.NodeType
	Execute(ctx context.Context, ec *ExecContext) (*Result, error)
}

// ExecutorRegistry is a thread-safe lookup of node executors by type.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[schema.NodeType]NodeExecutor
}

// NewExecutorRegistry creates an empty ExecutorRegistry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{
		executors: make(map[schema.NodeType]NodeExecutor),
	}
}

// Register adds an executor to the registry. Returns error on duplicate type.
func (r *ExecutorRegistry) Register(ex NodeExecutor) error {
	if ex == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	t := ex.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for node type %q already registered", t)
	}

	r.executors[t] = ex
	return nil
}

// Get retrieves an executor by node type.
func (r *ExecutorRegistry) Get(t schema.NodeType) (NodeExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ex, ok := r.executors[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "no executor registered for node type %q", t)
	}
	return ex, nil
}

// Types returns the registered node types, sorted.
func (r *ExecutorRegistry) Types() []schema.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schema.NodeType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
