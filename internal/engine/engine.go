package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/freightdesk/waypoint/internal/channels"
	"github.com/freightdesk/waypoint/internal/events"
	"github.com/freightdesk/waypoint/internal/expressions"
	"github.com/freightdesk/waypoint/internal/logging"
	"github.com/freightdesk/waypoint/internal/store"
	"github.com/freightdesk/waypoint/internal/tat"
	"github.com/freightdesk/waypoint/internal/validation"
	"github.com/freightdesk/waypoint/pkg/schema"
)

const defaultMaxStepsFactor = 10

// Options tunes engine behavior.
type Options struct {
	// MaxStepsFactor bounds one advance: the step budget is the definition's
	// node count times this factor. Exceeding it is a configuration error
	// (NODE_BUDGET_EXCEEDED), not a crash.
	MaxStepsFactor int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine advances workflow instances through their definition graphs. It is
// the only mutator of an instance's node position, context and variables;
// per-instance advancement is serialized with a keyed mutex, and every
// persisted step carries an optimistic step-number guard so a lost race
// surfaces as CONFLICT instead of interleaved writes.
type Engine struct {
	store     store.Store
	registry  *ExecutorRegistry
	channels  *channels.Registry
	interp    *expressions.Interpolator
	cel       *expressions.CELEngine
	jq        expressions.Engine
	validator *validation.ContextValidator
	events    events.Publisher
	logger    *slog.Logger

	locks          *KeyedMutex
	maxStepsFactor int
	now            func() time.Time
}

// New creates an Engine with the built-in node executors registered.
func New(st store.Store, chans *channels.Registry, pub events.Publisher, logger *slog.Logger, opts Options) (*Engine, error) {
	if st == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "store is nil")
	}
	if chans == nil {
		chans = channels.NewRegistry()
	}
	if pub == nil {
		pub = events.NewMemoryHub()
	}
	if logger == nil {
		logger = slog.Default()
	}
	factor := opts.MaxStepsFactor
	if factor <= 0 {
		factor = defaultMaxStepsFactor
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	registry := NewExecutorRegistry()
	if err := RegisterBuiltins(registry); err != nil {
		return nil, err
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:          st,
		registry:       registry,
		channels:       chans,
		interp:         expressions.NewInterpolator(),
		cel:            celEngine,
		jq:             expressions.NewGoJQEngine(),
		validator:      validation.NewContextValidator(),
		events:         pub,
		logger:         logger,
		locks:          NewKeyedMutex(),
		maxStepsFactor: factor,
		now:            now,
	}, nil
}

// Executors exposes the executor registry so callers can register custom
// node types before starting instances.
func (e *Engine) Executors() *ExecutorRegistry {
	return e.registry
}

// StartWorkflow validates the active definition and initial context, creates
// an instance pinned to that definition version, and advances it from the
// start node. Validation failures are fatal: no partial instance is persisted.
func (e *Engine) StartWorkflow(ctx context.Context, definitionID string, entity schema.EntityRef, priority schema.Priority, initialContext map[string]any) (*store.Instance, error) {
	def, err := e.store.GetActiveDefinition(ctx, definitionID)
	if err != nil {
		if schema.CodeOf(err) == schema.ErrCodeNotFound {
			return nil, schema.NewErrorf(schema.ErrCodeDefinitionNotFound,
				"no active definition %q", definitionID).WithCause(err)
		}
		return nil, err
	}

	if err := validation.ValidateDefinition(&def.Definition); err != nil {
		return nil, err
	}
	if err := e.validator.ValidateContext(initialContext, def.Definition.ContextSchema); err != nil {
		return nil, err
	}
	if priority == "" {
		priority = schema.PriorityMedium
	}

	start := def.Definition.StartNode()
	now := e.now()
	inst := &store.Instance{
		ID:                uuid.NewString(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Definition:        def.Definition,
		Entity:            entity,
		Priority:          priority,
		Status:            schema.InstanceStatusNotStarted,
		CurrentNodeID:     start.ID,
		Context:           initialContext,
		Variables:         map[string]any{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	ctx = logging.WithInstanceID(ctx, inst.ID)

	status := schema.InstanceStatusInProgress
	startedAt := e.now()
	if err := e.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status:    &status,
		StartedAt: &startedAt,
	}); err != nil {
		return nil, err
	}
	inst.Status = status
	inst.StartedAt = &startedAt
	e.publish(ctx, schema.EventInstanceStarted, inst, nil)

	if def.Definition.SLA != nil {
		if err := e.seedTATRecord(ctx, inst, startedAt); err != nil {
			return nil, err
		}
	}

	e.logger.InfoContext(ctx, "workflow instance started",
		slog.String("definition_id", def.ID),
		slog.Int("definition_version", def.Version),
		slog.String("priority", string(priority)))

	return e.advance(ctx, inst, false)
}

// seedTATRecord writes the initial on-track TAT record for the instance's
// entity so the monitor has a row to track and the dispatcher a row to extend.
func (e *Engine) seedTATRecord(ctx context.Context, inst *store.Instance, startedAt time.Time) error {
	d, err := tat.CalculateDeadline(startedAt, inst.Definition.SLA, inst.Priority)
	if err != nil {
		return err
	}
	return e.store.UpsertTATRecord(ctx, &store.TATRecord{
		Entity:     inst.Entity,
		InstanceID: inst.ID,
		Status:     schema.TATStatusOnTrack,
		DeadlineAt: d.DeadlineAt,
		UpdatedAt:  e.now(),
	})
}

// ExecuteNextNode advances an in-progress instance until it pauses, reaches
// a terminal state, or exhausts its step budget. Calling it on an instance
// that is not in progress is a no-op; a cancelled or paused instance is
// returned unchanged.
func (e *Engine) ExecuteNextNode(ctx context.Context, instanceID string) (*store.Instance, error) {
	e.locks.Lock(instanceID)
	defer e.locks.Unlock(instanceID)

	ctx = logging.WithInstanceID(ctx, instanceID)

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != schema.InstanceStatusInProgress {
		e.logger.DebugContext(ctx, "execute skipped, instance not in progress",
			slog.String("status", string(inst.Status)))
		return inst, nil
	}
	return e.advanceLocked(ctx, inst, false)
}

// Resume wakes a paused instance: the delay node that paused it stays in the
// log, and execution continues from its successor.
func (e *Engine) Resume(ctx context.Context, instanceID string) (*store.Instance, error) {
	e.locks.Lock(instanceID)
	defer e.locks.Unlock(instanceID)

	ctx = logging.WithInstanceID(ctx, instanceID)

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(instanceID, inst.Status, schema.InstanceStatusInProgress); err != nil {
		return nil, err
	}

	status := schema.InstanceStatusInProgress
	if err := e.store.UpdateInstance(ctx, instanceID, store.InstanceUpdate{
		Status:        &status,
		ClearResumeAt: true,
	}); err != nil {
		return nil, err
	}
	inst.Status = status
	inst.ResumeAt = nil
	e.publish(ctx, schema.EventInstanceResumed, inst, nil)

	return e.advanceLocked(ctx, inst, true)
}

// Cancel terminates a non-terminal instance with a reason. Cancelling a
// terminal instance is an INVALID_TRANSITION error.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) (*store.Instance, error) {
	e.locks.Lock(instanceID)
	defer e.locks.Unlock(instanceID)

	ctx = logging.WithInstanceID(ctx, instanceID)

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(instanceID, inst.Status, schema.InstanceStatusCancelled); err != nil {
		return nil, err
	}

	status := schema.InstanceStatusCancelled
	completedAt := e.now()
	if err := e.store.UpdateInstance(ctx, instanceID, store.InstanceUpdate{
		Status:       &status,
		CancelReason: &reason,
		CompletedAt:  &completedAt,
	}); err != nil {
		return nil, err
	}
	inst.Status = status
	inst.CancelReason = reason
	inst.CompletedAt = &completedAt
	e.publish(ctx, schema.EventInstanceCancelled, inst, map[string]any{"reason": reason})

	e.logger.InfoContext(ctx, "workflow instance cancelled", slog.String("reason", reason))
	return inst, nil
}

// StatusView is a read-only snapshot of an instance with its derived TAT
// state at the time of the call.
type StatusView struct {
	Instance         *store.Instance     `json:"instance"`
	Deadline         *schema.TATDeadline `json:"deadline,omitempty"`
	TATStatus        schema.TATStatus    `json:"tat_status,omitempty"`
	RemainingMinutes float64             `json:"remaining_minutes,omitempty"`
	OverdueMinutes   float64             `json:"overdue_minutes,omitempty"`
}

// Status returns the instance with its TAT deadline recomputed from the
// pinned definition, the start time and any recorded extensions.
func (e *Engine) Status(ctx context.Context, instanceID string) (*StatusView, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	view := &StatusView{Instance: inst}
	if inst.Definition.SLA == nil || inst.StartedAt == nil {
		return view, nil
	}

	extended := 0
	if rec, err := e.store.GetTATRecord(ctx, inst.Entity); err == nil && rec != nil {
		extended = rec.ExtendedMinutes
	}

	d, err := tat.CalculateDeadlineExtended(*inst.StartedAt, inst.Definition.SLA, inst.Priority, extended)
	if err != nil {
		return nil, err
	}

	now := e.now()
	view.Deadline = d
	view.TATStatus = tat.EvaluateStatus(d, now)
	view.RemainingMinutes = tat.RemainingMinutes(d, now)
	view.OverdueMinutes = tat.OverdueMinutes(d, now)
	return view, nil
}

// advance acquires the instance lock and runs the execution loop.
func (e *Engine) advance(ctx context.Context, inst *store.Instance, skipCurrent bool) (*store.Instance, error) {
	e.locks.Lock(inst.ID)
	defer e.locks.Unlock(inst.ID)
	return e.advanceLocked(ctx, inst, skipCurrent)
}

// advanceLocked is the explicit execution loop. Each iteration executes the
// current node, persists the step with an optimistic guard, then moves along
// the chosen edge. skipCurrent starts by following the current node's edge
// instead of re-executing it (used on resume, where the delay node already
// ran).
func (e *Engine) advanceLocked(ctx context.Context, inst *store.Instance, skipCurrent bool) (*store.Instance, error) {
	budget := len(inst.Definition.Nodes) * e.maxStepsFactor

	if skipCurrent {
		next, err := e.nextNode(ctx, inst, inst.CurrentNodeID, "")
		if err != nil {
			return e.failInstance(ctx, inst, err)
		}
		step := inst.StepNumber
		newStep := step + 1
		if next == "" {
			status := schema.InstanceStatusCompleted
			completedAt := e.now()
			if err := e.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
				Status:       &status,
				StepNumber:   &newStep,
				CompletedAt:  &completedAt,
				ExpectedStep: &step,
			}); err != nil {
				return nil, err
			}
			inst.Status = status
			inst.StepNumber = newStep
			inst.CompletedAt = &completedAt
			e.publish(ctx, schema.EventInstanceCompleted, inst, nil)
			return inst, nil
		}
		if err := e.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
			CurrentNodeID: &next,
			StepNumber:    &newStep,
			ExpectedStep:  &step,
		}); err != nil {
			return nil, err
		}
		inst.CurrentNodeID = next
		inst.StepNumber = newStep
	}

	for steps := 0; ; steps++ {
		if err := ctx.Err(); err != nil {
			return inst, schema.NewError(schema.ErrCodeCancelled, "execution context cancelled").WithCause(err)
		}
		if steps >= budget {
			budgetErr := schema.NewErrorf(schema.ErrCodeNodeBudgetExceeded,
				"step budget of %d exhausted; definition likely contains an unbounded cycle", budget).
				WithNode(inst.CurrentNodeID)
			return e.failInstance(ctx, inst, budgetErr)
		}

		node := inst.Definition.Node(inst.CurrentNodeID)
		if node == nil {
			return e.failInstance(ctx, inst, schema.NewErrorf(schema.ErrCodeExecution,
				"current node %q not found in definition", inst.CurrentNodeID))
		}

		nodeCtx := logging.WithNodeID(ctx, node.ID)
		startedAt := e.now()

		var result *Result
		executor, err := e.registry.Get(node.Type)
		if err != nil {
			// Unknown node types pass through to the next edge.
			e.logger.WarnContext(nodeCtx, "unknown node type, passing through",
				slog.String("node_type", string(node.Type)))
			e.publish(nodeCtx, schema.EventNodeSkipped, inst, map[string]any{"node_id": node.ID, "node_type": string(node.Type)})
			result = &Result{}
		} else {
			e.publish(nodeCtx, schema.EventNodeStarted, inst, map[string]any{"node_id": node.ID, "node_type": string(node.Type)})

			result, err = executor.Execute(nodeCtx, &ExecContext{
				Instance:  inst,
				Node:      node,
				Context:   inst.Context,
				Variables: inst.Variables,
				Interp:    e.interp,
				JQ:        e.jq,
				Channels:  e.channels,
				Store:     e.store,
				Events:    e.events,
				Logger:    e.logger,
				Now:       e.now,
			})
			if err != nil {
				e.publish(nodeCtx, schema.EventNodeFailed, inst, map[string]any{"node_id": node.ID, "error": err.Error()})
				return e.failInstance(nodeCtx, inst, err)
			}
		}

		logEntry := store.ExecutionLogEntry{
			NodeID:      node.ID,
			NodeType:    node.Type,
			StartedAt:   startedAt,
			CompletedAt: e.now(),
		}
		if result.Output != nil {
			if raw, merr := json.Marshal(result.Output); merr == nil {
				logEntry.Result = raw
			}
		}

		for k, v := range result.SetVariables {
			if inst.Variables == nil {
				inst.Variables = map[string]any{}
			}
			inst.Variables[k] = v
		}

		e.publish(nodeCtx, schema.EventNodeCompleted, inst, map[string]any{"node_id": node.ID, "output": result.Output})

		step := inst.StepNumber
		newStep := step + 1
		update := store.InstanceUpdate{
			StepNumber:   &newStep,
			Variables:    inst.Variables,
			AppendLog:    []store.ExecutionLogEntry{logEntry},
			ExpectedStep: &step,
		}

		switch {
		case result.Complete:
			status := schema.InstanceStatusCompleted
			completedAt := e.now()
			update.Status = &status
			update.CompletedAt = &completedAt
			if err := e.store.UpdateInstance(nodeCtx, inst.ID, update); err != nil {
				return nil, err
			}
			inst.Status = status
			inst.StepNumber = newStep
			inst.CompletedAt = &completedAt
			e.publish(nodeCtx, schema.EventInstanceCompleted, inst, nil)
			e.logger.InfoContext(nodeCtx, "workflow instance completed", slog.Int("steps", newStep))
			return inst, nil

		case result.Pause:
			status := schema.InstanceStatusPaused
			pausedAt := e.now()
			update.Status = &status
			update.PausedAt = &pausedAt
			update.ResumeAt = result.ResumeAt
			if err := e.store.UpdateInstance(nodeCtx, inst.ID, update); err != nil {
				return nil, err
			}
			inst.Status = status
			inst.StepNumber = newStep
			inst.PausedAt = &pausedAt
			inst.ResumeAt = result.ResumeAt
			e.publish(nodeCtx, schema.EventInstancePaused, inst, map[string]any{"node_id": node.ID, "resume_at": result.ResumeAt})
			return inst, nil

		default:
			next, err := e.nextNode(nodeCtx, inst, node.ID, result.NextNodeID)
			if err != nil {
				return e.failInstance(nodeCtx, inst, err)
			}
			if next == "" {
				// No next node proposed: treated as termination.
				status := schema.InstanceStatusCompleted
				completedAt := e.now()
				update.Status = &status
				update.CompletedAt = &completedAt
				if err := e.store.UpdateInstance(nodeCtx, inst.ID, update); err != nil {
					return nil, err
				}
				inst.Status = status
				inst.StepNumber = newStep
				inst.CompletedAt = &completedAt
				e.publish(nodeCtx, schema.EventInstanceCompleted, inst, nil)
				e.logger.InfoContext(nodeCtx, "workflow instance completed", slog.Int("steps", newStep))
				return inst, nil
			}
			update.CurrentNodeID = &next
			if err := e.store.UpdateInstance(nodeCtx, inst.ID, update); err != nil {
				return nil, err
			}
			inst.CurrentNodeID = next
			inst.StepNumber = newStep
		}
	}
}

// nextNode resolves the follow-up node: an executor-chosen target wins,
// otherwise the first outgoing edge whose guard evaluates true is taken and
// an unguarded edge acts as the default branch. An empty return with no error
// means no next node exists and the instance terminates.
func (e *Engine) nextNode(ctx context.Context, inst *store.Instance, nodeID, chosen string) (string, error) {
	if chosen != "" {
		if inst.Definition.Node(chosen) == nil {
			return "", schema.NewErrorf(schema.ErrCodeExecution,
				"branch target %q not found in definition", chosen).WithNode(nodeID)
		}
		return chosen, nil
	}

	defaultTarget := ""
	for _, edge := range inst.Definition.OutgoingEdges(nodeID) {
		if edge.Condition == "" {
			if defaultTarget == "" {
				defaultTarget = edge.Target
			}
			continue
		}
		ok, err := e.cel.EvaluateBool(ctx, edge.Condition, map[string]any{
			"context":   inst.Context,
			"variables": inst.Variables,
			"entity":    map[string]any{"type": inst.Entity.Type, "id": inst.Entity.ID},
		})
		if err != nil {
			return "", err
		}
		if ok {
			return edge.Target, nil
		}
	}
	return defaultTarget, nil
}

// failInstance records the error on the instance, transitions it to failed
// and returns the original error alongside the updated snapshot. Later nodes
// do not run.
func (e *Engine) failInstance(ctx context.Context, inst *store.Instance, cause error) (*store.Instance, error) {
	status := schema.InstanceStatusFailed
	completedAt := e.now()
	instErr := store.InstanceError{
		NodeID:    inst.CurrentNodeID,
		Message:   cause.Error(),
		Timestamp: completedAt,
	}
	if fe, ok := cause.(*schema.FlowError); ok && fe.NodeID != "" {
		instErr.NodeID = fe.NodeID
	}

	if err := e.store.UpdateInstance(ctx, inst.ID, store.InstanceUpdate{
		Status:       &status,
		CompletedAt:  &completedAt,
		AppendErrors: []store.InstanceError{instErr},
	}); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist instance failure", slog.String("error", err.Error()))
		return inst, cause
	}
	inst.Status = status
	inst.CompletedAt = &completedAt
	inst.Errors = append(inst.Errors, instErr)

	e.publish(ctx, schema.EventInstanceFailed, inst, map[string]any{"error": cause.Error()})
	e.logger.ErrorContext(ctx, "workflow instance failed", slog.String("error", cause.Error()))
	return inst, cause
}

func (e *Engine) publish(ctx context.Context, eventType string, inst *store.Instance, payload map[string]any) {
	err := e.events.Publish(ctx, events.Event{
		Type:       eventType,
		InstanceID: inst.ID,
		EntityType: inst.Entity.Type,
		EntityID:   inst.Entity.ID,
		Payload:    payload,
		OccurredAt: e.now(),
	})
	if err != nil {
		e.logger.WarnContext(ctx, "event publish failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}
