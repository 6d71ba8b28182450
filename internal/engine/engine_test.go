package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freightdesk/waypoint/internal/channels"
	"github.com/freightdesk/waypoint/internal/events"
	"github.com/freightdesk/waypoint/internal/store"
	"github.com/freightdesk/waypoint/pkg/schema"
)

type testEnv struct {
	engine   *Engine
	store    *store.LibSQLStore
	hub      *events.MemoryHub
	adapters map[schema.Channel]*channels.MemoryAdapter
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	registry := channels.NewRegistry()
	adapters := make(map[schema.Channel]*channels.MemoryAdapter)
	for _, ch := range []schema.Channel{
		schema.ChannelEmail, schema.ChannelSMS, schema.ChannelWhatsApp, schema.ChannelVoice, schema.ChannelInApp,
	} {
		a := channels.NewMemoryAdapter(ch)
		adapters[ch] = a
		require.NoError(t, registry.Register(a))
	}

	hub := events.NewMemoryHub()
	eng, err := New(st, registry, hub, slog.Default(), opts)
	require.NoError(t, err)

	return &testEnv{engine: eng, store: st, hub: hub, adapters: adapters}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func (env *testEnv) putDefinition(t *testing.T, def schema.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, env.store.PutDefinition(context.Background(), &store.Definition{
		ID:         def.ID,
		Version:    def.Version,
		Name:       def.Name,
		Status:     def.Status,
		Definition: def,
	}))
}

func linearDefinition(t *testing.T) schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		ID:      "shipment-followup",
		Version: 1,
		Status:  schema.DefinitionStatusActive,
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "notify", Type: schema.NodeTypeSendEmail, Config: mustJSON(t, schema.MessageConfig{
				Recipient: "{{owner.email}}",
				Subject:   "Update on {{shipment.ref}}",
				Body:      "Shipment {{shipment.ref}} needs attention",
			})},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "notify"},
			{Source: "notify", Target: "end"},
		},
		SLA: &schema.SLAConfig{ResolutionTimeMinutes: 1440},
	}
}

var shipmentEntity = schema.EntityRef{Type: "shipment", ID: "SHP-100"}

func TestStartWorkflow_LinearCompletes(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.putDefinition(t, linearDefinition(t))
	ctx := context.Background()

	inst, err := env.engine.StartWorkflow(ctx, "shipment-followup", shipmentEntity, schema.PriorityMedium, map[string]any{
		"owner":    map[string]any{"email": "ops@example.com"},
		"shipment": map[string]any{"ref": "SHP-100"},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)

	sent := env.adapters[schema.ChannelEmail].Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ops@example.com", sent[0].Recipient)
	assert.Equal(t, "Update on SHP-100", sent[0].Message.Subject)
	assert.Equal(t, "Shipment SHP-100 needs attention", sent[0].Message.Body)

	got, err := env.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, got.Status)
	require.Len(t, got.ExecutionLog, 3)
	assert.Equal(t, "start", got.ExecutionLog[0].NodeID)
	assert.Equal(t, "notify", got.ExecutionLog[1].NodeID)
	assert.Equal(t, "end", got.ExecutionLog[2].NodeID)
	assert.NotNil(t, got.CompletedAt)

	// The SLA seeds an on-track TAT record for the entity.
	rec, err := env.store.GetTATRecord(ctx, shipmentEntity)
	require.NoError(t, err)
	assert.Equal(t, schema.TATStatusOnTrack, rec.Status)
	assert.Equal(t, inst.ID, rec.InstanceID)
}

func TestStartWorkflow_NoActiveDefinition(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, err := env.engine.StartWorkflow(context.Background(), "missing", shipmentEntity, schema.PriorityMedium, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeDefinitionNotFound, schema.CodeOf(err))
}

func TestStartWorkflow_MissingStartNode(t *testing.T) {
	env := newTestEnv(t, Options{})
	def := linearDefinition(t)
	def.Nodes = def.Nodes[1:] // drop the start node
	env.putDefinition(t, def)

	_, err := env.engine.StartWorkflow(context.Background(), "shipment-followup", shipmentEntity, schema.PriorityMedium, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeMissingStartNode, schema.CodeOf(err))

	// No partial instance is persisted.
	instances, err := env.store.ListInstances(context.Background(), store.InstanceFilter{})
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestStartWorkflow_ContextSchemaRejects(t *testing.T) {
	env := newTestEnv(t, Options{})
	def := linearDefinition(t)
	def.ContextSchema = json.RawMessage(`{
		"type": "object",
		"required": ["owner"],
		"properties": {"owner": {"type": "object"}}
	}`)
	env.putDefinition(t, def)

	_, err := env.engine.StartWorkflow(context.Background(), "shipment-followup", shipmentEntity, schema.PriorityMedium, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	instances, err := env.store.ListInstances(context.Background(), store.InstanceFilter{})
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestCondition_RoutesByPredicate(t *testing.T) {
	env := newTestEnv(t, Options{})
	def := schema.WorkflowDefinition{
		ID:      "triage",
		Version: 1,
		Status:  schema.DefinitionStatusActive,
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "check", Type: schema.NodeTypeCondition, Config: mustJSON(t, schema.ConditionConfig{
				Predicates: []schema.Predicate{
					{Field: "shipment.amount", Operator: schema.OpGreaterThan, Value: 1000},
					{Field: "shipment.status", Operator: schema.OpEquals, Value: "delayed"},
				},
				TrueTarget:  "urgent",
				FalseTarget: "routine",
			})},
			{ID: "urgent", Type: schema.NodeTypeSendSMS, Config: mustJSON(t, schema.MessageConfig{
				Recipient: "+15550000001", Body: "urgent",
			})},
			{ID: "routine", Type: schema.NodeTypeSendEmail, Config: mustJSON(t, schema.MessageConfig{
				Recipient: "team@example.com", Body: "routine",
			})},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "check"},
			{Source: "urgent", Target: "end"},
			{Source: "routine", Target: "end"},
		},
	}
	env.putDefinition(t, def)
	ctx := context.Background()

	// Both predicates hold: true branch.
	_, err := env.engine.StartWorkflow(ctx, "triage", shipmentEntity, schema.PriorityHigh, map[string]any{
		"shipment": map[string]any{"amount": 5000, "status": "delayed"},
	})
	require.NoError(t, err)
	assert.Len(t, env.adapters[schema.ChannelSMS].Sent(), 1)
	assert.Empty(t, env.adapters[schema.ChannelEmail].Sent())

	// AND semantics: one failing predicate takes the false branch.
	_, err = env.engine.StartWorkflow(ctx, "triage", schema.EntityRef{Type: "shipment", ID: "SHP-101"}, schema.PriorityHigh, map[string]any{
		"shipment": map[string]any{"amount": 5000, "status": "on_time"},
	})
	require.NoError(t, err)
	assert.Len(t, env.adapters[schema.ChannelSMS].Sent(), 1)
	assert.Len(t, env.adapters[schema.ChannelEmail].Sent(), 1)
}

func TestEdgeGuards_CELSelectsBranch(t *testing.T) {
	env := newTestEnv(t, Options{})
	def := schema.WorkflowDefinition{
		ID:      "routing",
		Version: 1,
		Status:  schema.DefinitionStatusActive,
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "vip", Type: schema.NodeTypeSendEmail, Config: mustJSON(t, schema.MessageConfig{
				Recipient: "vip-desk@example.com", Body: "vip",
			})},
			{ID: "std", Type: schema.NodeTypeSendEmail, Config: mustJSON(t, schema.MessageConfig{
				Recipient: "support@example.com", Body: "std",
			})},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "vip", Condition: `"vip" in context && context.vip == true`},
			{Source: "start", Target: "std"},
			{Source: "vip", Target: "end"},
			{Source: "std", Target: "end"},
		},
	}
	env.putDefinition(t, def)
	ctx := context.Background()

	_, err := env.engine.StartWorkflow(ctx, "routing", shipmentEntity, schema.PriorityMedium, map[string]any{"vip": true})
	require.NoError(t, err)

	_, err = env.engine.StartWorkflow(ctx, "routing", schema.EntityRef{Type: "shipment", ID: "SHP-102"}, schema.PriorityMedium, map[string]any{})
	require.NoError(t, err)

	sent := env.adapters[schema.ChannelEmail].Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "vip-desk@example.com", sent[0].Recipient)
	assert.Equal(t, "support@example.com", sent[1].Recipient)
}

func delayDefinition(t *testing.T) schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		ID:      "delayed-reminder",
		Version: 1,
		Status:  schema.DefinitionStatusActive,
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "wait", Type: schema.NodeTypeDelay, Config: mustJSON(t, schema.DelayConfig{Minutes: 30})},
			{ID: "remind", Type: schema.NodeTypeSendEmail, Config: mustJSON(t, schema.MessageConfig{
				Recipient: "ops@example.com", Body: "reminder",
			})},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "wait"},
			{Source: "wait", Target: "remind"},
			{Source: "remind", Target: "end"},
		},
	}
}

func TestDelay_PausesThenResumeCompletes(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.putDefinition(t, delayDefinition(t))
	ctx := context.Background()

	inst, err := env.engine.StartWorkflow(ctx, "delayed-reminder", shipmentEntity, schema.PriorityMedium, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusPaused, inst.Status)
	assert.Equal(t, "wait", inst.CurrentNodeID)
	require.NotNil(t, inst.ResumeAt)
	assert.WithinDuration(t, time.Now().UTC().Add(30*time.Minute), *inst.ResumeAt, 5*time.Second)
	assert.Empty(t, env.adapters[schema.ChannelEmail].Sent())

	resumed, err := env.engine.Resume(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, resumed.Status)
	assert.Len(t, env.adapters[schema.ChannelEmail].Sent(), 1)
	assert.Nil(t, resumed.ResumeAt)
}

func TestExecuteNextNode_NoOpWhenNotInProgress(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.putDefinition(t, delayDefinition(t))
	ctx := context.Background()

	inst, err := env.engine.StartWorkflow(ctx, "delayed-reminder", shipmentEntity, schema.PriorityMedium, nil)
	require.NoError(t, err)
	require.Equal(t, schema.InstanceStatusPaused, inst.Status)

	same, err := env.engine.ExecuteNextNode(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusPaused, same.Status)
	assert.Equal(t, "wait", same.CurrentNodeID)
	assert.Empty(t, env.adapters[schema.ChannelEmail].Sent())
}

func TestCancel_PausedInstance(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.putDefinition(t, delayDefinition(t))
	ctx := context.Background()

	inst, err := env.engine.StartWorkflow(ctx, "delayed-reminder", shipmentEntity, schema.PriorityMedium, nil)
	require.NoError(t, err)

	cancelled, err := env.engine.Cancel(ctx, inst.ID, "customer resolved the issue")
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCancelled, cancelled.Status)
	assert.Equal(t, "customer resolved the issue", cancelled.CancelReason)

	// A pending delay resume must not revive a cancelled instance.
	_, err = env.engine.Resume(ctx, inst.ID)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))

	// Cancelling twice is also an invalid transition.
	_, err = env.engine.Cancel(ctx, inst.ID, "again")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
}

func TestNodeFailure_RecordsErrorAndHalts(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.putDefinition(t, linearDefinition(t))
	env.adapters[schema.ChannelEmail].FailFor("ops@example.com", errors.New("smtp unavailable"))
	ctx := context.Background()

	inst, err := env.engine.StartWorkflow(ctx, "shipment-followup", shipmentEntity, schema.PriorityMedium, map[string]any{
		"owner":    map[string]any{"email": "ops@example.com"},
		"shipment": map[string]any{"ref": "SHP-100"},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeChannel, schema.CodeOf(err))
	require.NotNil(t, inst)
	assert.Equal(t, schema.InstanceStatusFailed, inst.Status)

	got, err2 := env.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err2)
	assert.Equal(t, schema.InstanceStatusFailed, got.Status)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "notify", got.Errors[0].NodeID)
	assert.Contains(t, got.Errors[0].Message, "smtp unavailable")
	// The end node never ran.
	require.Len(t, got.ExecutionLog, 1)
	assert.Equal(t, "start", got.ExecutionLog[0].NodeID)
}

func TestTransform_SetsVariables(t *testing.T) {
	env := newTestEnv(t, Options{})
	def := schema.WorkflowDefinition{
		ID:      "enrich",
		Version: 1,
		Status:  schema.DefinitionStatusActive,
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "shape", Type: schema.NodeTypeTransform, Config: mustJSON(t, schema.TransformConfig{
				Expression: `{greeting: ("Hello " + .context.name)}`,
			})},
			{ID: "send", Type: schema.NodeTypeSendEmail, Config: mustJSON(t, schema.MessageConfig{
				Recipient: "ops@example.com", Body: "{{greeting}}",
			})},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "shape"},
			{Source: "shape", Target: "send"},
			{Source: "send", Target: "end"},
		},
	}
	env.putDefinition(t, def)

	inst, err := env.engine.StartWorkflow(context.Background(), "enrich", shipmentEntity, schema.PriorityMedium, map[string]any{"name": "Dana"})
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, "Hello Dana", inst.Variables["greeting"])

	sent := env.adapters[schema.ChannelEmail].Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hello Dana", sent[0].Message.Body)
}

func TestStepBudget_FailsUnboundedLoop(t *testing.T) {
	env := newTestEnv(t, Options{MaxStepsFactor: 2})
	def := schema.WorkflowDefinition{
		ID:      "looper",
		Version: 1,
		Status:  schema.DefinitionStatusActive,
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "check", Type: schema.NodeTypeCondition, Config: mustJSON(t, schema.ConditionConfig{
				Predicates:  []schema.Predicate{{Field: "flag", Operator: schema.OpEquals, Value: true}},
				TrueTarget:  "bump",
				FalseTarget: "end",
			})},
			{ID: "bump", Type: schema.NodeTypeTransform, Config: mustJSON(t, schema.TransformConfig{
				Expression: `{counter: ((.variables.counter // 0) + 1)}`,
			})},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "check"},
			{Source: "bump", Target: "check"},
		},
	}
	env.putDefinition(t, def)

	inst, err := env.engine.StartWorkflow(context.Background(), "looper", shipmentEntity, schema.PriorityMedium, map[string]any{"flag": true})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNodeBudgetExceeded, schema.CodeOf(err))
	require.NotNil(t, inst)
	assert.Equal(t, schema.InstanceStatusFailed, inst.Status)
}

func crmSyncDefinition(t *testing.T) schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		ID:      "crm-handoff",
		Version: 1,
		Status:  schema.DefinitionStatusActive,
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "mystery", Type: "crm_sync"},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "start", Target: "mystery"},
			{Source: "mystery", Target: "end"},
		},
	}
}

func TestUnknownNodeType_PassesThrough(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.putDefinition(t, crmSyncDefinition(t))
	ctx := context.Background()

	sub, cancel, err := env.hub.Subscribe(ctx, events.Filter{Types: []string{schema.EventNodeSkipped}})
	require.NoError(t, err)
	defer cancel()

	inst, err := env.engine.StartWorkflow(ctx, "crm-handoff", shipmentEntity, schema.PriorityMedium, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)

	// The unrecognized node is logged as a step and skipped, not failed.
	got, err := env.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, got.ExecutionLog, 3)
	assert.Equal(t, "mystery", got.ExecutionLog[1].NodeID)
	assert.Equal(t, schema.NodeType("crm_sync"), got.ExecutionLog[1].NodeType)

	select {
	case ev := <-sub:
		assert.Equal(t, schema.EventNodeSkipped, ev.Type)
		assert.Equal(t, "crm_sync", ev.Payload["node_type"])
	default:
		t.Fatal("expected a node skipped event")
	}
}

type crmSyncExecutor struct{ runs int }

func (x *crmSyncExecutor) Type() schema.NodeType { return "crm_sync" }

func (x *crmSyncExecutor) Execute(ctx context.Context, ec *ExecContext) (*Result, error) {
	x.runs++
	return &Result{SetVariables: map[string]any{"crm_id": "CRM-77"}}, nil
}

func TestCustomExecutor_HandlesItsNodeType(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.putDefinition(t, crmSyncDefinition(t))
	custom := &crmSyncExecutor{}
	require.NoError(t, env.engine.Executors().Register(custom))

	inst, err := env.engine.StartWorkflow(context.Background(), "crm-handoff", shipmentEntity, schema.PriorityMedium, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, 1, custom.runs)
	assert.Equal(t, "CRM-77", inst.Variables["crm_id"])
}

func TestConcurrentResumeAndExecute_RunsEachNodeOnce(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.putDefinition(t, delayDefinition(t))
	ctx := context.Background()

	inst, err := env.engine.StartWorkflow(ctx, "delayed-reminder", shipmentEntity, schema.PriorityMedium, nil)
	require.NoError(t, err)
	require.Equal(t, schema.InstanceStatusPaused, inst.Status)

	// Race resumes against direct advances on the same instance. Exactly one
	// resume wins the paused to in-progress transition; every other call is
	// an invalid transition or a no-op on an already terminal instance.
	var wg sync.WaitGroup
	var resumed atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.engine.Resume(ctx, inst.ID); err == nil {
				resumed.Add(1)
			} else {
				assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.ExecuteNextNode(ctx, inst.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), resumed.Load())
	assert.Len(t, env.adapters[schema.ChannelEmail].Sent(), 1)

	got, err := env.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, got.Status)

	seen := map[string]int{}
	for _, entry := range got.ExecutionLog {
		seen[entry.NodeID]++
	}
	assert.Equal(t, map[string]int{"start": 1, "wait": 1, "remind": 1, "end": 1}, seen)
}

func TestStatus_DerivesTATView(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.putDefinition(t, delayDefinition(t))
	def := delayDefinition(t)
	def.SLA = &schema.SLAConfig{ResolutionTimeMinutes: 120}
	def.Version = 2
	env.putDefinition(t, def)
	ctx := context.Background()

	inst, err := env.engine.StartWorkflow(ctx, "delayed-reminder", shipmentEntity, schema.PriorityMedium, nil)
	require.NoError(t, err)

	view, err := env.engine.Status(ctx, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Deadline)
	assert.Equal(t, 120.0, view.Deadline.TotalMinutes)
	assert.Equal(t, schema.TATStatusOnTrack, view.TATStatus)
	assert.Greater(t, view.RemainingMinutes, 100.0)
	assert.Equal(t, 0.0, view.OverdueMinutes)
}
