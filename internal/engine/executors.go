package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/freightdesk/waypoint/internal/channels"
	"github.com/freightdesk/waypoint/internal/store"
	"github.com/freightdesk/waypoint/pkg/schema"
)

// RegisterBuiltins registers one executor per built-in node type.
func RegisterBuiltins(r *ExecutorRegistry) error {
	builtins := []NodeExecutor{
		&startExecutor{},
		&endExecutor{},
		&messageExecutor{nodeType: schema.NodeTypeSendEmail, channel: schema.ChannelEmail},
		&messageExecutor{nodeType: schema.NodeTypeSendSMS, channel: schema.ChannelSMS},
		&messageExecutor{nodeType: schema.NodeTypeSendWhatsApp, channel: schema.ChannelWhatsApp},
		&messageExecutor{nodeType: schema.NodeTypeMakeCall, channel: schema.ChannelVoice},
		&taskExecutor{},
		&conditionExecutor{},
		&delayExecutor{},
		&escalateExecutor{},
		&transformExecutor{},
	}
	for _, ex := range builtins {
		if err := r.Register(ex); err != nil {
			return err
		}
	}
	return nil
}

func nodeConfig(ec *ExecContext, out any) error {
	if len(ec.Node.Config) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s node has no config", ec.Node.Type).WithNode(ec.Node.ID)
	}
	if err := json.Unmarshal(ec.Node.Config, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid %s node config: %s", ec.Node.Type, err.Error()).
			WithNode(ec.Node.ID).WithCause(err)
	}
	return nil
}

// --- start ---

// startExecutor is a no-op entry marker; the engine follows its outgoing edge.
type startExecutor struct{}

func (e *startExecutor) Type() schema.NodeType { return schema.NodeTypeStart }

func (e *startExecutor) Execute(ctx context.Context, ec *ExecContext) (*Result, error) {
	return &Result{}, nil
}

// --- end ---

type endExecutor struct{}

func (e *endExecutor) Type() schema.NodeType { return schema.NodeTypeEnd }

func (e *endExecutor) Execute(ctx context.Context, ec *ExecContext) (*Result, error) {
	return &Result{Complete: true}, nil
}

// --- send_email / send_sms / send_whatsapp / make_call ---

// messageExecutor renders the recipient, subject and body templates against
// instance context and variables, then delivers over its channel adapter.
type messageExecutor struct {
	nodeType schema.NodeType
	channel  schema.Channel
}

func (e *messageExecutor) Type() schema.NodeType { return e.nodeType }

func (e *messageExecutor) Execute(ctx context.Context, ec *ExecContext) (*Result, error) {
	var cfg schema.MessageConfig
	if err := nodeConfig(ec, &cfg); err != nil {
		return nil, err
	}

	recipient := ec.Interp.Resolve(cfg.Recipient, ec.Context, ec.Variables)
	if recipient == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "recipient resolved to empty string").WithNode(ec.Node.ID)
	}

	msg := channels.Message{
		Subject: ec.Interp.Resolve(cfg.Subject, ec.Context, ec.Variables),
		Body:    ec.Interp.Resolve(cfg.Body, ec.Context, ec.Variables),
	}
	if len(cfg.Metadata) > 0 {
		msg.Metadata = make(map[string]any, len(cfg.Metadata))
		for k, v := range cfg.Metadata {
			msg.Metadata[k] = ec.Interp.Resolve(v, ec.Context, ec.Variables)
		}
	}

	adapter, err := ec.Channels.Get(e.channel)
	if err != nil {
		return nil, err
	}

	receipt, err := adapter.Send(ctx, recipient, msg)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeChannel,
			"%s delivery failed: %s", e.channel, err.Error()).
			WithNode(ec.Node.ID).WithCause(err)
	}

	return &Result{
		Output: map[string]any{
			"message_id": receipt.MessageID,
			"channel":    string(receipt.Channel),
			"recipient":  receipt.Recipient,
			"sent_at":    receipt.SentAt.Format(time.RFC3339),
		},
	}, nil
}

// --- create_task ---

// taskExecutor persists an in-app notification representing a task for the
// assignee.
type taskExecutor struct{}

func (e *taskExecutor) Type() schema.NodeType { return schema.NodeTypeCreateTask }

func (e *taskExecutor) Execute(ctx context.Context, ec *ExecContext) (*Result, error) {
	var cfg schema.TaskConfig
	if err := nodeConfig(ec, &cfg); err != nil {
		return nil, err
	}

	assignee := ec.Interp.Resolve(cfg.Assignee, ec.Context, ec.Variables)
	if assignee == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "assignee resolved to empty string").WithNode(ec.Node.ID)
	}

	n := &store.Notification{
		ID:         uuid.NewString(),
		Recipient:  assignee,
		Title:      ec.Interp.Resolve(cfg.Title, ec.Context, ec.Variables),
		Body:       ec.Interp.Resolve(cfg.Description, ec.Context, ec.Variables),
		Priority:   ec.Instance.Priority,
		Channel:    schema.ChannelInApp,
		Entity:     ec.Instance.Entity,
		InstanceID: ec.Instance.ID,
		CreatedAt:  ec.Now(),
	}
	if err := ec.Store.CreateNotification(ctx, n); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create task notification: %s", err.Error()).
			WithNode(ec.Node.ID).WithCause(err)
	}

	output := map[string]any{
		"task_id":  n.ID,
		"assignee": assignee,
	}
	if cfg.DueInMinutes > 0 {
		output["due_at"] = ec.Now().Add(time.Duration(cfg.DueInMinutes) * time.Minute).Format(time.RFC3339)
	}
	return &Result{Output: output}, nil
}

// --- condition ---

// conditionExecutor evaluates the node's predicates with AND semantics over
// the context-then-variables union and picks the configured branch target.
type conditionExecutor struct{}

func (e *conditionExecutor) Type() schema.NodeType { return schema.NodeTypeCondition }

func (e *conditionExecutor) Execute(ctx context.Context, ec *ExecContext) (*Result, error) {
	var cfg schema.ConditionConfig
	if err := nodeConfig(ec, &cfg); err != nil {
		return nil, err
	}

	matched, err := EvaluatePredicates(cfg.Predicates, ec.Context, ec.Variables)
	if err != nil {
		if fe, ok := err.(*schema.FlowError); ok {
			return nil, fe.WithNode(ec.Node.ID)
		}
		return nil, err
	}

	target := cfg.FalseTarget
	if matched {
		target = cfg.TrueTarget
	}
	return &Result{
		NextNodeID: target,
		Output:     map[string]any{"matched": matched, "target": target},
	}, nil
}

// --- delay ---

// delayExecutor pauses the instance and records when the scheduler should
// resume it. The engine does not self-schedule.
type delayExecutor struct{}

func (e *delayExecutor) Type() schema.NodeType { return schema.NodeTypeDelay }

func (e *delayExecutor) Execute(ctx context.Context, ec *ExecContext) (*Result, error) {
	var cfg schema.DelayConfig
	if err := nodeConfig(ec, &cfg); err != nil {
		return nil, err
	}
	if cfg.Minutes <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "delay minutes must be positive, got %d", cfg.Minutes).
			WithNode(ec.Node.ID)
	}

	resumeAt := ec.Now().Add(time.Duration(cfg.Minutes) * time.Minute)
	return &Result{
		Pause:    true,
		ResumeAt: &resumeAt,
		Output:   map[string]any{"resume_at": resumeAt.Format(time.RFC3339)},
	}, nil
}

// --- escalate ---

// escalateExecutor fans a rendered message out to every recipient over every
// configured channel. One failed delivery does not stop the others; if any
// delivery fails the node fails with the failures in its details.
type escalateExecutor struct{}

func (e *escalateExecutor) Type() schema.NodeType { return schema.NodeTypeEscalate }

func (e *escalateExecutor) Execute(ctx context.Context, ec *ExecContext) (*Result, error) {
	var cfg schema.EscalateConfig
	if err := nodeConfig(ec, &cfg); err != nil {
		return nil, err
	}

	body := ec.Interp.Resolve(cfg.Message, ec.Context, ec.Variables)

	var delivered []map[string]any
	var failures []string
	for _, ch := range cfg.Channels {
		adapter, err := ec.Channels.Get(ch)
		if err != nil {
			failures = append(failures, err.Error())
			continue
		}
		for _, rcpt := range cfg.Recipients {
			address := rcpt.Address
			if address == "" {
				address = rcpt.ID
			}
			receipt, err := adapter.Send(ctx, address, channels.Message{Body: body})
			if err != nil {
				failures = append(failures, err.Error())
				continue
			}
			delivered = append(delivered, map[string]any{
				"message_id": receipt.MessageID,
				"channel":    string(ch),
				"recipient":  address,
			})
		}
	}

	if len(failures) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeChannel,
			"escalation delivery failed for %d of %d sends", len(failures), len(failures)+len(delivered)).
			WithNode(ec.Node.ID).
			WithDetails(map[string]any{"failures": failures, "delivered": delivered})
	}

	return &Result{Output: map[string]any{"delivered": delivered}}, nil
}

// --- transform ---

// transformExecutor runs a jq program against {"context": ..., "variables": ...}
// and merges an object result into the instance variables.
type transformExecutor struct{}

func (e *transformExecutor) Type() schema.NodeType { return schema.NodeTypeTransform }

func (e *transformExecutor) Execute(ctx context.Context, ec *ExecContext) (*Result, error) {
	var cfg schema.TransformConfig
	if err := nodeConfig(ec, &cfg); err != nil {
		return nil, err
	}

	input := map[string]any{
		"context":   ec.Context,
		"variables": ec.Variables,
	}
	out, err := ec.JQ.Evaluate(ctx, cfg.Expression, input)
	if err != nil {
		if fe, ok := err.(*schema.FlowError); ok {
			return nil, fe.WithNode(ec.Node.ID)
		}
		return nil, err
	}

	obj, ok := out.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"transform expression must yield an object, got %T", out).WithNode(ec.Node.ID)
	}

	return &Result{
		SetVariables: obj,
		Output:       map[string]any{"keys_set": len(obj)},
	}, nil
}
