package tat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/freightdesk/waypoint/internal/channels"
	"github.com/freightdesk/waypoint/internal/events"
	"github.com/freightdesk/waypoint/internal/expressions"
	"github.com/freightdesk/waypoint/internal/store"
	"github.com/freightdesk/waypoint/pkg/schema"
)

const breachLevel = "breach"

// EscalationStarter starts escalation workflows for breached entities.
// Satisfied by the engine; an interface here keeps the dependency one-way.
type EscalationStarter interface {
	StartWorkflow(ctx context.Context, definitionID string, entity schema.EntityRef, priority schema.Priority, initialContext map[string]any) (*store.Instance, error)
}

// Dispatcher turns the monitor's findings into TAT status updates,
// notifications and channel fan-out. Dedup marks persisted per instance and
// threshold keep repeated monitor passes from re-sending; the mark key
// includes the deadline instant, so extending a deadline naturally re-arms
// every threshold.
type Dispatcher struct {
	store    store.Store
	channels *channels.Registry
	starter  EscalationStarter
	events   events.Publisher
	expr     *expressions.ExprEngine
	logger   *slog.Logger
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher. starter may be nil, disabling
// escalation workflow launch.
func NewDispatcher(st store.Store, chans *channels.Registry, starter EscalationStarter, pub events.Publisher, logger *slog.Logger) *Dispatcher {
	if chans == nil {
		chans = channels.NewRegistry()
	}
	if pub == nil {
		pub = events.NewMemoryHub()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    st,
		channels: chans,
		starter:  starter,
		events:   pub,
		expr:     expressions.NewExprEngine(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// DispatchApproaching handles instances inside the warning window: the
// entity's TAT record moves to at_risk, the assignee gets an in-app
// notification, and the matched escalation rule's recipients get a reminder
// on every rule channel. One failed alert never blocks the rest.
func (d *Dispatcher) DispatchApproaching(ctx context.Context, alerts []Alert) error {
	for _, alert := range alerts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.dispatchAlert(ctx, alert); err != nil {
			d.logger.ErrorContext(ctx, "approaching alert dispatch failed",
				slog.String("instance_id", alert.Instance.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (d *Dispatcher) dispatchAlert(ctx context.Context, alert Alert) error {
	inst := alert.Instance

	already, err := d.alreadyNotified(ctx, inst.ID, markKey(alert.Level, alert.Deadline.DeadlineAt))
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	if err := d.setTATStatus(ctx, inst, schema.TATStatusAtRisk, alert.Deadline.DeadlineAt); err != nil {
		return err
	}
	d.publish(ctx, schema.EventTATAtRisk, inst, map[string]any{
		"level":             alert.Level,
		"deadline_at":       alert.Deadline.DeadlineAt,
		"remaining_minutes": alert.RemainingMinutes,
	})

	body := fmt.Sprintf("%s %s is at risk: %.0f minutes remain before its deadline at %s.",
		inst.Entity.Type, inst.Entity.ID, alert.RemainingMinutes,
		alert.Deadline.DeadlineAt.Format(time.RFC3339))

	d.notifyAssignee(ctx, inst, alert.Rule, "Deadline at risk", body, inst.Priority)
	if alert.Rule != nil {
		d.fanOut(ctx, inst, alert.Rule, body, alert.ElapsedMinutes)
	}

	return d.markNotified(ctx, inst.ID, markKey(alert.Level, alert.Deadline.DeadlineAt))
}

// DispatchBreached handles instances past their deadline: TAT record to
// breached, a critical notification, rule fan-out, and, when the SLA names an
// escalation workflow, a new instance of it for the same entity.
func (d *Dispatcher) DispatchBreached(ctx context.Context, breaches []Breach) error {
	for _, breach := range breaches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.dispatchBreach(ctx, breach); err != nil {
			d.logger.ErrorContext(ctx, "breach dispatch failed",
				slog.String("instance_id", breach.Instance.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (d *Dispatcher) dispatchBreach(ctx context.Context, breach Breach) error {
	inst := breach.Instance

	already, err := d.alreadyNotified(ctx, inst.ID, markKey(breachLevel, breach.Deadline.DeadlineAt))
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	if err := d.setTATStatus(ctx, inst, schema.TATStatusBreached, breach.Deadline.DeadlineAt); err != nil {
		return err
	}
	d.publish(ctx, schema.EventTATBreached, inst, map[string]any{
		"deadline_at":     breach.Deadline.DeadlineAt,
		"overdue_minutes": breach.OverdueMinutes,
	})

	body := fmt.Sprintf("%s %s has breached its deadline: %.0f minutes overdue (deadline was %s).",
		inst.Entity.Type, inst.Entity.ID, breach.OverdueMinutes,
		breach.Deadline.DeadlineAt.Format(time.RFC3339))

	d.notifyAssignee(ctx, inst, breach.Rule, "Deadline breached", body, schema.PriorityCritical)
	if breach.Rule != nil {
		d.fanOut(ctx, inst, breach.Rule, body, breach.ElapsedMinutes)
	}

	if breach.EscalationWorkflowID != "" && d.starter != nil {
		escCtx := map[string]any{
			"originalInstanceId": inst.ID,
			"breachTime":         breach.Deadline.DeadlineAt.Format(time.RFC3339),
			"overdueMinutes":     breach.OverdueMinutes,
		}
		esc, err := d.starter.StartWorkflow(ctx, breach.EscalationWorkflowID, inst.Entity, schema.PriorityCritical, escCtx)
		if err != nil {
			d.logger.ErrorContext(ctx, "escalation workflow start failed",
				slog.String("instance_id", inst.ID),
				slog.String("escalation_workflow_id", breach.EscalationWorkflowID),
				slog.String("error", err.Error()))
		} else {
			d.publish(ctx, schema.EventEscalationWorkflow, inst, map[string]any{
				"escalation_instance_id": esc.ID,
				"escalation_workflow_id": breach.EscalationWorkflowID,
			})
		}
	}

	return d.markNotified(ctx, inst.ID, markKey(breachLevel, breach.Deadline.DeadlineAt))
}

// ExtendTATDeadline grants extra minutes to an entity's deadline, resets its
// TAT status to on_track and records an immutable audit entry.
func (d *Dispatcher) ExtendTATDeadline(ctx context.Context, entity schema.EntityRef, extensionMinutes int, reason string) (*store.TATRecord, error) {
	if extensionMinutes <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"extension minutes must be positive, got %d", extensionMinutes)
	}

	rec, err := d.store.GetTATRecord(ctx, entity)
	if err != nil {
		return nil, err
	}

	oldDeadline := rec.DeadlineAt
	now := d.now()
	rec.DeadlineAt = oldDeadline.Add(time.Duration(extensionMinutes) * time.Minute)
	rec.ExtendedMinutes += extensionMinutes
	rec.Status = schema.TATStatusOnTrack
	rec.UpdatedAt = now

	if err := d.store.UpsertTATRecord(ctx, rec); err != nil {
		return nil, err
	}
	if err := d.store.AppendTATAudit(ctx, &store.TATAuditEntry{
		ID:               uuid.NewString(),
		Entity:           entity,
		OldDeadline:      oldDeadline,
		NewDeadline:      rec.DeadlineAt,
		ExtensionMinutes: extensionMinutes,
		Reason:           reason,
		ExtendedAt:       now,
	}); err != nil {
		return nil, err
	}

	if err := d.events.Publish(ctx, events.Event{
		Type:       schema.EventTATExtended,
		InstanceID: rec.InstanceID,
		EntityType: entity.Type,
		EntityID:   entity.ID,
		Payload: map[string]any{
			"old_deadline":      oldDeadline,
			"new_deadline":      rec.DeadlineAt,
			"extension_minutes": extensionMinutes,
			"reason":            reason,
		},
		OccurredAt: now,
	}); err != nil {
		d.logger.WarnContext(ctx, "tat extension event publish failed", slog.String("error", err.Error()))
	}

	d.logger.InfoContext(ctx, "tat deadline extended",
		slog.String("entity", entity.Type+"/"+entity.ID),
		slog.Int("extension_minutes", extensionMinutes),
		slog.String("reason", reason))
	return rec, nil
}

// --- internals ---

func (d *Dispatcher) setTATStatus(ctx context.Context, inst *store.Instance, status schema.TATStatus, deadlineAt time.Time) error {
	extended := 0
	if rec, err := d.store.GetTATRecord(ctx, inst.Entity); err == nil && rec != nil {
		extended = rec.ExtendedMinutes
	}
	return d.store.UpsertTATRecord(ctx, &store.TATRecord{
		Entity:          inst.Entity,
		InstanceID:      inst.ID,
		Status:          status,
		DeadlineAt:      deadlineAt,
		ExtendedMinutes: extended,
		UpdatedAt:       d.now(),
	})
}

// notifyAssignee creates an in-app notification for the instance's assignee,
// falling back to the rule's first recipient when the context names none.
func (d *Dispatcher) notifyAssignee(ctx context.Context, inst *store.Instance, rule *schema.EscalationRule, title, body string, priority schema.Priority) {
	recipient := ""
	if v, ok := inst.Context["assignee"].(string); ok {
		recipient = v
	}
	if recipient == "" && rule != nil && len(rule.Recipients) > 0 {
		recipient = rule.Recipients[0].ID
	}
	if recipient == "" {
		d.logger.WarnContext(ctx, "no assignee for deadline notification",
			slog.String("instance_id", inst.ID))
		return
	}

	n := &store.Notification{
		ID:         uuid.NewString(),
		Recipient:  recipient,
		Title:      title,
		Body:       body,
		Priority:   priority,
		Channel:    schema.ChannelInApp,
		Entity:     inst.Entity,
		InstanceID: inst.ID,
		CreatedAt:  d.now(),
	}
	if err := d.store.CreateNotification(ctx, n); err != nil {
		d.logger.ErrorContext(ctx, "notification create failed",
			slog.String("instance_id", inst.ID),
			slog.String("error", err.Error()))
	}
}

// fanOut delivers the message to every rule recipient over every rule
// channel. Each send is an independent unit of work; failures are logged and
// published, never propagated.
func (d *Dispatcher) fanOut(ctx context.Context, inst *store.Instance, rule *schema.EscalationRule, body string, elapsedMinutes float64) {
	recipients := d.filterRecipients(ctx, inst, rule, elapsedMinutes)

	for _, ch := range rule.Channels {
		adapter, err := d.channels.Get(ch)
		if err != nil {
			d.logger.WarnContext(ctx, "no adapter for escalation channel",
				slog.String("channel", string(ch)))
			continue
		}
		for _, rcpt := range recipients {
			address := rcpt.Address
			if address == "" {
				address = rcpt.ID
			}
			receipt, err := adapter.Send(ctx, address, channels.Message{Body: body})
			if err != nil {
				d.logger.ErrorContext(ctx, "escalation send failed",
					slog.String("channel", string(ch)),
					slog.String("recipient", address),
					slog.String("error", err.Error()))
				d.publish(ctx, schema.EventNotificationFailed, inst, map[string]any{
					"channel":   string(ch),
					"recipient": address,
					"error":     err.Error(),
				})
				continue
			}
			d.publish(ctx, schema.EventNotificationSent, inst, map[string]any{
				"channel":    string(ch),
				"recipient":  address,
				"message_id": receipt.MessageID,
			})
		}
	}

	d.publish(ctx, schema.EventEscalationDispatched, inst, map[string]any{
		"recipients": len(recipients),
		"channels":   len(rule.Channels),
	})
}

// filterRecipients applies the rule's optional recipient filter expression.
// A filter error keeps the recipient: a broken filter must not silence an
// escalation.
func (d *Dispatcher) filterRecipients(ctx context.Context, inst *store.Instance, rule *schema.EscalationRule, elapsedMinutes float64) []schema.RecipientRef {
	if rule.RecipientFilter == "" {
		return rule.Recipients
	}

	var kept []schema.RecipientRef
	for _, rcpt := range rule.Recipients {
		out, err := d.expr.Evaluate(ctx, rule.RecipientFilter, map[string]any{
			"recipient": map[string]any{
				"type":    rcpt.Type,
				"id":      rcpt.ID,
				"address": rcpt.Address,
			},
			"entity": map[string]any{
				"type": inst.Entity.Type,
				"id":   inst.Entity.ID,
			},
			"elapsed_minutes": elapsedMinutes,
		})
		if err != nil {
			d.logger.WarnContext(ctx, "recipient filter failed, keeping recipient",
				slog.String("recipient", rcpt.ID),
				slog.String("error", err.Error()))
			kept = append(kept, rcpt)
			continue
		}
		if keep, ok := out.(bool); !ok || keep {
			kept = append(kept, rcpt)
		}
	}
	return kept
}

func (d *Dispatcher) alreadyNotified(ctx context.Context, instanceID, threshold string) (bool, error) {
	mark, err := d.store.GetNotificationMark(ctx, instanceID, threshold)
	if err != nil {
		return false, err
	}
	return mark != nil, nil
}

func (d *Dispatcher) markNotified(ctx context.Context, instanceID, threshold string) error {
	return d.store.PutNotificationMark(ctx, &store.NotificationMark{
		InstanceID: instanceID,
		Threshold:  threshold,
		NotifiedAt: d.now(),
	})
}

// markKey builds the dedup key for a threshold at a given deadline. Keying on
// the deadline instant means a deadline extension re-arms every threshold.
func markKey(level string, deadlineAt time.Time) string {
	return level + ":" + deadlineAt.UTC().Format(time.RFC3339)
}

func (d *Dispatcher) publish(ctx context.Context, eventType string, inst *store.Instance, payload map[string]any) {
	err := d.events.Publish(ctx, events.Event{
		Type:       eventType,
		InstanceID: inst.ID,
		EntityType: inst.Entity.Type,
		EntityID:   inst.Entity.ID,
		Payload:    payload,
		OccurredAt: d.now(),
	})
	if err != nil {
		d.logger.WarnContext(ctx, "event publish failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}

var _ DeadlineDispatcher = (*Dispatcher)(nil)
