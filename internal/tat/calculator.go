package tat

import (
	"time"

	"github.com/freightdesk/waypoint/pkg/schema"
)

// priorityMultipliers scale the SLA resolution time into the allotted
// turn-around time. Critical work gets a quarter of the base allowance,
// low-priority work gets half again as much.
var priorityMultipliers = map[schema.Priority]float64{
	schema.PriorityCritical: 0.25,
	schema.PriorityHigh:     0.5,
	schema.PriorityMedium:   1.0,
	schema.PriorityLow:      1.5,
}

// Multiplier returns the TAT multiplier for a priority. Unknown priorities
// fall back to the medium multiplier.
func Multiplier(p schema.Priority) float64 {
	if m, ok := priorityMultipliers[p]; ok {
		return m
	}
	return priorityMultipliers[schema.PriorityMedium]
}

// CalculateDeadline derives the deadline and its warning thresholds from the
// start instant, the SLA resolution time and the priority. The warning
// threshold sits at 80% of the allotted time, the critical threshold at 90%.
// Deadlines are derived, never persisted: extending one means recomputing
// from an adjusted total, handled by the dispatcher.
func CalculateDeadline(startedAt time.Time, sla *schema.SLAConfig, priority schema.Priority) (*schema.TATDeadline, error) {
	if sla == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidSLAConfig, "sla config is nil")
	}
	if sla.ResolutionTimeMinutes <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidSLAConfig,
			"resolution time must be positive, got %d", sla.ResolutionTimeMinutes)
	}

	total := float64(sla.ResolutionTimeMinutes) * Multiplier(priority)
	return deadlineFromTotal(startedAt, total), nil
}

// CalculateDeadlineExtended is CalculateDeadline with extra minutes granted
// through deadline extensions added to the allotted total before the
// thresholds are derived.
func CalculateDeadlineExtended(startedAt time.Time, sla *schema.SLAConfig, priority schema.Priority, extendedMinutes int) (*schema.TATDeadline, error) {
	d, err := CalculateDeadline(startedAt, sla, priority)
	if err != nil {
		return nil, err
	}
	if extendedMinutes <= 0 {
		return d, nil
	}
	return deadlineFromTotal(startedAt, d.TotalMinutes+float64(extendedMinutes)), nil
}

func deadlineFromTotal(startedAt time.Time, totalMinutes float64) *schema.TATDeadline {
	totalDur := time.Duration(totalMinutes * float64(time.Minute))
	return &schema.TATDeadline{
		DeadlineAt:          startedAt.Add(totalDur),
		WarningThresholdAt:  startedAt.Add(time.Duration(totalMinutes * 0.8 * float64(time.Minute))),
		CriticalThresholdAt: startedAt.Add(time.Duration(totalMinutes * 0.9 * float64(time.Minute))),
		TotalMinutes:        totalMinutes,
	}
}

// EvaluateStatus classifies the deadline at the given instant. On or after
// the deadline is breached; on or after the warning threshold is at risk.
func EvaluateStatus(d *schema.TATDeadline, now time.Time) schema.TATStatus {
	switch {
	case !now.Before(d.DeadlineAt):
		return schema.TATStatusBreached
	case !now.Before(d.WarningThresholdAt):
		return schema.TATStatusAtRisk
	default:
		return schema.TATStatusOnTrack
	}
}

// OverdueMinutes returns how many minutes past the deadline now is, clamped
// at zero for deadlines still in the future.
func OverdueMinutes(d *schema.TATDeadline, now time.Time) float64 {
	overdue := now.Sub(d.DeadlineAt).Minutes()
	if overdue < 0 {
		return 0
	}
	return overdue
}

// RemainingMinutes returns how many minutes remain until the deadline,
// clamped at zero once breached.
func RemainingMinutes(d *schema.TATDeadline, now time.Time) float64 {
	remaining := d.DeadlineAt.Sub(now).Minutes()
	if remaining < 0 {
		return 0
	}
	return remaining
}
