package tat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/freightdesk/waypoint/internal/events"
	"github.com/freightdesk/waypoint/internal/store"
	"github.com/freightdesk/waypoint/pkg/schema"
)

const (
	defaultScanInterval = 5 * time.Minute
	defaultLookback     = 30 * 24 * time.Hour
	defaultScanLimit    = 500

	// Alert levels for approaching deadlines.
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Alert describes an instance approaching its deadline. Rule is the
// escalation rule whose threshold has most recently been crossed, nil when
// the SLA declares none.
type Alert struct {
	Instance         *store.Instance
	Deadline         *schema.TATDeadline
	Level            string
	RemainingMinutes float64
	ElapsedMinutes   float64
	Rule             *schema.EscalationRule
}

// Breach describes an instance past its deadline.
type Breach struct {
	Instance             *store.Instance
	Deadline             *schema.TATDeadline
	OverdueMinutes       float64
	ElapsedMinutes       float64
	Rule                 *schema.EscalationRule
	EscalationWorkflowID string
}

// DeadlineDispatcher receives each scan's findings. Implemented by the
// escalation dispatcher; the monitor stays a read-mostly scanner.
type DeadlineDispatcher interface {
	DispatchApproaching(ctx context.Context, alerts []Alert) error
	DispatchBreached(ctx context.Context, breaches []Breach) error
}

// MonitorOptions tunes the scan.
type MonitorOptions struct {
	// ScanInterval is how often the background loop runs. Default 5 minutes.
	ScanInterval time.Duration
	// Lookback bounds the startedAt window of scanned instances. Default 30 days.
	Lookback time.Duration
	// ScanLimit caps instances fetched per pass. Default 500.
	ScanLimit int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Monitor periodically recomputes TAT deadlines for live instances and hands
// approaching and breached ones to the dispatcher. Each pass recomputes from
// the persisted instance and its pinned SLA config; no state carries between
// passes except what the dispatcher persists. A single Monitor is assumed;
// Start refuses to run twice.
type Monitor struct {
	store      store.Store
	dispatcher DeadlineDispatcher
	events     events.Publisher
	logger     *slog.Logger

	interval time.Duration
	lookback time.Duration
	limit    int
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor creates a Monitor. The dispatcher may be nil, in which case the
// background loop only publishes TAT status events.
func NewMonitor(st store.Store, dispatcher DeadlineDispatcher, pub events.Publisher, logger *slog.Logger, opts MonitorOptions) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.NewMemoryHub()
	}
	interval := opts.ScanInterval
	if interval <= 0 {
		interval = defaultScanInterval
	}
	lookback := opts.Lookback
	if lookback <= 0 {
		lookback = defaultLookback
	}
	limit := opts.ScanLimit
	if limit <= 0 {
		limit = defaultScanLimit
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Monitor{
		store:      st,
		dispatcher: dispatcher,
		events:     pub,
		logger:     logger,
		interval:   interval,
		lookback:   lookback,
		limit:      limit,
		now:        now,
	}
}

// ApproachingDeadlines scans live instances and returns those inside the
// warning window: warningThresholdAt <= now < deadlineAt. Terminal instances
// are excluded by construction of the scan filter.
func (m *Monitor) ApproachingDeadlines(ctx context.Context) ([]Alert, error) {
	instances, err := m.scan(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	var alerts []Alert
	for _, inst := range instances {
		d, elapsed, ok := m.deadlineFor(ctx, inst, now)
		if !ok {
			continue
		}
		if now.Before(d.WarningThresholdAt) || !now.Before(d.DeadlineAt) {
			continue
		}
		level := LevelWarning
		if !now.Before(d.CriticalThresholdAt) {
			level = LevelCritical
		}
		alerts = append(alerts, Alert{
			Instance:         inst,
			Deadline:         d,
			Level:            level,
			RemainingMinutes: RemainingMinutes(d, now),
			ElapsedMinutes:   elapsed,
			Rule:             matchRule(inst.Definition.SLA.EscalationRules, elapsed),
		})
	}
	return alerts, nil
}

// BreachedDeadlines scans live instances and returns those at or past their
// deadline, with overdueMinutes always >= 0.
func (m *Monitor) BreachedDeadlines(ctx context.Context) ([]Breach, error) {
	instances, err := m.scan(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	var breaches []Breach
	for _, inst := range instances {
		d, elapsed, ok := m.deadlineFor(ctx, inst, now)
		if !ok {
			continue
		}
		if now.Before(d.DeadlineAt) {
			continue
		}
		breaches = append(breaches, Breach{
			Instance:             inst,
			Deadline:             d,
			OverdueMinutes:       OverdueMinutes(d, now),
			ElapsedMinutes:       elapsed,
			Rule:                 matchRule(inst.Definition.SLA.EscalationRules, elapsed),
			EscalationWorkflowID: inst.Definition.SLA.EscalationWorkflowID,
		})
	}
	return breaches, nil
}

// scan lists non-terminal instances started within the lookback window.
func (m *Monitor) scan(ctx context.Context) ([]*store.Instance, error) {
	after := m.now().Add(-m.lookback)
	return m.store.ListInstances(ctx, store.InstanceFilter{
		Statuses:     []schema.InstanceStatus{schema.InstanceStatusInProgress, schema.InstanceStatusPaused},
		StartedAfter: &after,
		Limit:        m.limit,
	})
}

// deadlineFor recomputes the instance's deadline from its pinned SLA config,
// its priority and any recorded extension. Instances without an SLA or a
// start time are skipped.
func (m *Monitor) deadlineFor(ctx context.Context, inst *store.Instance, now time.Time) (*schema.TATDeadline, float64, bool) {
	if inst.Definition.SLA == nil || inst.StartedAt == nil {
		return nil, 0, false
	}

	extended := 0
	if rec, err := m.store.GetTATRecord(ctx, inst.Entity); err == nil && rec != nil {
		extended = rec.ExtendedMinutes
	}

	d, err := CalculateDeadlineExtended(*inst.StartedAt, inst.Definition.SLA, inst.Priority, extended)
	if err != nil {
		m.logger.WarnContext(ctx, "skipping instance with invalid sla config",
			slog.String("instance_id", inst.ID),
			slog.String("error", err.Error()))
		return nil, 0, false
	}
	return d, now.Sub(*inst.StartedAt).Minutes(), true
}

// matchRule returns the escalation rule whose threshold has most recently
// been crossed by elapsed time, nil when none has.
func matchRule(rules []schema.EscalationRule, elapsedMinutes float64) *schema.EscalationRule {
	var best *schema.EscalationRule
	for i := range rules {
		r := &rules[i]
		if float64(r.ThresholdMinutes) > elapsedMinutes {
			continue
		}
		if best == nil || r.ThresholdMinutes > best.ThresholdMinutes {
			best = r
		}
	}
	return best
}

// Start launches the background scan loop. Only one loop may run; a second
// Start returns CONFLICT. Multiple Monitor processes against the same store
// need external coordination.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return schema.NewError(schema.ErrCodeConflict, "monitor already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.loop(loopCtx)
	m.logger.Info("deadline monitor started", slog.Duration("interval", m.interval))
	return nil
}

// Stop halts the background loop and waits for the in-flight pass to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.done
	m.running = false
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("deadline monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick runs one scan-and-dispatch pass. Dispatch failures are logged, never
// fatal to the loop.
func (m *Monitor) tick(ctx context.Context) {
	alerts, err := m.ApproachingDeadlines(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "approaching deadline scan failed", slog.String("error", err.Error()))
	} else if len(alerts) > 0 && m.dispatcher != nil {
		if err := m.dispatcher.DispatchApproaching(ctx, alerts); err != nil {
			m.logger.ErrorContext(ctx, "approaching dispatch failed", slog.String("error", err.Error()))
		}
	}

	breaches, err := m.BreachedDeadlines(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "breached deadline scan failed", slog.String("error", err.Error()))
		return
	}
	if len(breaches) > 0 && m.dispatcher != nil {
		if err := m.dispatcher.DispatchBreached(ctx, breaches); err != nil {
			m.logger.ErrorContext(ctx, "breach dispatch failed", slog.String("error", err.Error()))
		}
	}
}
