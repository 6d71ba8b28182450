package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/freightdesk/waypoint/internal/store"
	"github.com/freightdesk/waypoint/pkg/schema"
)

const defaultPollInterval = 60 * time.Second

// InstanceResumer resumes paused instances. Satisfied by the engine; an
// interface here avoids an import cycle.
type InstanceResumer interface {
	Resume(ctx context.Context, instanceID string) (*store.Instance, error)
}

// WorkflowStarter starts workflow instances for recurring schedules.
// Also satisfied by the engine.
type WorkflowStarter interface {
	StartWorkflow(ctx context.Context, definitionID string, entity schema.EntityRef, priority schema.Priority, initialContext map[string]any) (*store.Instance, error)
}

// Schedule starts a workflow on a cron cadence, for recurring sweeps like a
// daily follow-up pass over open threads.
type Schedule struct {
	ID           string
	CronExpr     string
	DefinitionID string
	Entity       schema.EntityRef
	Priority     schema.Priority
	Context      map[string]any

	schedule cron.Schedule
	nextRun  time.Time
}

// Scheduler drives time-based work: it polls for paused instances whose
// delay has elapsed and resumes them, and fires registered cron schedules.
// The engine records pauses but never self-schedules; this is the external
// collaborator that wakes instances back up.
type Scheduler struct {
	store   store.Store
	resumer InstanceResumer
	starter WorkflowStarter
	parser  cron.Parser
	logger  *slog.Logger

	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	schedMu   sync.Mutex
	schedules map[string]*Schedule

	inflightMu sync.Mutex
	inflight   map[string]struct{} // instance IDs currently resuming (dedup)
}

// Options tunes the scheduler.
type Options struct {
	// PollInterval is the tick cadence. Default 60 seconds.
	PollInterval time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New creates a Scheduler. starter may be nil when no recurring schedules
// are registered.
func New(st store.Store, resumer InstanceResumer, starter WorkflowStarter, logger *slog.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		store:     st,
		resumer:   resumer,
		starter:   starter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		interval:  interval,
		now:       now,
		schedules: make(map[string]*Schedule),
		inflight:  make(map[string]struct{}),
	}
}

// AddSchedule registers a recurring workflow schedule. Returns error on a
// bad cron expression or duplicate ID.
func (s *Scheduler) AddSchedule(sched Schedule) error {
	if sched.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule id is empty")
	}
	parsed, err := s.parser.Parse(sched.CronExpr)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"parse cron expression %q: %s", sched.CronExpr, err.Error()).WithCause(err)
	}

	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	if _, exists := s.schedules[sched.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already registered", sched.ID)
	}
	sched.schedule = parsed
	sched.nextRun = parsed.Next(s.now())
	s.schedules[sched.ID] = &sched
	return nil
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick resumes due instances and fires due schedules.
func (s *Scheduler) tick(ctx context.Context) {
	s.resumeDue(ctx)
	s.fireSchedules(ctx)
}

// resumeDue wakes every paused instance whose resume time has passed. An
// instance cancelled between the scan and the resume is left alone: Resume
// validates the transition and the INVALID_TRANSITION result is a no-op here.
func (s *Scheduler) resumeDue(ctx context.Context) {
	now := s.now()
	due, err := s.store.ListInstances(ctx, store.InstanceFilter{
		Statuses:    []schema.InstanceStatus{schema.InstanceStatusPaused},
		ResumeDueBy: &now,
	})
	if err != nil {
		s.logger.Error("failed to list due instances", slog.String("error", err.Error()))
		return
	}

	for _, inst := range due {
		if !s.tryAcquire(inst.ID) {
			continue // already resuming (dedup)
		}
		go func(id string) {
			defer s.release(id)
			if _, err := s.resumer.Resume(ctx, id); err != nil {
				if schema.CodeOf(err) == schema.ErrCodeInvalidTransition {
					s.logger.Debug("skipping resume, instance no longer paused",
						slog.String("instance_id", id))
					return
				}
				s.logger.Error("failed to resume instance",
					slog.String("instance_id", id),
					slog.String("error", err.Error()))
			}
		}(inst.ID)
	}
}

// fireSchedules starts a workflow for every schedule whose next run is due.
func (s *Scheduler) fireSchedules(ctx context.Context) {
	if s.starter == nil {
		return
	}
	now := s.now()

	s.schedMu.Lock()
	var due []*Schedule
	for _, sched := range s.schedules {
		if !sched.nextRun.After(now) {
			due = append(due, sched)
			sched.nextRun = sched.schedule.Next(now)
		}
	}
	s.schedMu.Unlock()

	for _, sched := range due {
		if _, err := s.starter.StartWorkflow(ctx, sched.DefinitionID, sched.Entity, sched.Priority, sched.Context); err != nil {
			s.logger.Error("failed to start scheduled workflow",
				slog.String("schedule_id", sched.ID),
				slog.String("definition_id", sched.DefinitionID),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Scheduler) tryAcquire(instanceID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[instanceID]; ok {
		return false
	}
	s.inflight[instanceID] = struct{}{}
	return true
}

func (s *Scheduler) release(instanceID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, instanceID)
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
