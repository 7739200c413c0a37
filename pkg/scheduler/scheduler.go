// Package scheduler evaluates Descriptor TimeTriggers against wall-clock
// time and synthesizes the internal event equivalent to the trigger
// firing, per spec.md §4.4. Cron parsing is robfig/cron/v3's standard
// five-field parser; the ticking loop follows the teacher's scheduler
// run-loop idiom.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/bus"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/types"
)

// TickInterval is how often the scheduler checks for due triggers. One
// second is finer than robfig/cron's own minute resolution would
// require; each tick also emits the check_overdue_tasks event.
const TickInterval = time.Second

// DescriptorSource supplies the set of active descriptors to evaluate.
type DescriptorSource interface {
	ActiveDescriptors() ([]*types.Descriptor, error)
}

// Scheduler fires EmitEvent("time_trigger:<descriptor_id>") on the bus
// whenever one of a descriptor's TimeTriggers comes due, and emits
// "check_overdue_tasks" on every tick. The TaskHandler does not act on
// check_overdue_tasks; it enforces step timeouts with per-step timers.
type Scheduler struct {
	source DescriptorSource
	bus    *bus.Bus
	logger zerolog.Logger

	mu       sync.Mutex
	schedule map[types.TaskDescriptorID]map[string]cron.Schedule // descriptor -> cron expr -> parsed
	lastFire map[string]time.Time                                // "descriptorID|cronExpr" -> last fire time

	stopCh chan struct{}
}

// New creates a Scheduler reading descriptors from source.
func New(source DescriptorSource, b *bus.Bus) *Scheduler {
	return &Scheduler{
		source:   source,
		bus:      b,
		logger:   log.WithComponent("scheduler"),
		schedule: make(map[types.TaskDescriptorID]map[string]cron.Schedule),
		lastFire: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the tick loop in a background goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the tick loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) tick() {
	now := time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.bus.EmitEvent(ctx, "check_overdue_tasks", nil); err != nil {
		s.logger.Warn().Err(err).Msg("failed to emit check_overdue_tasks")
	}

	descriptors, err := s.source.ActiveDescriptors()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load active descriptors")
		return
	}

	for _, d := range descriptors {
		for _, trig := range d.Triggers {
			if trig.Kind != types.TriggerTime {
				continue
			}
			sched, err := s.parsed(d.ID, trig.Cron)
			if err != nil {
				s.logger.Error().Err(err).Str("descriptor", d.Name).Str("cron", trig.Cron).Msg("invalid cron expression")
				continue
			}
			s.maybeFire(ctx, d, trig, sched, now)
		}
	}
}

func (s *Scheduler) parsed(id types.TaskDescriptorID, expr string) (cron.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byExpr, ok := s.schedule[id]
	if !ok {
		byExpr = make(map[string]cron.Schedule)
		s.schedule[id] = byExpr
	}
	if sched, ok := byExpr[expr]; ok {
		return sched, nil
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, err
	}
	byExpr[expr] = sched
	return sched, nil
}

// maybeFire emits Event("time_trigger:<descriptor_id>") when sched's next
// scheduled moment at-or-before now has not yet been fired.
func (s *Scheduler) maybeFire(ctx context.Context, d *types.Descriptor, trig types.Trigger, sched cron.Schedule, now time.Time) {
	key := string(d.ID) + "|" + trig.Cron

	s.mu.Lock()
	last, seen := s.lastFire[key]
	if !seen {
		// First evaluation: treat "now" as the baseline so we don't
		// replay every minute since the epoch.
		s.lastFire[key] = now
		s.mu.Unlock()
		return
	}
	due := sched.Next(last)
	if due.After(now) {
		s.mu.Unlock()
		return
	}
	s.lastFire[key] = now
	s.mu.Unlock()

	messageType := "time_trigger:" + string(d.ID)
	if err := s.bus.EmitEvent(ctx, messageType, map[string]string{"descriptor_id": string(d.ID), "descriptor_name": d.Name, "cron": trig.Cron}); err != nil {
		s.logger.Warn().Err(err).Str("descriptor", d.Name).Msg("failed to emit time trigger event")
	}
}
