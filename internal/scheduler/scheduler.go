// Package scheduler fires cron schedules at the times their expressions
// define, in their own timezones, with one precise single-shot timer per
// schedule and a periodic recovery pass that reconciles the timer map with
// the store. Missed firings during downtime are dropped; the next natural
// firing after recovery applies.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"loom/internal/async"
	"loom/internal/errs"
	"loom/internal/logging"
)

// Launcher routes a firing to its target: a queue job for executor-shaped
// schedules, a new workflow instance for definition-shaped ones.
type Launcher interface {
	EnqueueJob(ctx context.Context, schedule Schedule) error
	StartWorkflow(ctx context.Context, schedule Schedule) error
}

// Config holds scheduler tunables.
type Config struct {
	Enabled          bool
	MaxConcurrency   int           // cap on in-flight firings
	RecoveryInterval time.Duration // store ↔ timer map reconciliation period
	DeferDelay       time.Duration // re-arm delay when at capacity
}

type entry struct {
	schedule Schedule
	nextRun  time.Time
	timer    *time.Timer
}

// Scheduler owns the timer map. It is the single writer of timer handles;
// external code only goes through the store and the recovery tick.
type Scheduler struct {
	config     Config
	store      Repo
	executions ExecutionRepo
	launcher   Launcher
	logger     logging.Logger
	parser     cron.Parser
	now        func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry
	inFlight int
	paused   bool

	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a Scheduler. The store and launcher are required; executions
// may be nil when firing records are not wanted (tests).
func New(cfg Config, store Repo, executions ExecutionRepo, launcher Launcher, logger logging.Logger) *Scheduler {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 16
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = time.Minute
	}
	return &Scheduler{
		config:     cfg,
		store:      store,
		executions: executions,
		launcher:   launcher,
		logger:     logging.OrNop(logger),
		parser:     cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:        func() time.Time { return time.Now().UTC() },
		entries:    make(map[string]*entry),
		stopped:    make(chan struct{}),
	}
}

// Start loads enabled schedules, arms their timers and begins the recovery
// ticker. It returns immediately; firing happens on timer goroutines.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("scheduler disabled by config")
		return nil
	}

	if err := s.Reload(ctx); err != nil {
		return err
	}

	if s.config.RecoveryInterval > 0 {
		async.Go(s.logger, "scheduler-recovery", func() {
			ticker := time.NewTicker(s.config.RecoveryInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := s.Reconcile(context.Background()); err != nil {
						s.logger.Warn("scheduler: recovery pass failed: %v", err)
					}
				case <-s.stopped:
					return
				}
			}
		})
	}

	async.Go(s.logger, "scheduler-ctx-watch", func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopped:
		}
	})

	s.logger.Info("scheduler started with %d schedules", s.TimerCount())
	return nil
}

// Stop disarms every timer and halts the recovery loop. Safe to call twice.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		for id, e := range s.entries {
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(s.entries, id)
		}
		s.mu.Unlock()
		close(s.stopped)
		s.logger.Info("scheduler stopped")
	})
}

// Done returns a channel closed when the scheduler has fully stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// Reload rebuilds the timer map from enabled schedules in the store. It is
// idempotent: reloading twice leaves the map structurally identical.
func (s *Scheduler) Reload(ctx context.Context) error {
	schedules, err := s.store.List(ctx, true)
	if err != nil {
		return errs.Wrap(errs.KindTransient, err, "scheduler: list schedules")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]bool, len(schedules))
	for i := range schedules {
		schedule := schedules[i]
		keep[schedule.ID] = true
		if err := s.armLocked(ctx, schedule); err != nil {
			s.logger.Warn("scheduler: failed to arm %q: %v", schedule.ID, err)
		}
	}
	for id, e := range s.entries {
		if keep[id] {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, id)
		s.logger.Info("scheduler: pruned stale schedule %q", id)
	}
	return nil
}

// Reconcile adds entries for schedules created elsewhere (e.g. by a peer
// node) and prunes disabled or deleted ones, leaving armed entries alone.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	schedules, err := s.store.List(ctx, true)
	if err != nil {
		return errs.Wrap(errs.KindTransient, err, "scheduler: list schedules")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]bool, len(schedules))
	for i := range schedules {
		schedule := schedules[i]
		keep[schedule.ID] = true
		if _, exists := s.entries[schedule.ID]; exists {
			continue
		}
		if err := s.armLocked(ctx, schedule); err != nil {
			s.logger.Warn("scheduler: failed to arm %q: %v", schedule.ID, err)
		}
	}
	for id, e := range s.entries {
		if keep[id] {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, id)
	}
	return nil
}

// Pause disarms every timer without touching the store.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	s.logger.Info("scheduler paused")
}

// Resume recomputes next-run times and re-arms every entry.
func (s *Scheduler) Resume(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	for _, e := range s.entries {
		if err := s.armLocked(ctx, e.schedule); err != nil {
			s.logger.Warn("scheduler: failed to re-arm %q: %v", e.schedule.ID, err)
		}
	}
	s.logger.Info("scheduler resumed with %d schedules", len(s.entries))
}

// armLocked computes the schedule's next firing in its timezone and installs
// a single-shot timer for it, replacing any existing timer. Must be called
// with s.mu held.
func (s *Scheduler) armLocked(ctx context.Context, schedule Schedule) error {
	if err := schedule.Validate(); err != nil {
		return err
	}
	next, err := s.nextRun(schedule, s.now())
	if err != nil {
		return err
	}

	if existing := s.entries[schedule.ID]; existing != nil && existing.timer != nil {
		existing.timer.Stop()
	}

	e := &entry{schedule: schedule, nextRun: next}
	if !s.paused {
		id := schedule.ID
		e.timer = time.AfterFunc(time.Until(next), func() {
			defer async.Recover(s.logger, "scheduler-fire")
			s.fire(id)
		})
	}
	s.entries[schedule.ID] = e

	if err := s.store.UpdateRunTimes(ctx, schedule.ID, schedule.LastRunAt, next); err != nil {
		s.logger.Warn("scheduler: failed to persist next run for %q: %v", schedule.ID, err)
	}
	return nil
}

// nextRun evaluates the cron expression in the schedule's timezone. The
// result is always strictly after now.
func (s *Scheduler) nextRun(schedule Schedule, now time.Time) (time.Time, error) {
	spec, err := s.parser.Parse(schedule.CronExpr)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.KindValidation, err, "invalid cron expression for %q", schedule.ID)
	}
	loc := time.UTC
	if schedule.Timezone != "" {
		loc, err = time.LoadLocation(schedule.Timezone)
		if err != nil {
			return time.Time{}, errs.Wrap(errs.KindValidation, err, "invalid timezone %q for %q", schedule.Timezone, schedule.ID)
		}
	}
	return spec.Next(now.In(loc)), nil
}

// fire runs one firing of the schedule: capacity check, execution record,
// launch, then re-arm. Re-arming happens before the launch returns so a slow
// executor never delays the next firing of other schedules.
func (s *Scheduler) fire(scheduleID string) {
	select {
	case <-s.stopped:
		return
	default:
	}

	ctx := context.Background()

	s.mu.Lock()
	e := s.entries[scheduleID]
	if e == nil || s.paused {
		s.mu.Unlock()
		return
	}
	schedule := e.schedule
	triggerTime := e.nextRun

	if s.inFlight >= s.config.MaxConcurrency {
		// At capacity: defer this firing without recording an execution.
		id := scheduleID
		e.nextRun = s.now().Add(s.config.DeferDelay)
		e.timer = time.AfterFunc(s.config.DeferDelay, func() {
			defer async.Recover(s.logger, "scheduler-fire")
			s.fire(id)
		})
		s.mu.Unlock()
		s.logger.Warn("scheduler: %q deferred %v, at max concurrency", scheduleID, s.config.DeferDelay)
		return
	}

	s.inFlight++
	schedule.LastRunAt = s.now()
	e.schedule = schedule
	if err := s.armLocked(ctx, schedule); err != nil {
		s.logger.Warn("scheduler: failed to re-arm %q: %v", scheduleID, err)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	s.logger.Info("scheduler: firing %q (cron=%s)", schedule.Name, schedule.CronExpr)

	execution := Execution{
		ID:          uuid.NewString(),
		ScheduleID:  schedule.ID,
		Status:      ExecutionRunning,
		TriggerTime: triggerTime,
		StartedAt:   s.now(),
	}
	s.recordExecution(ctx, execution, false)

	err := s.launch(ctx, schedule)

	execution.CompletedAt = s.now()
	execution.DurationMs = execution.CompletedAt.Sub(execution.StartedAt).Milliseconds()
	if err != nil {
		execution.Status = ExecutionFailed
		execution.Error = err.Error()
		s.logger.Warn("scheduler: firing %q failed: %v", schedule.Name, err)
	} else {
		execution.Status = ExecutionSuccess
	}
	s.recordExecution(ctx, execution, true)
}

func (s *Scheduler) launch(ctx context.Context, schedule Schedule) error {
	if schedule.WorkflowDefinition != "" {
		return s.launcher.StartWorkflow(ctx, schedule)
	}
	return s.launcher.EnqueueJob(ctx, schedule)
}

func (s *Scheduler) recordExecution(ctx context.Context, execution Execution, update bool) {
	if s.executions == nil {
		return
	}
	var err error
	if update {
		err = s.executions.Update(ctx, execution)
	} else {
		err = s.executions.Create(ctx, execution)
	}
	if err != nil {
		s.logger.Warn("scheduler: failed to record execution for %q: %v", execution.ScheduleID, err)
	}
}

// TimerCount returns the number of armed schedules.
func (s *Scheduler) TimerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// NextRun returns the deadline of the schedule's pending timer.
func (s *Scheduler) NextRun(scheduleID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[scheduleID]
	if !ok {
		return time.Time{}, false
	}
	return e.nextRun, true
}

// Snapshot returns scheduleID → next run for every armed entry.
func (s *Scheduler) Snapshot() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]time.Time, len(s.entries))
	for id, e := range s.entries {
		snapshot[id] = e.nextRun
	}
	return snapshot
}
