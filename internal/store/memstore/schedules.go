package memstore

import (
	"context"
	"sort"
	"time"

	"loom/internal/errs"
	"loom/internal/scheduler"
)

type scheduleRepo struct {
	s *Store
}

func (r *scheduleRepo) Save(_ context.Context, schedule scheduler.Schedule) error {
	if err := schedule.Validate(); err != nil {
		return err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for id, existing := range r.s.schedules {
		if existing.Name == schedule.Name && id != schedule.ID {
			return errs.Validation("schedule name %q already in use by %q", schedule.Name, id)
		}
	}

	now := r.s.now()
	if existing, ok := r.s.schedules[schedule.ID]; ok {
		schedule.CreatedAt = existing.CreatedAt
	} else {
		schedule.CreatedAt = now
	}
	schedule.UpdatedAt = now
	r.s.schedules[schedule.ID] = schedule
	return nil
}

func (r *scheduleRepo) Load(_ context.Context, id string) (*scheduler.Schedule, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	schedule, ok := r.s.schedules[id]
	if !ok {
		return nil, errs.NotFound("schedule %q", id)
	}
	return &schedule, nil
}

func (r *scheduleRepo) List(_ context.Context, enabledOnly bool) ([]scheduler.Schedule, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]scheduler.Schedule, 0, len(r.s.schedules))
	for _, schedule := range r.s.schedules {
		if enabledOnly && !schedule.Enabled {
			continue
		}
		out = append(out, schedule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *scheduleRepo) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.schedules[id]; !ok {
		return errs.NotFound("schedule %q", id)
	}
	delete(r.s.schedules, id)
	return nil
}

func (r *scheduleRepo) SetEnabled(_ context.Context, id string, enabled bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	schedule, ok := r.s.schedules[id]
	if !ok {
		return errs.NotFound("schedule %q", id)
	}
	schedule.Enabled = enabled
	schedule.UpdatedAt = r.s.now()
	r.s.schedules[id] = schedule
	return nil
}

func (r *scheduleRepo) UpdateRunTimes(_ context.Context, id string, lastRun, nextRun time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	schedule, ok := r.s.schedules[id]
	if !ok {
		return errs.NotFound("schedule %q", id)
	}
	schedule.LastRunAt = lastRun
	schedule.NextRunAt = nextRun
	schedule.UpdatedAt = r.s.now()
	r.s.schedules[id] = schedule
	return nil
}

type executionRepo struct {
	s *Store
}

func (r *executionRepo) Create(_ context.Context, execution scheduler.Execution) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.executions = append(r.s.executions, execution)
	return nil
}

func (r *executionRepo) Update(_ context.Context, execution scheduler.Execution) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for i := range r.s.executions {
		if r.s.executions[i].ID == execution.ID {
			r.s.executions[i] = execution
			return nil
		}
	}
	return errs.NotFound("execution %q", execution.ID)
}

func (r *executionRepo) ListBySchedule(_ context.Context, scheduleID string, limit int) ([]scheduler.Execution, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]scheduler.Execution, 0)
	for i := len(r.s.executions) - 1; i >= 0; i-- {
		if r.s.executions[i].ScheduleID != scheduleID {
			continue
		}
		out = append(out, r.s.executions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
