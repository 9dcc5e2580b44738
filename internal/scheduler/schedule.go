package scheduler

import (
	"context"
	"time"

	"loom/internal/errs"
)

// Schedule is a cron-triggered launcher for an executor or a workflow
// definition. Exactly one of ExecutorName / WorkflowDefinition is set.
type Schedule struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	ExecutorName       string         `json:"executor_name,omitempty"`
	WorkflowDefinition string         `json:"workflow_definition,omitempty"`
	CronExpr           string         `json:"cron_expression"`
	Timezone           string         `json:"timezone,omitempty"`
	Enabled            bool           `json:"enabled"`
	InputData          map[string]any `json:"input_data,omitempty"`
	ContextData        map[string]any `json:"context_data,omitempty"`
	BusinessKey        string         `json:"business_key,omitempty"`
	MutexKey           string         `json:"mutex_key,omitempty"`
	NextRunAt          time.Time      `json:"next_run_at,omitempty"`
	LastRunAt          time.Time      `json:"last_run_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Validate checks the minimum required fields. Cron parseability is checked
// by the scheduler against its parser.
func (s *Schedule) Validate() error {
	if s.ID == "" {
		return errs.Validation("schedule: id is required")
	}
	if s.Name == "" {
		return errs.Validation("schedule: name is required")
	}
	if s.CronExpr == "" {
		return errs.Validation("schedule: cron_expression is required")
	}
	if (s.ExecutorName == "") == (s.WorkflowDefinition == "") {
		return errs.Validation("schedule: exactly one of executor_name or workflow_definition is required")
	}
	return nil
}

// ExecutionStatus is the state of one firing.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// Execution records one firing of a schedule.
type Execution struct {
	ID          string          `json:"id"`
	ScheduleID  string          `json:"schedule_id"`
	Status      ExecutionStatus `json:"status"`
	TriggerTime time.Time       `json:"trigger_time"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Repo is the persistence port for schedule definitions.
type Repo interface {
	// Save creates or overwrites the schedule by ID. A duplicate Name under
	// a different ID is a validation error.
	Save(ctx context.Context, schedule Schedule) error
	Load(ctx context.Context, id string) (*Schedule, error)
	// List returns all schedules; enabledOnly narrows to enabled ones.
	List(ctx context.Context, enabledOnly bool) ([]Schedule, error)
	Delete(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	// UpdateRunTimes persists the derived next/last run markers.
	UpdateRunTimes(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

// ExecutionRepo is the persistence port for firing records.
type ExecutionRepo interface {
	Create(ctx context.Context, execution Execution) error
	Update(ctx context.Context, execution Execution) error
	ListBySchedule(ctx context.Context, scheduleID string, limit int) ([]Execution, error)
}
