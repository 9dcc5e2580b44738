package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"loom/internal/errs"
	"loom/internal/scheduler"
)

type scheduleRepo struct {
	s *Store
}

const scheduleColumns = `id, name, executor_name, workflow_name, cron_expr,
	timezone, enabled, input_data, context_data, business_key, mutex_key,
	next_run_at, last_run_at, created_at, updated_at`

func (r *scheduleRepo) Save(ctx context.Context, schedule scheduler.Schedule) error {
	if err := schedule.Validate(); err != nil {
		return err
	}
	input, err := jsonb(schedule.InputData)
	if err != nil {
		return err
	}
	contextData, err := jsonb(schedule.ContextData)
	if err != nil {
		return err
	}

	_, err = r.s.pool.Exec(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			executor_name = excluded.executor_name,
			workflow_name = excluded.workflow_name,
			cron_expr = excluded.cron_expr,
			timezone = excluded.timezone,
			enabled = excluded.enabled,
			input_data = excluded.input_data,
			context_data = excluded.context_data,
			business_key = excluded.business_key,
			mutex_key = excluded.mutex_key,
			next_run_at = excluded.next_run_at,
			last_run_at = excluded.last_run_at,
			updated_at = now()`,
		schedule.ID, schedule.Name, schedule.ExecutorName,
		schedule.WorkflowDefinition, schedule.CronExpr, schedule.Timezone,
		schedule.Enabled, input, contextData, schedule.BusinessKey,
		schedule.MutexKey, nullTime(schedule.NextRunAt), nullTime(schedule.LastRunAt))
	if isUniqueViolation(err) {
		return errs.Validation("schedule name %q already in use", schedule.Name)
	}
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (r *scheduleRepo) Load(ctx context.Context, id string) (*scheduler.Schedule, error) {
	row := r.s.pool.QueryRow(ctx, `
		SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	schedule, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("schedule %q", id)
	}
	return schedule, err
}

func (r *scheduleRepo) List(ctx context.Context, enabledOnly bool) ([]scheduler.Schedule, error) {
	rows, err := r.s.pool.Query(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE NOT $1 OR enabled
		ORDER BY id`, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	out := make([]scheduler.Schedule, 0)
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *schedule)
	}
	return out, rows.Err()
}

func (r *scheduleRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("schedule %q", id)
	}
	return nil
}

func (r *scheduleRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := r.s.pool.Exec(ctx, `
		UPDATE schedules SET enabled = $2, updated_at = now() WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("schedule %q", id)
	}
	return nil
}

func (r *scheduleRepo) UpdateRunTimes(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	tag, err := r.s.pool.Exec(ctx, `
		UPDATE schedules SET last_run_at = $2, next_run_at = $3, updated_at = now()
		WHERE id = $1`, id, nullTime(lastRun), nullTime(nextRun))
	if err != nil {
		return fmt.Errorf("update schedule run times: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("schedule %q", id)
	}
	return nil
}

func scanSchedule(row pgx.Row) (*scheduler.Schedule, error) {
	var (
		s                scheduler.Schedule
		input, contextB  []byte
		nextRun, lastRun *time.Time
	)
	err := row.Scan(&s.ID, &s.Name, &s.ExecutorName, &s.WorkflowDefinition,
		&s.CronExpr, &s.Timezone, &s.Enabled, &input, &contextB,
		&s.BusinessKey, &s.MutexKey, &nextRun, &lastRun,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if s.InputData, err = unjson(input); err != nil {
		return nil, err
	}
	if s.ContextData, err = unjson(contextB); err != nil {
		return nil, err
	}
	s.NextRunAt = timeVal(nextRun)
	s.LastRunAt = timeVal(lastRun)
	return &s, nil
}

type executionRepo struct {
	s *Store
}

const executionColumns = `id, schedule_id, status, trigger_time, started_at,
	completed_at, duration_ms, error`

func (r *executionRepo) Create(ctx context.Context, execution scheduler.Execution) error {
	_, err := r.s.pool.Exec(ctx, `
		INSERT INTO schedule_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		execution.ID, execution.ScheduleID, execution.Status,
		execution.TriggerTime, nullTime(execution.StartedAt),
		nullTime(execution.CompletedAt), execution.DurationMs, execution.Error)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (r *executionRepo) Update(ctx context.Context, execution scheduler.Execution) error {
	tag, err := r.s.pool.Exec(ctx, `
		UPDATE schedule_executions SET
			status = $2, started_at = $3, completed_at = $4,
			duration_ms = $5, error = $6
		WHERE id = $1`,
		execution.ID, execution.Status, nullTime(execution.StartedAt),
		nullTime(execution.CompletedAt), execution.DurationMs, execution.Error)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("execution %q", execution.ID)
	}
	return nil
}

func (r *executionRepo) ListBySchedule(ctx context.Context, scheduleID string, limit int) ([]scheduler.Execution, error) {
	rows, err := r.s.pool.Query(ctx, `
		SELECT `+executionColumns+` FROM schedule_executions
		WHERE schedule_id = $1
		ORDER BY trigger_time DESC
		LIMIT NULLIF($2, 0)`, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := make([]scheduler.Execution, 0)
	for rows.Next() {
		var (
			e                      scheduler.Execution
			startedAt, completedAt *time.Time
		)
		if err := rows.Scan(&e.ID, &e.ScheduleID, &e.Status, &e.TriggerTime,
			&startedAt, &completedAt, &e.DurationMs, &e.Error); err != nil {
			return nil, err
		}
		e.StartedAt = timeVal(startedAt)
		e.CompletedAt = timeVal(completedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
