package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"loom/internal/errs"
	"loom/internal/queue"
)

type queueRepo struct {
	s *Store
}

const jobColumns = `id, queue_name, group_id, job_name, executor_name,
	payload, result, status, priority, attempts, max_attempts, delay_until,
	locked_at, locked_by, locked_until, error, created_at, updated_at,
	started_at, failed_at`

// readyFilter selects claimable jobs: waiting or delayed-and-due, skipping
// jobs whose group is paused.
const readyFilter = `
	j.queue_name = $1
	AND (j.status = 'waiting' OR (j.status = 'delayed' AND j.delay_until <= now()))
	AND NOT EXISTS (
		SELECT 1 FROM queue_groups g
		WHERE g.queue_name = j.queue_name
		  AND g.group_id = j.group_id
		  AND g.status = 'paused')`

func (r *queueRepo) Enqueue(ctx context.Context, job *queue.Job) error {
	if job.ID == "" || job.QueueName == "" || job.ExecutorName == "" {
		return errs.Validation("job requires id, queue_name and executor_name")
	}
	payload, err := jsonb(job.Payload)
	if err != nil {
		return err
	}
	result, err := jsonb(job.Result)
	if err != nil {
		return err
	}
	status := queue.JobWaiting
	if !job.DelayUntil.IsZero() && job.DelayUntil.After(time.Now()) {
		status = queue.JobDelayed
	}

	tx, err := r.s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO queue_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, now(), now(), $17, $18)`,
		job.ID, job.QueueName, job.GroupID, job.JobName, job.ExecutorName,
		payload, result, status, job.Priority, job.Attempts, job.MaxAttempts,
		nullTime(job.DelayUntil), nullTime(job.LockedAt), job.LockedBy,
		nullTime(job.LockedUntil), job.Error, nullTime(job.StartedAt),
		nullTime(job.FailedAt))
	if isUniqueViolation(err) {
		return errs.Validation("job %q already enqueued", job.ID)
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	if job.GroupID != "" {
		if _, err := tx.Exec(ctx, `
			INSERT INTO queue_groups (id, queue_name, group_id, status, total_jobs)
			VALUES ($1, $2, $3, 'active', 1)
			ON CONFLICT (queue_name, group_id)
			DO UPDATE SET total_jobs = queue_groups.total_jobs + 1`,
			job.QueueName+"/"+job.GroupID, job.QueueName, job.GroupID); err != nil {
			return fmt.Errorf("update group accounting: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *queueRepo) ListReady(ctx context.Context, queueName string, limit int) ([]*queue.Job, error) {
	rows, err := r.s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM queue_jobs j
		WHERE `+readyFilter+`
		ORDER BY j.priority DESC, j.created_at, j.id
		LIMIT NULLIF($2, 0)`, queueName, limit)
	if err != nil {
		return nil, fmt.Errorf("list ready jobs: %w", err)
	}
	return collectJobs(rows)
}

func (r *queueRepo) Claim(ctx context.Context, queueName, worker string, ids []string, timeout time.Duration) ([]*queue.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.s.pool.Query(ctx, `
		UPDATE queue_jobs j SET
			status = 'executing', locked_by = $2, locked_at = now(),
			locked_until = now() + make_interval(secs => $4),
			started_at = now(), attempts = attempts + 1, updated_at = now()
		WHERE j.id = ANY($3) AND `+readyFilter+`
		RETURNING `+jobColumns, queueName, worker, ids, timeout.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return collectJobs(rows)
}

// ClaimNext picks ready jobs with SKIP LOCKED so concurrent claimers never
// block each other or double-claim.
func (r *queueRepo) ClaimNext(ctx context.Context, queueName, worker string, n int, timeout time.Duration) ([]*queue.Job, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := r.s.pool.Query(ctx, `
		UPDATE queue_jobs SET
			status = 'executing', locked_by = $2, locked_at = now(),
			locked_until = now() + make_interval(secs => $4),
			started_at = now(), attempts = attempts + 1, updated_at = now()
		WHERE id IN (
			SELECT j.id FROM queue_jobs j
			WHERE `+readyFilter+`
			ORDER BY j.priority DESC, j.created_at, j.id
			LIMIT $3
			FOR UPDATE SKIP LOCKED)
		RETURNING `+jobColumns, queueName, worker, n, timeout.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim next jobs: %w", err)
	}
	return collectJobs(rows)
}

func (r *queueRepo) Ack(ctx context.Context, id, worker string, result map[string]any) error {
	resultB, err := jsonb(result)
	if err != nil {
		return err
	}

	tx, err := r.s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		DELETE FROM queue_jobs
		WHERE id = $1 AND status = 'executing' AND locked_by = $2
		RETURNING `+jobColumns, id, worker)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.classifyJobMiss(ctx, id, worker)
	}
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO queue_success (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        NULL, '', NULL, '', $13, now(), $14, NULL)`,
		job.ID, job.QueueName, job.GroupID, job.JobName, job.ExecutorName,
		mustJSONB(job.Payload), resultB, queue.JobSucceeded, job.Priority,
		job.Attempts, job.MaxAttempts, nullTime(job.DelayUntil),
		job.CreatedAt, nullTime(job.StartedAt)); err != nil {
		return fmt.Errorf("archive success: %w", err)
	}

	if job.GroupID != "" {
		if _, err := tx.Exec(ctx, `
			UPDATE queue_groups SET completed_jobs = completed_jobs + 1
			WHERE queue_name = $1 AND group_id = $2`, job.QueueName, job.GroupID); err != nil {
			return fmt.Errorf("update group accounting: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *queueRepo) Nack(ctx context.Context, id, worker, reason string, retryable bool, backoff time.Duration) error {
	tx, err := r.s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var attempts, maxAttempts int
	err = tx.QueryRow(ctx, `
		SELECT attempts, max_attempts FROM queue_jobs
		WHERE id = $1 AND status = 'executing' AND locked_by = $2
		FOR UPDATE`, id, worker).Scan(&attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.classifyJobMiss(ctx, id, worker)
	}
	if err != nil {
		return fmt.Errorf("lock job: %w", err)
	}

	if retryable && attempts < maxAttempts {
		if _, err := tx.Exec(ctx, `
			UPDATE queue_jobs SET
				status = 'delayed', delay_until = now() + make_interval(secs => $2),
				locked_by = '', locked_at = NULL, locked_until = NULL,
				error = $3, updated_at = now()
			WHERE id = $1`, id, backoff.Seconds(), reason); err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		return tx.Commit(ctx)
	}

	row := tx.QueryRow(ctx, `
		DELETE FROM queue_jobs WHERE id = $1 RETURNING `+jobColumns, id)
	job, err := scanJob(row)
	if err != nil {
		return fmt.Errorf("remove failed job: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO queue_failures (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, NULL, 'failed', $7, $8, $9, $10,
		        NULL, '', NULL, $11, $12, now(), $13, now())`,
		job.ID, job.QueueName, job.GroupID, job.JobName, job.ExecutorName,
		mustJSONB(job.Payload), job.Priority, job.Attempts, job.MaxAttempts,
		nullTime(job.DelayUntil), reason, job.CreatedAt,
		nullTime(job.StartedAt)); err != nil {
		return fmt.Errorf("archive failure: %w", err)
	}

	if job.GroupID != "" {
		if _, err := tx.Exec(ctx, `
			UPDATE queue_groups SET failed_jobs = failed_jobs + 1
			WHERE queue_name = $1 AND group_id = $2`, job.QueueName, job.GroupID); err != nil {
			return fmt.Errorf("update group accounting: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *queueRepo) Heartbeat(ctx context.Context, id, worker string, extension time.Duration) error {
	tag, err := r.s.pool.Exec(ctx, `
		UPDATE queue_jobs SET locked_until = now() + make_interval(secs => $3), updated_at = now()
		WHERE id = $1 AND status = 'executing' AND locked_by = $2`,
		id, worker, extension.Seconds())
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.classifyJobMiss(ctx, id, worker)
}

func (r *queueRepo) Sweep(ctx context.Context, queueName string) (int, error) {
	tag, err := r.s.pool.Exec(ctx, `
		UPDATE queue_jobs SET
			status = 'waiting', locked_by = '', locked_at = NULL,
			locked_until = NULL, updated_at = now()
		WHERE queue_name = $1 AND status = 'executing' AND locked_until <= now()`,
		queueName)
	if err != nil {
		return 0, fmt.Errorf("sweep queue: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *queueRepo) Depth(ctx context.Context, queueName string) (queue.Depth, error) {
	var d queue.Depth
	err := r.s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'waiting' OR (status = 'delayed' AND delay_until <= now())),
			count(*) FILTER (WHERE status = 'executing'),
			count(*) FILTER (WHERE status = 'delayed' AND delay_until > now()),
			count(*) FILTER (WHERE status = 'paused'),
			(SELECT count(*) FROM queue_success WHERE queue_name = $1),
			(SELECT count(*) FROM queue_failures WHERE queue_name = $1)
		FROM queue_jobs WHERE queue_name = $1`, queueName).
		Scan(&d.Waiting, &d.Executing, &d.Delayed, &d.Paused,
			&d.Archived.Success, &d.Archived.Failed)
	if err != nil {
		return queue.Depth{}, fmt.Errorf("queue depth: %w", err)
	}
	return d, nil
}

func (r *queueRepo) GetGroup(ctx context.Context, queueName, groupID string) (*queue.Group, error) {
	var g queue.Group
	err := r.s.pool.QueryRow(ctx, `
		SELECT id, queue_name, group_id, status, total_jobs, completed_jobs, failed_jobs
		FROM queue_groups WHERE queue_name = $1 AND group_id = $2`,
		queueName, groupID).
		Scan(&g.ID, &g.QueueName, &g.GroupID, &g.Status, &g.TotalJobs,
			&g.CompletedJobs, &g.FailedJobs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("group %q in queue %q", groupID, queueName)
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return &g, nil
}

func (r *queueRepo) SetGroupStatus(ctx context.Context, queueName, groupID string, status queue.GroupStatus) error {
	tag, err := r.s.pool.Exec(ctx, `
		UPDATE queue_groups SET status = $3
		WHERE queue_name = $1 AND group_id = $2`, queueName, groupID, status)
	if err != nil {
		return fmt.Errorf("set group status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("group %q in queue %q", groupID, queueName)
	}
	return nil
}

func (r *queueRepo) ListArchivedSuccesses(ctx context.Context, queueName string, limit int) ([]*queue.Job, error) {
	rows, err := r.s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM queue_success
		WHERE queue_name = $1
		ORDER BY updated_at DESC, created_at DESC
		LIMIT NULLIF($2, 0)`, queueName, limit)
	if err != nil {
		return nil, fmt.Errorf("list archived successes: %w", err)
	}
	return collectJobs(rows)
}

func (r *queueRepo) ListArchivedFailures(ctx context.Context, queueName string, limit int) ([]*queue.Job, error) {
	rows, err := r.s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM queue_failures
		WHERE queue_name = $1
		ORDER BY failed_at DESC, created_at DESC
		LIMIT NULLIF($2, 0)`, queueName, limit)
	if err != nil {
		return nil, fmt.Errorf("list archived failures: %w", err)
	}
	return collectJobs(rows)
}

func (r *queueRepo) classifyJobMiss(ctx context.Context, id, worker string) error {
	var owner string
	err := r.s.pool.QueryRow(ctx, `
		SELECT locked_by FROM queue_jobs WHERE id = $1`, id).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.NotFound("job %q", id)
	}
	if err != nil {
		return fmt.Errorf("inspect job: %w", err)
	}
	if owner != worker {
		return errs.New(errs.KindLeaseLost, "job %q is held by %q", id, owner)
	}
	return errs.Transient("job %q changed concurrently", id)
}

func collectJobs(rows pgx.Rows) ([]*queue.Job, error) {
	defer rows.Close()
	out := make([]*queue.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*queue.Job, error) {
	var (
		j               queue.Job
		payload, result []byte
		delayUntil      *time.Time
		lockedAt        *time.Time
		lockedUntil     *time.Time
		startedAt       *time.Time
		failedAt        *time.Time
	)
	err := row.Scan(&j.ID, &j.QueueName, &j.GroupID, &j.JobName,
		&j.ExecutorName, &payload, &result, &j.Status, &j.Priority,
		&j.Attempts, &j.MaxAttempts, &delayUntil, &lockedAt, &j.LockedBy,
		&lockedUntil, &j.Error, &j.CreatedAt, &j.UpdatedAt, &startedAt,
		&failedAt)
	if err != nil {
		return nil, err
	}
	if j.Payload, err = unjson(payload); err != nil {
		return nil, err
	}
	if j.Result, err = unjson(result); err != nil {
		return nil, err
	}
	j.DelayUntil = timeVal(delayUntil)
	j.LockedAt = timeVal(lockedAt)
	j.LockedUntil = timeVal(lockedUntil)
	j.StartedAt = timeVal(startedAt)
	j.FailedAt = timeVal(failedAt)
	return &j, nil
}

// mustJSONB re-encodes a payload already round-tripped through the store;
// encoding cannot fail for values that came out of a jsonb column.
func mustJSONB(m map[string]any) any {
	b, err := jsonb(m)
	if err != nil {
		panic(err)
	}
	return b
}
