package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"loom/internal/errs"
	"loom/internal/workflow"
)

type instanceRepo struct {
	s *Store
}

const instanceColumns = `id, definition_name, definition_version, external_id,
	status, input_data, context_data, output_data, business_key, mutex_key,
	retry_count, max_retries, priority, scheduled_at, started_at, completed_at,
	paused_at, error, current_node_id, completed_nodes, failed_nodes,
	lock_owner, lock_acquired_at, last_heartbeat, assigned_engine_id,
	created_at, updated_at`

func (r *instanceRepo) Create(ctx context.Context, instance *workflow.Instance) error {
	if instance.ID == "" {
		return errs.Validation("instance id is required")
	}
	input, contextData, output, failure, err := instanceJSON(instance)
	if err != nil {
		return err
	}

	_, err = r.s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)`,
		instance.ID, instance.Definition.Name, instance.Definition.Version,
		nullString(instance.ExternalID), instance.Status,
		input, contextData, output, instance.BusinessKey, instance.MutexKey,
		instance.RetryCount, instance.MaxRetries, instance.Priority,
		nullTime(instance.ScheduledAt), nullTime(instance.StartedAt),
		nullTime(instance.CompletedAt), nullTime(instance.PausedAt), failure,
		instance.CurrentNodeID, stringsOrEmpty(instance.CompletedNodes),
		stringsOrEmpty(instance.FailedNodes), instance.LockOwner,
		nullTime(instance.LockAcquiredAt), nullTime(instance.LastHeartbeat),
		instance.AssignedEngineID, instance.CreatedAt, instance.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.Validation("instance %q or external id %q already in use", instance.ID, instance.ExternalID)
	}
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

func (r *instanceRepo) FindByID(ctx context.Context, id string) (*workflow.Instance, error) {
	row := r.s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id)
	instance, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("instance %q", id)
	}
	return instance, err
}

func (r *instanceRepo) FindByExternalID(ctx context.Context, externalID string) (*workflow.Instance, error) {
	row := r.s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+` FROM workflow_instances WHERE external_id = $1`, externalID)
	instance, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("instance with external id %q", externalID)
	}
	return instance, err
}

// AcquireLease is the claim CAS: one conditional UPDATE whose row count
// decides the winner. Pending instances transition to running; expired
// running or paused leases are reclaimed in place. The mutex admission check
// rides in the WHERE clause so claim and check are one atomic statement.
func (r *instanceRepo) AcquireLease(ctx context.Context, id, engineID string, ttl time.Duration) (bool, error) {
	tag, err := r.s.pool.Exec(ctx, `
		UPDATE workflow_instances AS wi SET
			status           = CASE WHEN wi.status = 'pending' THEN 'running' ELSE wi.status END,
			started_at       = CASE WHEN wi.status = 'pending' THEN now() ELSE wi.started_at END,
			lock_owner       = $2,
			assigned_engine_id = $2,
			lock_acquired_at = now(),
			last_heartbeat   = now(),
			updated_at       = now()
		WHERE wi.id = $1 AND (
			(wi.status = 'pending'
				AND (wi.scheduled_at IS NULL OR wi.scheduled_at <= now())
				AND (wi.mutex_key = '' OR NOT EXISTS (
					SELECT 1 FROM workflow_instances other
					WHERE other.mutex_key = wi.mutex_key
					  AND other.status = 'running'
					  AND other.id <> wi.id)))
			OR (wi.status IN ('running', 'paused')
				AND wi.lock_owner <> ''
				AND wi.last_heartbeat < now() - make_interval(secs => $3))
		)`, id, engineID, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire instance lease: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM workflow_instances WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check instance: %w", err)
	}
	if !exists {
		return false, errs.NotFound("instance %q", id)
	}
	return false, nil
}

func (r *instanceRepo) Heartbeat(ctx context.Context, id, engineID string) error {
	tag, err := r.s.pool.Exec(ctx, `
		UPDATE workflow_instances SET last_heartbeat = now()
		WHERE id = $1 AND lock_owner = $2`, id, engineID)
	if err != nil {
		return fmt.Errorf("heartbeat instance: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.classifyWriteMiss(ctx, id, engineID, false)
}

func (r *instanceRepo) Update(ctx context.Context, instance *workflow.Instance, engineID string) error {
	input, contextData, output, failure, err := instanceJSON(instance)
	if err != nil {
		return err
	}

	lockOwner := instance.LockOwner
	lockAcquiredAt := nullTime(instance.LockAcquiredAt)
	if instance.Status.IsTerminal() || instance.Status == workflow.InstancePending {
		lockOwner = ""
		lockAcquiredAt = nil
	}

	tag, err := r.s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			status = $2, input_data = $3, context_data = $4, output_data = $5,
			retry_count = $6, priority = $7, scheduled_at = $8, started_at = $9,
			completed_at = $10, paused_at = $11, error = $12,
			current_node_id = $13, completed_nodes = $14, failed_nodes = $15,
			lock_owner = $16, lock_acquired_at = $17,
			last_heartbeat = $18, assigned_engine_id = $19, updated_at = now()
		WHERE id = $1 AND lock_owner = $20
		  AND status NOT IN ('completed', 'failed', 'cancelled')`,
		instance.ID, instance.Status, input, contextData, output,
		instance.RetryCount, instance.Priority, nullTime(instance.ScheduledAt),
		nullTime(instance.StartedAt), nullTime(instance.CompletedAt),
		nullTime(instance.PausedAt), failure, instance.CurrentNodeID,
		stringsOrEmpty(instance.CompletedNodes), stringsOrEmpty(instance.FailedNodes),
		lockOwner, lockAcquiredAt, nullTime(instance.LastHeartbeat),
		instance.AssignedEngineID, engineID)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.classifyWriteMiss(ctx, instance.ID, engineID, true)
}

// classifyWriteMiss turns a zero-row guarded write into the precise error:
// missing row, terminal instance, or lease held by someone else.
func (r *instanceRepo) classifyWriteMiss(ctx context.Context, id, engineID string, checkTerminal bool) error {
	var (
		status workflow.InstanceStatus
		owner  string
	)
	err := r.s.pool.QueryRow(ctx, `
		SELECT status, lock_owner FROM workflow_instances WHERE id = $1`, id).Scan(&status, &owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.NotFound("instance %q", id)
	}
	if err != nil {
		return fmt.Errorf("inspect instance: %w", err)
	}
	if checkTerminal && status.IsTerminal() {
		return errs.Validation("instance %q is terminal (%s)", id, status)
	}
	if owner != engineID {
		return errs.New(errs.KindLeaseLost, "instance %q is owned by %q", id, owner)
	}
	return errs.Transient("instance %q changed concurrently", id)
}

func (r *instanceRepo) ListForEngine(ctx context.Context, engineID string, limit int) ([]*workflow.Instance, error) {
	rows, err := r.s.pool.Query(ctx, `
		SELECT `+instanceColumns+` FROM workflow_instances
		WHERE lock_owner = $1 AND status IN ('running', 'paused')
		ORDER BY priority DESC, created_at, id
		LIMIT NULLIF($2, 0)`, engineID, limit)
	if err != nil {
		return nil, fmt.Errorf("list engine instances: %w", err)
	}
	return collectInstances(rows)
}

func (r *instanceRepo) ListClaimable(ctx context.Context, ttl time.Duration, limit int) ([]*workflow.Instance, error) {
	rows, err := r.s.pool.Query(ctx, `
		SELECT `+instanceColumns+` FROM workflow_instances
		WHERE (status = 'pending' AND (scheduled_at IS NULL OR scheduled_at <= now()))
		   OR (status IN ('running', 'paused')
			AND lock_owner <> ''
			AND last_heartbeat < now() - make_interval(secs => $1))
		ORDER BY priority DESC, created_at, id
		LIMIT NULLIF($2, 0)`, ttl.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("list claimable instances: %w", err)
	}
	return collectInstances(rows)
}

func (r *instanceRepo) CountRunningByMutexKey(ctx context.Context, key string) (int, error) {
	var count int
	err := r.s.pool.QueryRow(ctx, `
		SELECT count(*) FROM workflow_instances
		WHERE mutex_key = $1 AND status = 'running'`, key).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count mutex holders: %w", err)
	}
	return count, nil
}

func collectInstances(rows pgx.Rows) ([]*workflow.Instance, error) {
	defer rows.Close()
	out := make([]*workflow.Instance, 0)
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, instance)
	}
	return out, rows.Err()
}

func scanInstance(row pgx.Row) (*workflow.Instance, error) {
	var (
		in         workflow.Instance
		externalID *string
		input      []byte
		contextB   []byte
		output     []byte
		failure    []byte

		scheduledAt, startedAt, completedAt, pausedAt *time.Time
		lockAcquiredAt, lastHeartbeat                 *time.Time
	)
	err := row.Scan(&in.ID, &in.Definition.Name, &in.Definition.Version,
		&externalID, &in.Status, &input, &contextB, &output, &in.BusinessKey,
		&in.MutexKey, &in.RetryCount, &in.MaxRetries, &in.Priority,
		&scheduledAt, &startedAt, &completedAt, &pausedAt, &failure,
		&in.CurrentNodeID, &in.CompletedNodes, &in.FailedNodes, &in.LockOwner,
		&lockAcquiredAt, &lastHeartbeat, &in.AssignedEngineID,
		&in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return nil, err
	}

	in.ExternalID = stringVal(externalID)
	if in.InputData, err = unjson(input); err != nil {
		return nil, err
	}
	if in.ContextData, err = unjson(contextB); err != nil {
		return nil, err
	}
	if in.OutputData, err = unjson(output); err != nil {
		return nil, err
	}
	if len(failure) > 0 {
		in.Error = &workflow.FailureInfo{}
		if err := json.Unmarshal(failure, in.Error); err != nil {
			return nil, fmt.Errorf("decode instance error: %w", err)
		}
	}
	in.ScheduledAt = timeVal(scheduledAt)
	in.StartedAt = timeVal(startedAt)
	in.CompletedAt = timeVal(completedAt)
	in.PausedAt = timeVal(pausedAt)
	in.LockAcquiredAt = timeVal(lockAcquiredAt)
	in.LastHeartbeat = timeVal(lastHeartbeat)
	return &in, nil
}

func instanceJSON(instance *workflow.Instance) (input, contextData, output, failure any, err error) {
	if input, err = jsonb(instance.InputData); err != nil {
		return nil, nil, nil, nil, err
	}
	if contextData, err = jsonb(instance.ContextData); err != nil {
		return nil, nil, nil, nil, err
	}
	if output, err = jsonb(instance.OutputData); err != nil {
		return nil, nil, nil, nil, err
	}
	if instance.Error != nil {
		b, merr := json.Marshal(instance.Error)
		if merr != nil {
			return nil, nil, nil, nil, fmt.Errorf("encode instance error: %w", merr)
		}
		failure = b
	}
	return input, contextData, output, failure, nil
}

func stringsOrEmpty(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
