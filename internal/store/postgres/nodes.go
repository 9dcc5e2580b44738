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

type nodeRepo struct {
	s *Store
}

const nodeColumns = `instance_id, node_id, node_name, node_type, executor_name,
	executor_version, executor_config, status, input_data, output_data,
	dependencies, parallel_group_id, parent_node_id, guard, priority,
	timeout_ms, started_at, completed_at, duration_ms, retry_count,
	max_retries, next_attempt_at, error, assigned_engine_id, lock_owner,
	last_heartbeat, created_at, updated_at`

func (r *nodeRepo) CreateBatch(ctx context.Context, nodes []*workflow.TaskNode) error {
	if len(nodes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, node := range nodes {
		if node.InstanceID == "" || node.NodeID == "" {
			return errs.Validation("task node requires instance and node ids")
		}
		config, input, output, failure, err := nodeJSON(node)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO task_nodes (`+nodeColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24,
			        $25, $26, $27, $28)`,
			node.InstanceID, node.NodeID, node.NodeName, node.Type,
			node.ExecutorName, node.ExecutorVersion, config, node.Status,
			input, output, stringsOrEmpty(node.Dependencies),
			node.ParallelGroupID, node.ParentNodeID, node.Guard, node.Priority,
			node.Timeout.Milliseconds(), nullTime(node.StartedAt),
			nullTime(node.CompletedAt), node.DurationMs, node.RetryCount,
			node.MaxRetries, nullTime(node.NextAttemptAt), failure,
			node.AssignedEngineID, node.LockOwner, nullTime(node.LastHeartbeat),
			node.CreatedAt, node.UpdatedAt)
	}

	results := r.s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range nodes {
		if _, err := results.Exec(); err != nil {
			if isUniqueViolation(err) {
				return errs.Validation("task node batch contains a duplicate (instance, node) key")
			}
			return fmt.Errorf("insert node: %w", err)
		}
	}
	return nil
}

func (r *nodeRepo) FindByNode(ctx context.Context, instanceID, nodeID string) (*workflow.TaskNode, error) {
	row := r.s.pool.QueryRow(ctx, `
		SELECT `+nodeColumns+` FROM task_nodes
		WHERE instance_id = $1 AND node_id = $2`, instanceID, nodeID)
	node, err := scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("node (%s, %s)", instanceID, nodeID)
	}
	return node, err
}

func (r *nodeRepo) ListByInstance(ctx context.Context, instanceID string) ([]*workflow.TaskNode, error) {
	rows, err := r.s.pool.Query(ctx, `
		SELECT `+nodeColumns+` FROM task_nodes
		WHERE instance_id = $1
		ORDER BY priority DESC, created_at, node_id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return collectNodes(rows)
}

// FindExecutable pushes the dependency check into the database: a pending
// node is executable when its dependency array is contained in the set of
// completed node ids of the same instance.
func (r *nodeRepo) FindExecutable(ctx context.Context, instanceID string, limit int) ([]*workflow.TaskNode, error) {
	rows, err := r.s.pool.Query(ctx, `
		SELECT `+nodeColumns+` FROM task_nodes AS n
		WHERE n.instance_id = $1
		  AND n.status = 'pending'
		  AND (n.next_attempt_at IS NULL OR n.next_attempt_at <= now())
		  AND n.dependencies <@ (
			SELECT coalesce(array_agg(c.node_id), '{}')
			FROM task_nodes c
			WHERE c.instance_id = n.instance_id AND c.status = 'completed')
		ORDER BY n.priority DESC, n.created_at, n.node_id
		LIMIT NULLIF($2, 0)`, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("find executable nodes: %w", err)
	}
	return collectNodes(rows)
}

func (r *nodeRepo) AcquireLease(ctx context.Context, instanceID, nodeID, engineID string) (bool, error) {
	tag, err := r.s.pool.Exec(ctx, `
		UPDATE task_nodes SET
			status = 'running', lock_owner = $3, assigned_engine_id = $3,
			started_at = now(), last_heartbeat = now(), updated_at = now()
		WHERE instance_id = $1 AND node_id = $2
		  AND status = 'pending' AND lock_owner = ''`,
		instanceID, nodeID, engineID)
	if err != nil {
		return false, fmt.Errorf("acquire node lease: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM task_nodes WHERE instance_id = $1 AND node_id = $2)`,
		instanceID, nodeID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check node: %w", err)
	}
	if !exists {
		return false, errs.NotFound("node (%s, %s)", instanceID, nodeID)
	}
	return false, nil
}

func (r *nodeRepo) Heartbeat(ctx context.Context, instanceID, nodeID, engineID string) error {
	tag, err := r.s.pool.Exec(ctx, `
		UPDATE task_nodes SET last_heartbeat = now(), updated_at = now()
		WHERE instance_id = $1 AND node_id = $2
		  AND status = 'running' AND lock_owner = $3`,
		instanceID, nodeID, engineID)
	if err != nil {
		return fmt.Errorf("heartbeat node: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM task_nodes WHERE instance_id = $1 AND node_id = $2)`,
		instanceID, nodeID).Scan(&exists); err != nil {
		return fmt.Errorf("check node: %w", err)
	}
	if !exists {
		return errs.NotFound("node (%s, %s)", instanceID, nodeID)
	}
	return errs.New(errs.KindLeaseLost, "node (%s, %s) is not running under %q", instanceID, nodeID, engineID)
}

func (r *nodeRepo) ReclaimExpired(ctx context.Context, instanceID string, ttl time.Duration) ([]string, error) {
	rows, err := r.s.pool.Query(ctx, `
		UPDATE task_nodes SET
			status = 'pending', lock_owner = '', started_at = NULL,
			last_heartbeat = NULL, updated_at = now()
		WHERE instance_id = $1 AND status = 'running' AND lock_owner <> ''
		  AND last_heartbeat < now() - make_interval(secs => $2)
		RETURNING node_id`, instanceID, ttl.Seconds())
	if err != nil {
		return nil, fmt.Errorf("reclaim nodes: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("reclaim nodes: %w", err)
	}
	return ids, nil
}

func (r *nodeRepo) Update(ctx context.Context, node *workflow.TaskNode, engineID string) error {
	config, input, output, failure, err := nodeJSON(node)
	if err != nil {
		return err
	}
	lockOwner := node.LockOwner
	if node.Status.IsTerminal() || node.Status == workflow.NodePending {
		lockOwner = ""
	}

	tag, err := r.s.pool.Exec(ctx, `
		UPDATE task_nodes SET
			status = $3, executor_config = $4, input_data = $5, output_data = $6,
			started_at = $7, completed_at = $8, duration_ms = $9,
			retry_count = $10, next_attempt_at = $11, error = $12,
			lock_owner = $13, last_heartbeat = $14, updated_at = now()
		WHERE instance_id = $1 AND node_id = $2
		  AND status NOT IN ('completed', 'failed', 'skipped', 'cancelled')
		  AND (lock_owner = '' OR lock_owner = $15)`,
		node.InstanceID, node.NodeID, node.Status, config, input, output,
		nullTime(node.StartedAt), nullTime(node.CompletedAt), node.DurationMs,
		node.RetryCount, nullTime(node.NextAttemptAt), failure, lockOwner,
		nullTime(node.LastHeartbeat), engineID)
	if err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var (
		status workflow.NodeStatus
		owner  string
	)
	qerr := r.s.pool.QueryRow(ctx, `
		SELECT status, lock_owner FROM task_nodes
		WHERE instance_id = $1 AND node_id = $2`, node.InstanceID, node.NodeID).Scan(&status, &owner)
	if errors.Is(qerr, pgx.ErrNoRows) {
		return errs.NotFound("node (%s, %s)", node.InstanceID, node.NodeID)
	}
	if qerr != nil {
		return fmt.Errorf("inspect node: %w", qerr)
	}
	if status.IsTerminal() {
		return errs.Validation("node (%s, %s) is terminal (%s)", node.InstanceID, node.NodeID, status)
	}
	if owner != "" && owner != engineID {
		return errs.New(errs.KindLeaseLost, "node (%s, %s) is owned by %q", node.InstanceID, node.NodeID, owner)
	}
	return errs.Transient("node (%s, %s) changed concurrently", node.InstanceID, node.NodeID)
}

func (r *nodeRepo) BatchUpdateStatus(ctx context.Context, instanceID string, nodeIDs []string, status workflow.NodeStatus) error {
	if len(nodeIDs) == 0 {
		return nil
	}

	var present int
	if err := r.s.pool.QueryRow(ctx, `
		SELECT count(*) FROM task_nodes
		WHERE instance_id = $1 AND node_id = ANY($2)`, instanceID, nodeIDs).Scan(&present); err != nil {
		return fmt.Errorf("count nodes: %w", err)
	}
	if present != len(nodeIDs) {
		return errs.NotFound("instance %q is missing %d of the nodes to update", instanceID, len(nodeIDs)-present)
	}

	_, err := r.s.pool.Exec(ctx, `
		UPDATE task_nodes SET
			status = $3, lock_owner = '', updated_at = now(),
			completed_at = CASE WHEN $4 THEN now() ELSE completed_at END,
			duration_ms = CASE WHEN $4 AND started_at IS NOT NULL
				THEN (extract(epoch FROM (now() - started_at)) * 1000)::bigint
				ELSE duration_ms END
		WHERE instance_id = $1 AND node_id = ANY($2)
		  AND status NOT IN ('completed', 'failed', 'skipped', 'cancelled')`,
		instanceID, nodeIDs, status, status.IsTerminal())
	if err != nil {
		return fmt.Errorf("batch update nodes: %w", err)
	}
	return nil
}

func collectNodes(rows pgx.Rows) ([]*workflow.TaskNode, error) {
	defer rows.Close()
	out := make([]*workflow.TaskNode, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

func scanNode(row pgx.Row) (*workflow.TaskNode, error) {
	var (
		n       workflow.TaskNode
		config  []byte
		input   []byte
		output  []byte
		failure []byte

		timeoutMs                             int64
		startedAt, completedAt, nextAttemptAt *time.Time
		lastHeartbeat                         *time.Time
	)
	err := row.Scan(&n.InstanceID, &n.NodeID, &n.NodeName, &n.Type,
		&n.ExecutorName, &n.ExecutorVersion, &config, &n.Status, &input,
		&output, &n.Dependencies, &n.ParallelGroupID, &n.ParentNodeID,
		&n.Guard, &n.Priority, &timeoutMs, &startedAt, &completedAt,
		&n.DurationMs, &n.RetryCount, &n.MaxRetries, &nextAttemptAt,
		&failure, &n.AssignedEngineID, &n.LockOwner, &lastHeartbeat,
		&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if n.ExecutorConfig, err = unjson(config); err != nil {
		return nil, err
	}
	if n.InputData, err = unjson(input); err != nil {
		return nil, err
	}
	if n.OutputData, err = unjson(output); err != nil {
		return nil, err
	}
	if len(failure) > 0 {
		n.Error = &workflow.FailureInfo{}
		if err := json.Unmarshal(failure, n.Error); err != nil {
			return nil, fmt.Errorf("decode node error: %w", err)
		}
	}
	n.Timeout = time.Duration(timeoutMs) * time.Millisecond
	n.StartedAt = timeVal(startedAt)
	n.CompletedAt = timeVal(completedAt)
	n.NextAttemptAt = timeVal(nextAttemptAt)
	n.LastHeartbeat = timeVal(lastHeartbeat)
	return &n, nil
}

func nodeJSON(node *workflow.TaskNode) (config, input, output, failure any, err error) {
	if config, err = jsonb(node.ExecutorConfig); err != nil {
		return nil, nil, nil, nil, err
	}
	if input, err = jsonb(node.InputData); err != nil {
		return nil, nil, nil, nil, err
	}
	if output, err = jsonb(node.OutputData); err != nil {
		return nil, nil, nil, nil, err
	}
	if node.Error != nil {
		b, merr := json.Marshal(node.Error)
		if merr != nil {
			return nil, nil, nil, nil, fmt.Errorf("encode node error: %w", merr)
		}
		failure = b
	}
	return config, input, output, failure, nil
}
