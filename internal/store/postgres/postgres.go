// Package postgres implements the persistence contracts on PostgreSQL via
// pgx. Lease CAS is a conditional UPDATE whose row count decides the winner;
// no advisory locks, no SELECT FOR UPDATE on the hot paths.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/scheduler"
	"loom/internal/store"
)

// Store wraps one connection pool; repositories are views over it.
type Store struct {
	pool *pgxpool.Pool
	log  logging.Logger
}

// Open connects and pings.
func Open(ctx context.Context, dsn string, log logging.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool, log: logging.OrNop(log)}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Definitions returns the workflow definition repository view.
func (s *Store) Definitions() store.WorkflowDefinitionRepo { return &definitionRepo{s} }

// Instances returns the workflow instance repository view.
func (s *Store) Instances() store.WorkflowInstanceRepo { return &instanceRepo{s} }

// Nodes returns the task node repository view.
func (s *Store) Nodes() store.TaskNodeRepo { return &nodeRepo{s} }

// Schedules returns the schedule repository view.
func (s *Store) Schedules() scheduler.Repo { return &scheduleRepo{s} }

// Executions returns the schedule execution repository view.
func (s *Store) Executions() scheduler.ExecutionRepo { return &executionRepo{s} }

// Queue returns the durable queue repository view.
func (s *Store) Queue() queue.Repo { return &queueRepo{s} }

// Stores bundles the workflow repositories for engine wiring.
func (s *Store) Stores() store.Stores {
	return store.Stores{
		Definitions: s.Definitions(),
		Instances:   s.Instances(),
		Nodes:       s.Nodes(),
	}
}

// Migrate creates the schema when absent. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	name          text        NOT NULL,
	version       int         NOT NULL,
	display_name  text        NOT NULL DEFAULT '',
	description   text        NOT NULL DEFAULT '',
	status        text        NOT NULL,
	is_active     boolean     NOT NULL DEFAULT false,
	category      text        NOT NULL DEFAULT '',
	tags          text[]      NOT NULL DEFAULT '{}',
	spec          jsonb       NOT NULL,
	created_at    timestamptz NOT NULL,
	updated_at    timestamptz NOT NULL,
	PRIMARY KEY (name, version)
);
CREATE UNIQUE INDEX IF NOT EXISTS workflow_definitions_one_active
	ON workflow_definitions (name) WHERE is_active;

CREATE TABLE IF NOT EXISTS workflow_instances (
	id                 text        PRIMARY KEY,
	definition_name    text        NOT NULL,
	definition_version int         NOT NULL,
	external_id        text,
	status             text        NOT NULL,
	input_data         jsonb,
	context_data       jsonb,
	output_data        jsonb,
	business_key       text        NOT NULL DEFAULT '',
	mutex_key          text        NOT NULL DEFAULT '',
	retry_count        int         NOT NULL DEFAULT 0,
	max_retries        int         NOT NULL DEFAULT 0,
	priority           int         NOT NULL DEFAULT 0,
	scheduled_at       timestamptz,
	started_at         timestamptz,
	completed_at       timestamptz,
	paused_at          timestamptz,
	error              jsonb,
	current_node_id    text        NOT NULL DEFAULT '',
	completed_nodes    text[]      NOT NULL DEFAULT '{}',
	failed_nodes       text[]      NOT NULL DEFAULT '{}',
	lock_owner         text        NOT NULL DEFAULT '',
	lock_acquired_at   timestamptz,
	last_heartbeat     timestamptz,
	assigned_engine_id text        NOT NULL DEFAULT '',
	created_at         timestamptz NOT NULL,
	updated_at         timestamptz NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS workflow_instances_external_id
	ON workflow_instances (external_id) WHERE external_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS workflow_instances_claimable
	ON workflow_instances (status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS workflow_instances_mutex
	ON workflow_instances (mutex_key) WHERE mutex_key <> '';

CREATE TABLE IF NOT EXISTS task_nodes (
	instance_id        text        NOT NULL,
	node_id            text        NOT NULL,
	node_name          text        NOT NULL DEFAULT '',
	node_type          text        NOT NULL,
	executor_name      text        NOT NULL,
	executor_version   text        NOT NULL DEFAULT '',
	executor_config    jsonb,
	status             text        NOT NULL,
	input_data         jsonb,
	output_data        jsonb,
	dependencies       text[]      NOT NULL DEFAULT '{}',
	parallel_group_id  text        NOT NULL DEFAULT '',
	parent_node_id     text        NOT NULL DEFAULT '',
	guard              text        NOT NULL DEFAULT '',
	priority           int         NOT NULL DEFAULT 0,
	timeout_ms         bigint      NOT NULL DEFAULT 0,
	started_at         timestamptz,
	completed_at       timestamptz,
	duration_ms        bigint      NOT NULL DEFAULT 0,
	retry_count        int         NOT NULL DEFAULT 0,
	max_retries        int         NOT NULL DEFAULT 0,
	next_attempt_at    timestamptz,
	error              jsonb,
	assigned_engine_id text        NOT NULL DEFAULT '',
	lock_owner         text        NOT NULL DEFAULT '',
	last_heartbeat     timestamptz,
	created_at         timestamptz NOT NULL,
	updated_at         timestamptz NOT NULL,
	PRIMARY KEY (instance_id, node_id)
);
CREATE INDEX IF NOT EXISTS task_nodes_executable
	ON task_nodes (instance_id, status, priority DESC, created_at);

CREATE TABLE IF NOT EXISTS schedules (
	id            text        PRIMARY KEY,
	name          text        NOT NULL UNIQUE,
	executor_name text        NOT NULL DEFAULT '',
	workflow_name text        NOT NULL DEFAULT '',
	cron_expr     text        NOT NULL,
	timezone      text        NOT NULL DEFAULT '',
	enabled       boolean     NOT NULL DEFAULT true,
	input_data    jsonb,
	context_data  jsonb,
	business_key  text        NOT NULL DEFAULT '',
	mutex_key     text        NOT NULL DEFAULT '',
	next_run_at   timestamptz,
	last_run_at   timestamptz,
	created_at    timestamptz NOT NULL,
	updated_at    timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS schedule_executions (
	id           text        PRIMARY KEY,
	schedule_id  text        NOT NULL,
	status       text        NOT NULL,
	trigger_time timestamptz NOT NULL,
	started_at   timestamptz,
	completed_at timestamptz,
	duration_ms  bigint      NOT NULL DEFAULT 0,
	error        text        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS schedule_executions_by_schedule
	ON schedule_executions (schedule_id, trigger_time DESC);

CREATE TABLE IF NOT EXISTS queue_jobs (
	id            text        PRIMARY KEY,
	queue_name    text        NOT NULL,
	group_id      text        NOT NULL DEFAULT '',
	job_name      text        NOT NULL DEFAULT '',
	executor_name text        NOT NULL,
	payload       jsonb,
	result        jsonb,
	status        text        NOT NULL,
	priority      int         NOT NULL DEFAULT 0,
	attempts      int         NOT NULL DEFAULT 0,
	max_attempts  int         NOT NULL DEFAULT 0,
	delay_until   timestamptz,
	locked_at     timestamptz,
	locked_by     text        NOT NULL DEFAULT '',
	locked_until  timestamptz,
	error         text        NOT NULL DEFAULT '',
	created_at    timestamptz NOT NULL,
	updated_at    timestamptz NOT NULL,
	started_at    timestamptz,
	failed_at     timestamptz
);
CREATE INDEX IF NOT EXISTS queue_jobs_ready
	ON queue_jobs (queue_name, status, priority DESC, created_at);

CREATE TABLE IF NOT EXISTS queue_success (
	LIKE queue_jobs INCLUDING ALL
);
CREATE TABLE IF NOT EXISTS queue_failures (
	LIKE queue_jobs INCLUDING ALL
);

CREATE TABLE IF NOT EXISTS queue_groups (
	id             text    PRIMARY KEY,
	queue_name     text    NOT NULL,
	group_id       text    NOT NULL,
	status         text    NOT NULL,
	total_jobs     int     NOT NULL DEFAULT 0,
	completed_jobs int     NOT NULL DEFAULT 0,
	failed_jobs    int     NOT NULL DEFAULT 0,
	UNIQUE (queue_name, group_id)
);
`

// jsonb marshals a map for a jsonb column; nil stays NULL.
func jsonb(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode jsonb: %w", err)
	}
	return b, nil
}

func unjson(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode jsonb: %w", err)
	}
	return m, nil
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func timeVal(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return *p
}

// nullString maps "" to NULL, used only for columns with partial unique
// indexes over non-null values.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// isUniqueViolation reports whether err is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
