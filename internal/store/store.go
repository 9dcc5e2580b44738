// Package store declares the persistence contracts the engine core consumes.
// Implementations live in subpackages (memstore, postgres); the core never
// reaches past these interfaces. All methods return explicit errors with
// errs kinds; nothing panics across this boundary.
package store

import (
	"context"
	"time"

	"loom/internal/workflow"
)

// Page bounds list queries.
type Page struct {
	Offset int
	Limit  int
}

// DefinitionFilter narrows definition listings.
type DefinitionFilter struct {
	Name     string
	Status   workflow.DefinitionStatus
	Category string
	Tag      string
	Page     Page
}

// WorkflowDefinitionRepo persists versioned workflow templates.
type WorkflowDefinitionRepo interface {
	// Create stores a new definition version. Duplicate (name, version) is a
	// validation error.
	Create(ctx context.Context, def *workflow.Definition) error
	FindByNameAndVersion(ctx context.Context, name string, version int) (*workflow.Definition, error)
	// FindActiveByName returns the single version with is_active=true and
	// status=active, or a not_found error.
	FindActiveByName(ctx context.Context, name string) (*workflow.Definition, error)
	// Activate marks (name, version) active and atomically deactivates any
	// previously active sibling version.
	Activate(ctx context.Context, name string, version int) error
	// UpdateStatus moves a version to deprecated or archived.
	UpdateStatus(ctx context.Context, name string, version int, status workflow.DefinitionStatus) error
	List(ctx context.Context, filter DefinitionFilter) ([]*workflow.Definition, error)
}

// WorkflowInstanceRepo persists workflow instances and their leases.
type WorkflowInstanceRepo interface {
	// Create stores a pending instance. A duplicate non-empty ExternalID is
	// a validation error.
	Create(ctx context.Context, instance *workflow.Instance) error
	FindByID(ctx context.Context, id string) (*workflow.Instance, error)
	FindByExternalID(ctx context.Context, externalID string) (*workflow.Instance, error)
	// AcquireLease attempts the CAS that admits an instance under engineID:
	// pending instances whose ScheduledAt has passed transition to running;
	// running or paused instances whose lease heartbeat is older than ttl are
	// reclaimed without a status change. When MutexKey is set a pending
	// instance is refused while another running instance holds the same key.
	// Returns false without error when the CAS loses.
	AcquireLease(ctx context.Context, id, engineID string, ttl time.Duration) (bool, error)
	// Heartbeat refreshes the lease. Returns a lease_lost error when
	// engineID no longer owns the instance.
	Heartbeat(ctx context.Context, id, engineID string) error
	// Update writes the full instance state iff engineID holds the lease.
	// Writes to a terminal instance are rejected with a validation error;
	// writes by a non-holder fail with lease_lost and no side effects.
	Update(ctx context.Context, instance *workflow.Instance, engineID string) error
	// ListForEngine returns running and paused instances leased by engineID.
	ListForEngine(ctx context.Context, engineID string, limit int) ([]*workflow.Instance, error)
	// ListClaimable returns pending instances whose ScheduledAt has passed
	// plus running or paused instances with expired leases, priority-ordered.
	ListClaimable(ctx context.Context, ttl time.Duration, limit int) ([]*workflow.Instance, error)
	// CountRunningByMutexKey reports how many running instances hold key.
	CountRunningByMutexKey(ctx context.Context, key string) (int, error)
}

// TaskNodeRepo persists task nodes keyed by (instance_id, node_id).
type TaskNodeRepo interface {
	CreateBatch(ctx context.Context, nodes []*workflow.TaskNode) error
	FindByNode(ctx context.Context, instanceID, nodeID string) (*workflow.TaskNode, error)
	ListByInstance(ctx context.Context, instanceID string) ([]*workflow.TaskNode, error)
	// FindExecutable returns up to limit pending nodes of the instance whose
	// dependencies are all completed and whose retry delay has elapsed,
	// ordered by (priority desc, created_at asc, node_id asc).
	FindExecutable(ctx context.Context, instanceID string, limit int) ([]*workflow.TaskNode, error)
	// AcquireLease is the pending→running CAS: it succeeds only when the
	// node is pending and unlocked, setting lock_owner and started_at.
	AcquireLease(ctx context.Context, instanceID, nodeID, engineID string) (bool, error)
	// Heartbeat refreshes the node lease. Returns lease_lost when engineID
	// no longer owns the node.
	Heartbeat(ctx context.Context, instanceID, nodeID, engineID string) error
	// ReclaimExpired returns running nodes whose lease heartbeat is older
	// than ttl to pending, clearing the lock. The interrupted attempt does
	// not consume retry budget. Returns the reclaimed node ids.
	ReclaimExpired(ctx context.Context, instanceID string, ttl time.Duration) ([]string, error)
	// Update writes node state iff engineID holds the node lease. Terminal
	// states are write-once: transitions out of them are rejected.
	Update(ctx context.Context, node *workflow.TaskNode, engineID string) error
	// BatchUpdateStatus force-moves nodes to status (used for cancellation
	// cascades and branch skips). Terminal nodes are left untouched.
	BatchUpdateStatus(ctx context.Context, instanceID string, nodeIDs []string, status workflow.NodeStatus) error
}

// Stores aggregates the workflow-side repositories one driver provides.
type Stores struct {
	Definitions WorkflowDefinitionRepo
	Instances   WorkflowInstanceRepo
	Nodes       TaskNodeRepo
}
