package workflow

import "time"

// NodeType distinguishes how a node participates in the graph.
type NodeType string

const (
	NodeSimple   NodeType = "simple"
	NodeParallel NodeType = "parallel"
	NodeLoop     NodeType = "loop"
	NodeBranch   NodeType = "branch"
)

// IsValid reports whether the type is one of the recognized values.
func (t NodeType) IsValid() bool {
	switch t {
	case NodeSimple, NodeParallel, NodeLoop, NodeBranch:
		return true
	default:
		return false
	}
}

// NodeStatus is the lifecycle state of a task node.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// IsTerminal reports whether the status is write-once final.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	default:
		return false
	}
}

// TaskNode is the instantiation of a definition node inside an instance.
// The key is (InstanceID, NodeID).
type TaskNode struct {
	InstanceID       string         `json:"instance_id"`
	NodeID           string         `json:"node_id"`
	NodeName         string         `json:"node_name,omitempty"`
	Type             NodeType       `json:"node_type"`
	ExecutorName     string         `json:"executor_name"`
	ExecutorVersion  string         `json:"executor_version,omitempty"`
	ExecutorConfig   map[string]any `json:"executor_config,omitempty"`
	Status           NodeStatus     `json:"status"`
	InputData        map[string]any `json:"input_data,omitempty"`
	OutputData       map[string]any `json:"output_data,omitempty"`
	Dependencies     []string       `json:"dependencies,omitempty"`
	ParallelGroupID  string         `json:"parallel_group_id,omitempty"`
	ParentNodeID     string         `json:"parent_node_id,omitempty"`
	Guard            string         `json:"guard,omitempty"`
	Priority         int            `json:"priority"`
	Timeout          time.Duration  `json:"timeout,omitempty"`
	StartedAt        time.Time      `json:"started_at,omitempty"`
	CompletedAt      time.Time      `json:"completed_at,omitempty"`
	DurationMs       int64          `json:"duration_ms,omitempty"`
	RetryCount       int            `json:"retry_count"`
	MaxRetries       int            `json:"max_retries"`
	NextAttemptAt    time.Time      `json:"next_attempt_at,omitempty"`
	Error            *FailureInfo   `json:"error,omitempty"`
	AssignedEngineID string         `json:"assigned_engine_id,omitempty"`
	LockOwner        string         `json:"lock_owner,omitempty"`
	LastHeartbeat    time.Time      `json:"last_heartbeat,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ExecutableAgainst reports whether the node is ready to run given the set
// of completed node IDs: pending, past any retry delay, with every
// dependency completed.
func (n *TaskNode) ExecutableAgainst(completed map[string]bool, now time.Time) bool {
	if n.Status != NodePending {
		return false
	}
	if !n.NextAttemptAt.IsZero() && n.NextAttemptAt.After(now) {
		return false
	}
	for _, dep := range n.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// RetryBudgetLeft reports whether the node may revert from failed to pending.
func (n *TaskNode) RetryBudgetLeft() bool {
	return n.RetryCount < n.MaxRetries
}

// LeaseExpired reports whether the node's lease heartbeat is older than ttl.
// Unleased nodes never expire.
func (n *TaskNode) LeaseExpired(now time.Time, ttl time.Duration) bool {
	if n.LockOwner == "" {
		return false
	}
	return n.LastHeartbeat.Add(ttl).Before(now)
}
