package workflow

import (
	"time"

	"github.com/google/uuid"
)

// InstanceStatus is the aggregate state of a workflow instance.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstancePaused    InstanceStatus = "paused"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceCancelled:
		return true
	default:
		return false
	}
}

var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstancePending: {InstanceRunning, InstanceCancelled},
	InstanceRunning: {InstanceCompleted, InstanceFailed, InstanceCancelled, InstancePaused},
	InstancePaused:  {InstanceRunning, InstanceCancelled},
}

// CanTransition reports whether the status machine admits from → to.
func (s InstanceStatus) CanTransition(to InstanceStatus) bool {
	for _, allowed := range instanceTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// FailureInfo records why an entity failed: error kind, message and optional
// structured details.
type FailureInfo struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Instance is one execution of a workflow definition.
type Instance struct {
	ID                string         `json:"id"`
	Definition        Ref            `json:"definition"`
	ExternalID        string         `json:"external_id,omitempty"`
	Status            InstanceStatus `json:"status"`
	InputData         map[string]any `json:"input_data,omitempty"`
	ContextData       map[string]any `json:"context_data,omitempty"`
	OutputData        map[string]any `json:"output_data,omitempty"`
	BusinessKey       string         `json:"business_key,omitempty"`
	MutexKey          string         `json:"mutex_key,omitempty"`
	RetryCount        int            `json:"retry_count"`
	MaxRetries        int            `json:"max_retries"`
	Priority          int            `json:"priority"`
	ScheduledAt       time.Time      `json:"scheduled_at,omitempty"`
	StartedAt         time.Time      `json:"started_at,omitempty"`
	CompletedAt       time.Time      `json:"completed_at,omitempty"`
	PausedAt          time.Time      `json:"paused_at,omitempty"`
	Error             *FailureInfo   `json:"error,omitempty"`
	CurrentNodeID     string         `json:"current_node_id,omitempty"`
	CompletedNodes    []string       `json:"completed_nodes,omitempty"`
	FailedNodes       []string       `json:"failed_nodes,omitempty"`
	LockOwner         string         `json:"lock_owner,omitempty"`
	LockAcquiredAt    time.Time      `json:"lock_acquired_at,omitempty"`
	LastHeartbeat     time.Time      `json:"last_heartbeat,omitempty"`
	AssignedEngineID  string         `json:"assigned_engine_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// InstanceOptions carries the caller-supplied parts of a new instance.
type InstanceOptions struct {
	ExternalID  string
	Input       map[string]any
	Context     map[string]any
	BusinessKey string
	MutexKey    string
	Priority    int
	MaxRetries  int
	ScheduledAt time.Time
}

// NewInstance materializes an instance and its task nodes from a definition.
// The spec must already have passed ValidateSpec.
func NewInstance(def *Definition, opts InstanceOptions) (*Instance, []*TaskNode) {
	now := time.Now().UTC()
	instance := &Instance{
		ID:          uuid.NewString(),
		Definition:  def.Ref(),
		ExternalID:  opts.ExternalID,
		Status:      InstancePending,
		InputData:   opts.Input,
		ContextData: opts.Context,
		BusinessKey: opts.BusinessKey,
		MutexKey:    opts.MutexKey,
		Priority:    opts.Priority,
		MaxRetries:  opts.MaxRetries,
		ScheduledAt: opts.ScheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	deps := def.Spec.Dependencies()
	nodes := make([]*TaskNode, 0, len(def.Spec.Nodes))
	for _, spec := range def.Spec.Nodes {
		nodeType := spec.Type
		if nodeType == "" {
			nodeType = NodeSimple
		}
		nodes = append(nodes, &TaskNode{
			InstanceID:      instance.ID,
			NodeID:          spec.ID,
			NodeName:        spec.Name,
			Type:            nodeType,
			ExecutorName:    spec.Executor,
			ExecutorVersion: spec.ExecutorVersion,
			ExecutorConfig:  spec.Config,
			Status:          NodePending,
			InputData:       spec.Input,
			Dependencies:    deps[spec.ID],
			ParallelGroupID: spec.ParallelGroup,
			ParentNodeID:    spec.Parent,
			Guard:           spec.Guard,
			Priority:        spec.Priority,
			Timeout:         spec.Timeout,
			MaxRetries:      spec.MaxRetries,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	return instance, nodes
}

// HasCompleted reports whether nodeID is in the instance's completed set.
func (i *Instance) HasCompleted(nodeID string) bool {
	for _, id := range i.CompletedNodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

// HasFailed reports whether nodeID is in the instance's failed set.
func (i *Instance) HasFailed(nodeID string) bool {
	for _, id := range i.FailedNodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

// LeaseExpired reports whether the instance's lease is stale at now for the
// given TTL. Instances without a lock owner have no lease to expire.
func (i *Instance) LeaseExpired(now time.Time, ttl time.Duration) bool {
	if i.LockOwner == "" {
		return false
	}
	return i.LastHeartbeat.Add(ttl).Before(now)
}
