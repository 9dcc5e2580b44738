package memstore

import (
	"context"
	"sort"
	"time"

	"loom/internal/errs"
	"loom/internal/workflow"
)

type nodeRepo struct {
	s *Store
}

func (r *nodeRepo) CreateBatch(_ context.Context, nodes []*workflow.TaskNode) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, node := range nodes {
		if node.InstanceID == "" || node.NodeID == "" {
			return errs.Validation("task node requires instance and node ids")
		}
		byNode := r.s.nodes[node.InstanceID]
		if byNode == nil {
			byNode = make(map[string]*workflow.TaskNode)
			r.s.nodes[node.InstanceID] = byNode
		}
		if _, exists := byNode[node.NodeID]; exists {
			return errs.Validation("node (%s, %s) already exists", node.InstanceID, node.NodeID)
		}
		byNode[node.NodeID] = cloneNode(node)
	}
	return nil
}

func (r *nodeRepo) FindByNode(_ context.Context, instanceID, nodeID string) (*workflow.TaskNode, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	node := r.s.nodes[instanceID][nodeID]
	if node == nil {
		return nil, errs.NotFound("node (%s, %s)", instanceID, nodeID)
	}
	return cloneNode(node), nil
}

func (r *nodeRepo) ListByInstance(_ context.Context, instanceID string) ([]*workflow.TaskNode, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*workflow.TaskNode, 0, len(r.s.nodes[instanceID]))
	for _, node := range r.s.nodes[instanceID] {
		out = append(out, cloneNode(node))
	}
	sortNodes(out)
	return out, nil
}

func (r *nodeRepo) FindExecutable(_ context.Context, instanceID string, limit int) ([]*workflow.TaskNode, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	byNode := r.s.nodes[instanceID]
	completed := make(map[string]bool, len(byNode))
	for id, node := range byNode {
		if node.Status == workflow.NodeCompleted {
			completed[id] = true
		}
	}

	now := r.s.now()
	out := make([]*workflow.TaskNode, 0)
	for _, node := range byNode {
		if node.ExecutableAgainst(completed, now) {
			out = append(out, cloneNode(node))
		}
	}
	sortNodes(out)
	return capList(out, limit), nil
}

func (r *nodeRepo) AcquireLease(_ context.Context, instanceID, nodeID, engineID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	node := r.s.nodes[instanceID][nodeID]
	if node == nil {
		return false, errs.NotFound("node (%s, %s)", instanceID, nodeID)
	}
	if node.Status != workflow.NodePending || node.LockOwner != "" {
		return false, nil
	}

	now := r.s.now()
	node.Status = workflow.NodeRunning
	node.LockOwner = engineID
	node.AssignedEngineID = engineID
	node.StartedAt = now
	node.LastHeartbeat = now
	node.UpdatedAt = now
	return true, nil
}

func (r *nodeRepo) Heartbeat(_ context.Context, instanceID, nodeID, engineID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	node := r.s.nodes[instanceID][nodeID]
	if node == nil {
		return errs.NotFound("node (%s, %s)", instanceID, nodeID)
	}
	if node.Status != workflow.NodeRunning || node.LockOwner != engineID {
		return errs.New(errs.KindLeaseLost, "node (%s, %s) is not running under %q", instanceID, nodeID, engineID)
	}
	now := r.s.now()
	node.LastHeartbeat = now
	node.UpdatedAt = now
	return nil
}

func (r *nodeRepo) ReclaimExpired(_ context.Context, instanceID string, ttl time.Duration) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	reclaimed := make([]string, 0)
	for _, node := range r.s.nodes[instanceID] {
		if node.Status != workflow.NodeRunning || !node.LeaseExpired(now, ttl) {
			continue
		}
		node.Status = workflow.NodePending
		node.LockOwner = ""
		node.StartedAt = time.Time{}
		node.LastHeartbeat = time.Time{}
		node.UpdatedAt = now
		reclaimed = append(reclaimed, node.NodeID)
	}
	sort.Strings(reclaimed)
	return reclaimed, nil
}

func (r *nodeRepo) Update(_ context.Context, node *workflow.TaskNode, engineID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	current := r.s.nodes[node.InstanceID][node.NodeID]
	if current == nil {
		return errs.NotFound("node (%s, %s)", node.InstanceID, node.NodeID)
	}
	if current.Status.IsTerminal() {
		return errs.Validation("node (%s, %s) is terminal (%s)", node.InstanceID, node.NodeID, current.Status)
	}
	if current.LockOwner != "" && current.LockOwner != engineID {
		return errs.New(errs.KindLeaseLost, "node (%s, %s) is owned by %q", node.InstanceID, node.NodeID, current.LockOwner)
	}

	stored := cloneNode(node)
	stored.UpdatedAt = r.s.now()
	if stored.Status.IsTerminal() || stored.Status == workflow.NodePending {
		stored.LockOwner = ""
	}
	r.s.nodes[node.InstanceID][node.NodeID] = stored
	return nil
}

func (r *nodeRepo) BatchUpdateStatus(_ context.Context, instanceID string, nodeIDs []string, status workflow.NodeStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	for _, nodeID := range nodeIDs {
		node := r.s.nodes[instanceID][nodeID]
		if node == nil {
			return errs.NotFound("node (%s, %s)", instanceID, nodeID)
		}
		if node.Status.IsTerminal() {
			continue
		}
		node.Status = status
		node.LockOwner = ""
		node.UpdatedAt = now
		if status.IsTerminal() {
			node.CompletedAt = now
			if !node.StartedAt.IsZero() {
				node.DurationMs = now.Sub(node.StartedAt).Milliseconds()
			}
		}
	}
	return nil
}

func sortNodes(nodes []*workflow.TaskNode) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Priority != nodes[j].Priority {
			return nodes[i].Priority > nodes[j].Priority
		}
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].NodeID < nodes[j].NodeID
	})
}
