package engine

import (
	"context"
	"sort"
	"time"

	"loom/internal/logging"
	"loom/internal/store"
	"loom/internal/workflow"
)

// Resolver computes which nodes of an instance may run next. Branch guards
// are evaluated here: a false guard moves the node straight to skipped, and
// nodes downstream of a skipped or cancelled dependency are skipped in turn
// since their dependency can never complete.
type Resolver struct {
	nodes store.TaskNodeRepo
	log   logging.Logger
	now   func() time.Time
}

func NewResolver(nodes store.TaskNodeRepo, log logging.Logger) *Resolver {
	return &Resolver{
		nodes: nodes,
		log:   logging.OrNop(log),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Ready returns up to limit executable nodes of the instance, ordered by
// (priority desc, created_at asc, node_id asc). Members of a parallel group
// are returned together even when that overshoots limit.
func (r *Resolver) Ready(ctx context.Context, instance *workflow.Instance, limit int) ([]*workflow.TaskNode, error) {
	all, err := r.nodes.ListByInstance(ctx, instance.ID)
	if err != nil {
		return nil, err
	}

	completed := make(map[string]bool, len(all))
	unreachable := make(map[string]bool)
	for _, node := range all {
		switch node.Status {
		case workflow.NodeCompleted:
			completed[node.NodeID] = true
		case workflow.NodeSkipped, workflow.NodeCancelled:
			unreachable[node.NodeID] = true
		}
	}

	now := r.now()
	skip := make([]string, 0)
	ready := make([]*workflow.TaskNode, 0)
	for _, node := range all {
		if node.Status != workflow.NodePending {
			continue
		}
		if dependsOnAny(node, unreachable) {
			skip = append(skip, node.NodeID)
			continue
		}
		if !node.ExecutableAgainst(completed, now) {
			continue
		}
		if node.Type == workflow.NodeBranch {
			vars := BuildVars(instance, node, all, VarsAllCompleted)
			if !Truthy(Lookup(vars, node.Guard)) {
				skip = append(skip, node.NodeID)
				continue
			}
		}
		ready = append(ready, node)
	}

	if len(skip) > 0 {
		if err := r.nodes.BatchUpdateStatus(ctx, instance.ID, skip, workflow.NodeSkipped); err != nil {
			return nil, err
		}
		r.log.Debug("instance %s: skipped nodes %v", instance.ID, skip)
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].NodeID < ready[j].NodeID
	})

	if limit <= 0 || limit >= len(ready) {
		return ready, nil
	}
	return withWholeGroups(ready, limit), nil
}

func dependsOnAny(node *workflow.TaskNode, blocked map[string]bool) bool {
	for _, dep := range node.Dependencies {
		if blocked[dep] {
			return true
		}
	}
	return false
}

// withWholeGroups cuts ready at limit, then pulls in the rest of any parallel
// group the cut would have split.
func withWholeGroups(ready []*workflow.TaskNode, limit int) []*workflow.TaskNode {
	taken := ready[:limit]
	groups := make(map[string]bool)
	for _, node := range taken {
		if node.ParallelGroupID != "" {
			groups[node.ParallelGroupID] = true
		}
	}
	out := make([]*workflow.TaskNode, 0, limit)
	out = append(out, taken...)
	for _, node := range ready[limit:] {
		if node.ParallelGroupID != "" && groups[node.ParallelGroupID] {
			out = append(out, node)
		}
	}
	return out
}
