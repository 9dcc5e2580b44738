package memstore

import (
	"context"
	"sort"
	"time"

	"loom/internal/errs"
	"loom/internal/workflow"
)

type instanceRepo struct {
	s *Store
}

func (r *instanceRepo) Create(_ context.Context, instance *workflow.Instance) error {
	if instance.ID == "" {
		return errs.Validation("instance id is required")
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.instances[instance.ID]; exists {
		return errs.Validation("instance %q already exists", instance.ID)
	}
	if instance.ExternalID != "" {
		if _, exists := r.s.byExternal[instance.ExternalID]; exists {
			return errs.Validation("external id %q already in use", instance.ExternalID)
		}
		r.s.byExternal[instance.ExternalID] = instance.ID
	}
	r.s.instances[instance.ID] = cloneInstance(instance)
	return nil
}

func (r *instanceRepo) FindByID(_ context.Context, id string) (*workflow.Instance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	instance := r.s.instances[id]
	if instance == nil {
		return nil, errs.NotFound("instance %q", id)
	}
	return cloneInstance(instance), nil
}

func (r *instanceRepo) FindByExternalID(ctx context.Context, externalID string) (*workflow.Instance, error) {
	r.s.mu.RLock()
	id, ok := r.s.byExternal[externalID]
	r.s.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("instance with external id %q", externalID)
	}
	return r.FindByID(ctx, id)
}

func (r *instanceRepo) AcquireLease(_ context.Context, id, engineID string, ttl time.Duration) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	instance := r.s.instances[id]
	if instance == nil {
		return false, errs.NotFound("instance %q", id)
	}

	now := r.s.now()
	claimable := false
	switch instance.Status {
	case workflow.InstancePending:
		claimable = instance.ScheduledAt.IsZero() || !instance.ScheduledAt.After(now)
	case workflow.InstanceRunning, workflow.InstancePaused:
		claimable = instance.LeaseExpired(now, ttl)
	}
	if !claimable {
		return false, nil
	}

	// Mutex admission: at most one running instance per key. Reclaiming the
	// same instance's expired lease does not conflict with itself.
	if instance.MutexKey != "" && instance.Status == workflow.InstancePending {
		for _, other := range r.s.instances {
			if other.ID != id && other.MutexKey == instance.MutexKey && other.Status == workflow.InstanceRunning {
				return false, nil
			}
		}
	}

	if instance.Status == workflow.InstancePending {
		instance.Status = workflow.InstanceRunning
		instance.StartedAt = now
	}
	instance.LockOwner = engineID
	instance.AssignedEngineID = engineID
	instance.LockAcquiredAt = now
	instance.LastHeartbeat = now
	instance.UpdatedAt = now
	return true, nil
}

func (r *instanceRepo) Heartbeat(_ context.Context, id, engineID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	instance := r.s.instances[id]
	if instance == nil {
		return errs.NotFound("instance %q", id)
	}
	if instance.LockOwner != engineID {
		return errs.New(errs.KindLeaseLost, "instance %q is owned by %q", id, instance.LockOwner)
	}
	instance.LastHeartbeat = r.s.now()
	return nil
}

func (r *instanceRepo) Update(_ context.Context, instance *workflow.Instance, engineID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	current := r.s.instances[instance.ID]
	if current == nil {
		return errs.NotFound("instance %q", instance.ID)
	}
	if current.Status.IsTerminal() {
		return errs.Validation("instance %q is terminal (%s)", instance.ID, current.Status)
	}
	if current.LockOwner != engineID {
		return errs.New(errs.KindLeaseLost, "instance %q is owned by %q", instance.ID, current.LockOwner)
	}

	stored := cloneInstance(instance)
	stored.UpdatedAt = r.s.now()
	if stored.Status.IsTerminal() || stored.Status == workflow.InstancePending {
		stored.LockOwner = ""
		stored.LockAcquiredAt = time.Time{}
	}
	r.s.instances[instance.ID] = stored
	return nil
}

func (r *instanceRepo) ListForEngine(_ context.Context, engineID string, limit int) ([]*workflow.Instance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*workflow.Instance, 0)
	for _, instance := range r.s.instances {
		if instance.LockOwner != engineID {
			continue
		}
		if instance.Status == workflow.InstanceRunning || instance.Status == workflow.InstancePaused {
			out = append(out, cloneInstance(instance))
		}
	}
	sortInstances(out)
	return capList(out, limit), nil
}

func (r *instanceRepo) ListClaimable(_ context.Context, ttl time.Duration, limit int) ([]*workflow.Instance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	now := r.s.now()
	out := make([]*workflow.Instance, 0)
	for _, instance := range r.s.instances {
		switch instance.Status {
		case workflow.InstancePending:
			if instance.ScheduledAt.IsZero() || !instance.ScheduledAt.After(now) {
				out = append(out, cloneInstance(instance))
			}
		case workflow.InstanceRunning, workflow.InstancePaused:
			if instance.LeaseExpired(now, ttl) {
				out = append(out, cloneInstance(instance))
			}
		}
	}
	sortInstances(out)
	return capList(out, limit), nil
}

func (r *instanceRepo) CountRunningByMutexKey(_ context.Context, key string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	count := 0
	for _, instance := range r.s.instances {
		if instance.MutexKey == key && instance.Status == workflow.InstanceRunning {
			count++
		}
	}
	return count, nil
}

func sortInstances(instances []*workflow.Instance) {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].Priority != instances[j].Priority {
			return instances[i].Priority > instances[j].Priority
		}
		if !instances[i].CreatedAt.Equal(instances[j].CreatedAt) {
			return instances[i].CreatedAt.Before(instances[j].CreatedAt)
		}
		return instances[i].ID < instances[j].ID
	})
}

func capList[T any](items []T, limit int) []T {
	if limit > 0 && limit < len(items) {
		return items[:limit]
	}
	return items
}
