package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"loom/internal/errs"
	"loom/internal/executor"
	"loom/internal/logging"
	"loom/internal/metrics"
	"loom/internal/store"
	"loom/internal/workflow"
)

// NewEngineID derives the lease identity of this process: hostname plus a
// uuid suffix so restarts never collide with a stale lease of the same host.
func NewEngineID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "engine"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// Manager owns the instance lifecycle for one engine process: creation,
// lease acquisition and reclaim, heartbeating, completion evaluation,
// cancellation and pause/resume.
type Manager struct {
	stores    store.Stores
	engineID  string
	leaseTTL  time.Duration
	heartbeat time.Duration
	defs      *lru.Cache[string, *workflow.Definition]
	registry  *executor.Registry
	mets      *metrics.Set
	log       logging.Logger
	now       func() time.Time
}

// ManagerOptions carries Manager construction tunables.
type ManagerOptions struct {
	EngineID          string
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	DefinitionCache   int
	// Registry, when set, lets CreateInstance validate executor configs
	// against the executors registered in this process.
	Registry *executor.Registry
}

func NewManager(stores store.Stores, opts ManagerOptions, mets *metrics.Set, log logging.Logger) (*Manager, error) {
	if opts.EngineID == "" {
		opts.EngineID = NewEngineID()
	}
	if opts.DefinitionCache <= 0 {
		opts.DefinitionCache = 256
	}
	defs, err := lru.New[string, *workflow.Definition](opts.DefinitionCache)
	if err != nil {
		return nil, fmt.Errorf("definition cache: %w", err)
	}
	return &Manager{
		stores:    stores,
		engineID:  opts.EngineID,
		leaseTTL:  opts.LeaseTTL,
		heartbeat: opts.HeartbeatInterval,
		defs:      defs,
		registry:  opts.Registry,
		mets:      mets,
		log:       logging.OrNop(log),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// EngineID returns the lease identity of this manager.
func (m *Manager) EngineID() string { return m.engineID }

// Definition resolves a definition version, going through the LRU cache.
// version <= 0 resolves the currently active version. Cached entries are
// versioned and therefore immutable.
func (m *Manager) Definition(ctx context.Context, name string, version int) (*workflow.Definition, error) {
	if version > 0 {
		key := workflow.Ref{Name: name, Version: version}.String()
		if def, ok := m.defs.Get(key); ok {
			return def, nil
		}
	}

	var def *workflow.Definition
	var err error
	if version > 0 {
		def, err = m.stores.Definitions.FindByNameAndVersion(ctx, name, version)
	} else {
		def, err = m.stores.Definitions.FindActiveByName(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	m.defs.Add(def.Ref().String(), def)
	return def, nil
}

// CreateInstance materializes a new pending instance of (name, version) and
// its task nodes. version <= 0 uses the active version.
func (m *Manager) CreateInstance(ctx context.Context, name string, version int, opts workflow.InstanceOptions) (*workflow.Instance, error) {
	def, err := m.Definition(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if err := workflow.ValidateSpec(def.Spec); err != nil {
		return nil, err
	}
	if err := m.validateConfigs(def.Spec); err != nil {
		return nil, err
	}

	instance, nodes := workflow.NewInstance(def, opts)
	if err := m.stores.Instances.Create(ctx, instance); err != nil {
		return nil, err
	}
	if err := m.stores.Nodes.CreateBatch(ctx, nodes); err != nil {
		return nil, err
	}
	m.log.Info("created instance %s of %s (%d nodes)", instance.ID, def.Ref(), len(nodes))
	return instance, nil
}

// validateConfigs asks each locally registered executor to check its node's
// config. Executors not registered in this process are skipped: they may be
// served by another engine.
func (m *Manager) validateConfigs(spec workflow.Spec) error {
	if m.registry == nil {
		return nil
	}
	for _, node := range spec.Nodes {
		exec, err := m.registry.Lookup(node.Executor, node.ExecutorVersion)
		if err != nil {
			continue
		}
		if v := exec.Validate(node.Config); !v.Valid {
			return errs.Validation("node %s: executor %s rejected its config: %s",
				node.ID, node.Executor, strings.Join(v.Errors, "; "))
		}
	}
	return nil
}

// ClaimDue scans for claimable instances and acquires as many leases as the
// CAS allows, returning how many this engine won.
func (m *Manager) ClaimDue(ctx context.Context, limit int) (int, error) {
	candidates, err := m.stores.Instances.ListClaimable(ctx, m.leaseTTL, limit)
	if err != nil {
		return 0, err
	}
	claimed := 0
	for _, candidate := range candidates {
		ok, err := m.stores.Instances.AcquireLease(ctx, candidate.ID, m.engineID, m.leaseTTL)
		if err != nil {
			return claimed, err
		}
		if !ok {
			continue
		}
		claimed++
		m.mets.InstancesClaimed.Inc()
		if candidate.LockOwner != "" && candidate.LockOwner != m.engineID {
			m.log.Warn("reclaimed instance %s from %s (lease expired)", candidate.ID, candidate.LockOwner)
		}
	}
	return claimed, nil
}

// ReclaimNodes returns running nodes of an owned instance whose lease
// heartbeat went stale (their engine died mid-run) to pending so this engine
// can dispatch them again. The interrupted attempt does not consume retry
// budget, mirroring the queue sweeper.
func (m *Manager) ReclaimNodes(ctx context.Context, instanceID string) (int, error) {
	ids, err := m.stores.Nodes.ReclaimExpired(ctx, instanceID, m.leaseTTL)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		m.log.Warn("instance %s: reclaimed %d orphaned nodes (%s)", instanceID, len(ids), strings.Join(ids, ", "))
	}
	return len(ids), nil
}

// Owned returns the instances currently leased by this engine.
func (m *Manager) Owned(ctx context.Context, limit int) ([]*workflow.Instance, error) {
	return m.stores.Instances.ListForEngine(ctx, m.engineID, limit)
}

// RunHeartbeats refreshes leases on owned instances until ctx is cancelled.
// A lost lease is logged and dropped; the new owner carries the instance on.
func (m *Manager) RunHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			owned, err := m.Owned(ctx, 0)
			if err != nil {
				m.log.Error("heartbeat scan: %v", err)
				continue
			}
			for _, instance := range owned {
				if err := m.stores.Instances.Heartbeat(ctx, instance.ID, m.engineID); err != nil {
					m.mets.HeartbeatErrors.Inc()
					if errs.IsKind(err, errs.KindLeaseLost) {
						m.log.Warn("lost lease on instance %s", instance.ID)
						continue
					}
					m.log.Error("heartbeat instance %s: %v", instance.ID, err)
				}
			}
		}
	}
}

// Evaluate decides whether an owned running instance is terminal: failed when
// any node exhausted its retries, completed when nothing is left to run.
// Returns true when the instance went terminal.
func (m *Manager) Evaluate(ctx context.Context, instance *workflow.Instance) (bool, error) {
	nodes, err := m.stores.Nodes.ListByInstance(ctx, instance.ID)
	if err != nil {
		return false, err
	}

	var firstFailure *workflow.TaskNode
	live := 0
	var lastCompleted *workflow.TaskNode
	for _, node := range nodes {
		switch node.Status {
		case workflow.NodeFailed:
			if firstFailure == nil || node.CompletedAt.Before(firstFailure.CompletedAt) {
				firstFailure = node
			}
		case workflow.NodePending, workflow.NodeRunning:
			live++
		case workflow.NodeCompleted:
			if lastCompleted == nil || node.CompletedAt.After(lastCompleted.CompletedAt) {
				lastCompleted = node
			}
		}
	}

	now := m.now()
	if firstFailure != nil {
		instance.Status = workflow.InstanceFailed
		instance.CompletedAt = now
		instance.Error = firstFailure.Error
		if instance.Error == nil {
			instance.Error = &workflow.FailureInfo{
				Kind:    string(errs.KindExecutor),
				Message: fmt.Sprintf("node %s failed", firstFailure.NodeID),
			}
		}
		if err := errs.Retry(ctx, storeRetry, m.log, func(ctx context.Context) error {
			return m.stores.Instances.Update(ctx, instance, m.engineID)
		}); err != nil {
			return false, err
		}
		m.mets.InstancesDone.WithLabelValues(string(workflow.InstanceFailed)).Inc()
		m.log.Info("instance %s failed at node %s", instance.ID, firstFailure.NodeID)
		return true, nil
	}

	if live > 0 {
		return false, nil
	}

	instance.Status = workflow.InstanceCompleted
	instance.CompletedAt = now
	if lastCompleted != nil {
		instance.OutputData = lastCompleted.OutputData
	}
	if err := errs.Retry(ctx, storeRetry, m.log, func(ctx context.Context) error {
		return m.stores.Instances.Update(ctx, instance, m.engineID)
	}); err != nil {
		return false, err
	}
	m.mets.InstancesDone.WithLabelValues(string(workflow.InstanceCompleted)).Inc()
	m.log.Info("instance %s completed", instance.ID)
	return true, nil
}

// Cancel terminates an instance and cascades cancellation to its live nodes.
// The caller's engine takes the lease if nobody holds a live one.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	instance, err := m.ensureOwned(ctx, id)
	if err != nil {
		return err
	}

	nodes, err := m.stores.Nodes.ListByInstance(ctx, id)
	if err != nil {
		return err
	}
	live := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if !node.Status.IsTerminal() {
			live = append(live, node.NodeID)
		}
	}
	if err := m.stores.Nodes.BatchUpdateStatus(ctx, id, live, workflow.NodeCancelled); err != nil {
		return err
	}

	instance.Status = workflow.InstanceCancelled
	instance.CompletedAt = m.now()
	if err := m.stores.Instances.Update(ctx, instance, m.engineID); err != nil {
		return err
	}
	m.mets.InstancesDone.WithLabelValues(string(workflow.InstanceCancelled)).Inc()
	m.log.Info("instance %s cancelled (%d nodes)", id, len(live))
	return nil
}

// Pause suspends a running instance; the lease is retained so this engine can
// resume it.
func (m *Manager) Pause(ctx context.Context, id string) error {
	instance, err := m.ensureOwned(ctx, id)
	if err != nil {
		return err
	}
	if !instance.Status.CanTransition(workflow.InstancePaused) {
		return errs.Validation("instance %s cannot pause from %s", id, instance.Status)
	}
	instance.Status = workflow.InstancePaused
	instance.PausedAt = m.now()
	return m.stores.Instances.Update(ctx, instance, m.engineID)
}

// Resume returns a paused instance to running.
func (m *Manager) Resume(ctx context.Context, id string) error {
	instance, err := m.ensureOwned(ctx, id)
	if err != nil {
		return err
	}
	if !instance.Status.CanTransition(workflow.InstanceRunning) {
		return errs.Validation("instance %s cannot resume from %s", id, instance.Status)
	}
	instance.Status = workflow.InstanceRunning
	instance.PausedAt = time.Time{}
	return m.stores.Instances.Update(ctx, instance, m.engineID)
}

// ensureOwned returns the instance with this engine holding its lease,
// acquiring one when the instance is unowned or its lease expired.
func (m *Manager) ensureOwned(ctx context.Context, id string) (*workflow.Instance, error) {
	instance, err := m.stores.Instances.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if instance.Status.IsTerminal() {
		return nil, errs.Validation("instance %s is terminal (%s)", id, instance.Status)
	}
	if instance.LockOwner == m.engineID {
		return instance, nil
	}

	ok, err := m.stores.Instances.AcquireLease(ctx, id, m.engineID, m.leaseTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Transient("instance %s is leased by %s", id, instance.LockOwner)
	}
	return m.stores.Instances.FindByID(ctx, id)
}
