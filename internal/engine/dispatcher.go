package engine

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"loom/internal/async"
	"loom/internal/errs"
	"loom/internal/executor"
	"loom/internal/logging"
	"loom/internal/metrics"
	"loom/internal/store"
	"loom/internal/workflow"
)

// DispatcherConfig tunes the scan loop and the worker pool.
type DispatcherConfig struct {
	Concurrency       int
	IdleTick          time.Duration
	BusyTick          time.Duration
	ScanLimit         int
	GracePeriod       time.Duration
	HeartbeatInterval time.Duration
}

// Dispatcher is the engine's scan loop: it claims due instances, asks the
// resolver for ready nodes, wins the node CAS and runs executors on a
// bounded pool. Polling is adaptive: fast while work is found, backed off
// when idle.
type Dispatcher struct {
	cfg      DispatcherConfig
	manager  *Manager
	resolver *Resolver
	trans    *Transitions
	registry *executor.Registry
	stores   store.Stores
	sem      *semaphore.Weighted
	mets     *metrics.Set
	log      logging.Logger
}

func NewDispatcher(cfg DispatcherConfig, manager *Manager, resolver *Resolver, trans *Transitions, registry *executor.Registry, stores store.Stores, mets *metrics.Set, log logging.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 64
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &Dispatcher{
		cfg:      cfg,
		manager:  manager,
		resolver: resolver,
		trans:    trans,
		registry: registry,
		stores:   stores,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		mets:     mets,
		log:      logging.OrNop(log),
	}
}

// Run drives the dispatch loop until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		worked, err := d.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			d.log.Error("dispatch tick: %v", err)
		}

		wait := d.cfg.IdleTick
		if worked {
			wait = d.cfg.BusyTick
		}
		select {
		case <-ctx.Done():
			// Drain: wait for in-flight executors to release their slots.
			_ = d.sem.Acquire(context.Background(), int64(d.cfg.Concurrency))
			d.sem.Release(int64(d.cfg.Concurrency))
			return nil
		case <-time.After(wait):
		}
	}
}

// Tick performs one scan pass and reports whether any work was found.
func (d *Dispatcher) Tick(ctx context.Context) (bool, error) {
	claimed, err := d.manager.ClaimDue(ctx, d.cfg.ScanLimit)
	if err != nil {
		return false, err
	}
	worked := claimed > 0

	owned, err := d.manager.Owned(ctx, 0)
	if err != nil {
		return worked, err
	}
	for _, instance := range owned {
		if instance.Status != workflow.InstanceRunning {
			continue
		}
		launched, err := d.dispatchInstance(ctx, instance)
		if err != nil {
			d.log.Error("instance %s: %v", instance.ID, err)
			continue
		}
		worked = worked || launched
	}
	return worked, nil
}

func (d *Dispatcher) dispatchInstance(ctx context.Context, instance *workflow.Instance) (bool, error) {
	// Orphans left by a crashed engine go back to pending before this pass.
	if _, err := d.manager.ReclaimNodes(ctx, instance.ID); err != nil {
		return false, err
	}

	terminal, err := d.manager.Evaluate(ctx, instance)
	if err != nil || terminal {
		return false, err
	}

	ready, err := d.resolver.Ready(ctx, instance, d.cfg.ScanLimit)
	if err != nil {
		return false, err
	}

	launched := false
	for _, node := range ready {
		// Pool full: leave the node pending for a later tick.
		if !d.sem.TryAcquire(1) {
			break
		}
		ok, err := d.stores.Nodes.AcquireLease(ctx, node.InstanceID, node.NodeID, d.manager.EngineID())
		if err != nil || !ok {
			d.sem.Release(1)
			if err != nil {
				return launched, err
			}
			continue
		}
		launched = true
		d.mets.NodesDispatched.Inc()

		async.Go(d.log, "node "+node.InstanceID+"/"+node.NodeID, func() {
			defer d.sem.Release(1)
			d.execute(ctx, instance, node.NodeID)
		})
	}
	return launched, nil
}

// execute runs a single leased node to a terminal transition or a retry.
func (d *Dispatcher) execute(ctx context.Context, instance *workflow.Instance, nodeID string) {
	node, err := d.stores.Nodes.FindByNode(ctx, instance.ID, nodeID)
	if err != nil {
		d.log.Error("instance %s node %s: %v", instance.ID, nodeID, err)
		return
	}

	exec, err := d.registry.Lookup(node.ExecutorName, node.ExecutorVersion)
	if err != nil {
		// No executor can ever serve this node: fail without retry.
		d.failNode(ctx, instance, node, &workflow.FailureInfo{
			Kind:    string(errs.KindFatal),
			Message: err.Error(),
		}, false)
		return
	}

	all, err := d.stores.Nodes.ListByInstance(ctx, instance.ID)
	if err != nil {
		d.log.Error("instance %s node %s: %v", instance.ID, nodeID, err)
		return
	}
	vars := BuildVars(instance, node, all, VarsDirect)
	for k, v := range Flatten(vars) {
		if strings.Contains(k, ".") {
			vars[k] = v
		}
	}

	ec := &executor.Context{
		Instance: instance,
		Node:     node,
		Config:   node.ExecutorConfig,
		Vars:     vars,
		Logger:   d.log,
		Progress: func(percent int, message string) {
			d.log.Debug("instance %s node %s: %d%% %s", instance.ID, node.NodeID, percent, message)
		},
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if node.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}

	started := time.Now()
	results := make(chan executor.Result, 1)
	async.Go(d.log, "executor "+node.ExecutorName, func() {
		results <- exec.Execute(runCtx, ec)
	})

	// The lease is renewed while the executor runs. A lost lease means the
	// node was cancelled or reclaimed by another engine: stop the executor
	// and abandon the result, the new owner drives the node from here.
	hb := time.NewTicker(d.cfg.HeartbeatInterval)
	defer hb.Stop()

	var result executor.Result
wait:
	for {
		select {
		case result = <-results:
			break wait
		case <-hb.C:
			err := d.stores.Nodes.Heartbeat(ctx, instance.ID, node.NodeID, d.manager.EngineID())
			if err == nil {
				continue
			}
			d.mets.HeartbeatErrors.Inc()
			if !errs.IsKind(err, errs.KindLeaseLost) {
				d.log.Error("heartbeat instance %s node %s: %v", instance.ID, node.NodeID, err)
				continue
			}
			cancel()
			select {
			case <-results:
			case <-time.After(d.cfg.GracePeriod):
			}
			d.log.Warn("instance %s node %s: lease lost mid-run, abandoning", instance.ID, node.NodeID)
			return
		case <-runCtx.Done():
			cancel()
			// Grace window for the executor to observe cancellation.
			select {
			case <-results:
			case <-time.After(d.cfg.GracePeriod):
				d.log.Error("instance %s node %s: executor %s ignored cancel, orphaning",
					instance.ID, node.NodeID, node.ExecutorName)
			}
			d.failNode(ctx, instance, node, &workflow.FailureInfo{
				Kind:    string(errs.KindTimeout),
				Message: "node timed out",
			}, true)
			return
		}
	}
	d.mets.NodeDuration.Observe(time.Since(started).Seconds())

	if !result.Success {
		d.failNode(ctx, instance, node, &workflow.FailureInfo{
			Kind:    string(errs.KindExecutor),
			Message: result.Error,
		}, true)
		return
	}
	if err := d.trans.Complete(ctx, instance.ID, node, result.Data); err != nil {
		d.log.Error("complete instance %s node %s: %v", instance.ID, node.NodeID, err)
	}
}

func (d *Dispatcher) failNode(ctx context.Context, instance *workflow.Instance, node *workflow.TaskNode, failure *workflow.FailureInfo, retryable bool) {
	d.mets.NodeFailures.WithLabelValues(failure.Kind).Inc()
	if _, err := d.trans.Fail(ctx, instance.ID, node, failure, retryable); err != nil {
		d.log.Error("fail instance %s node %s: %v", instance.ID, node.NodeID, err)
	}
}
