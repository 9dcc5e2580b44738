package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"loom/internal/errs"
	"loom/internal/logging"
	"loom/internal/store"
	"loom/internal/workflow"
)

// storeRetry bounds local retries of store writes the drivers report as
// transient: concurrent row changes, connection blips. Anything else
// surfaces immediately.
var storeRetry = errs.RetryConfig{
	MaxAttempts:  3,
	BaseDelay:    10 * time.Millisecond,
	MaxDelay:     250 * time.Millisecond,
	JitterFactor: 0.2,
}

// RetryPolicy shapes the delay before a failed node is retried.
type RetryPolicy struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// Delay computes the wait before retry number retryCount (zero-based),
// base · multiplier^retryCount, capped at Max.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	d := time.Duration(float64(p.Base) * math.Pow(p.Multiplier, float64(retryCount)))
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Transitions applies node lifecycle changes on behalf of one engine. All
// writes go through the lease-checked repository; terminal states are
// write-once at the store layer. Instance bookkeeping (completed/failed node
// sets) is serialized with mu: only the lease holder writes an instance, so
// a process-level lock is enough to keep parallel node completions from
// losing appends.
type Transitions struct {
	stores   store.Stores
	engineID string
	retry    RetryPolicy
	log      logging.Logger
	now      func() time.Time

	mu sync.Mutex
}

func NewTransitions(stores store.Stores, engineID string, retry RetryPolicy, log logging.Logger) *Transitions {
	return &Transitions{
		stores:   stores,
		engineID: engineID,
		retry:    retry,
		log:      logging.OrNop(log),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Complete moves a running node to completed and appends it to the instance's
// completed set.
func (t *Transitions) Complete(ctx context.Context, instanceID string, node *workflow.TaskNode, output map[string]any) error {
	now := t.now()
	node.Status = workflow.NodeCompleted
	node.OutputData = output
	node.CompletedAt = now
	if !node.StartedAt.IsZero() {
		node.DurationMs = now.Sub(node.StartedAt).Milliseconds()
	}
	node.Error = nil
	if err := errs.Retry(ctx, storeRetry, t.log, func(ctx context.Context) error {
		return t.stores.Nodes.Update(ctx, node, t.engineID)
	}); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Retried as a unit so a lost race rereads the instance first.
	return errs.Retry(ctx, storeRetry, t.log, func(ctx context.Context) error {
		instance, err := t.stores.Instances.FindByID(ctx, instanceID)
		if err != nil {
			return err
		}
		if !instance.HasCompleted(node.NodeID) {
			instance.CompletedNodes = append(instance.CompletedNodes, node.NodeID)
		}
		instance.CurrentNodeID = node.NodeID
		return t.stores.Instances.Update(ctx, instance, t.engineID)
	})
}

// Fail records a node failure. Retryable failures with budget left revert the
// node to pending with the retry delay applied; otherwise the node goes
// terminal failed and joins the instance's failed set. Returns whether a
// retry was scheduled.
func (t *Transitions) Fail(ctx context.Context, instanceID string, node *workflow.TaskNode, failure *workflow.FailureInfo, retryable bool) (bool, error) {
	now := t.now()
	node.Error = failure

	if retryable && node.RetryBudgetLeft() {
		delay := t.retry.Delay(node.RetryCount)
		node.RetryCount++
		node.Status = workflow.NodePending
		node.StartedAt = time.Time{}
		node.NextAttemptAt = now.Add(delay)
		if err := errs.Retry(ctx, storeRetry, t.log, func(ctx context.Context) error {
			return t.stores.Nodes.Update(ctx, node, t.engineID)
		}); err != nil {
			return false, err
		}
		t.log.Info("instance %s node %s: retry %d/%d in %s (%s)",
			instanceID, node.NodeID, node.RetryCount, node.MaxRetries, delay, failure.Message)
		return true, nil
	}

	node.Status = workflow.NodeFailed
	node.CompletedAt = now
	if !node.StartedAt.IsZero() {
		node.DurationMs = now.Sub(node.StartedAt).Milliseconds()
	}
	if err := errs.Retry(ctx, storeRetry, t.log, func(ctx context.Context) error {
		return t.stores.Nodes.Update(ctx, node, t.engineID)
	}); err != nil {
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return false, errs.Retry(ctx, storeRetry, t.log, func(ctx context.Context) error {
		instance, err := t.stores.Instances.FindByID(ctx, instanceID)
		if err != nil {
			return err
		}
		if !instance.HasFailed(node.NodeID) {
			instance.FailedNodes = append(instance.FailedNodes, node.NodeID)
		}
		return t.stores.Instances.Update(ctx, instance, t.engineID)
	})
}

// CancelNodes force-moves every named node to cancelled; already-terminal
// nodes are untouched.
func (t *Transitions) CancelNodes(ctx context.Context, instanceID string, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	return t.stores.Nodes.BatchUpdateStatus(ctx, instanceID, nodeIDs, workflow.NodeCancelled)
}
