package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"loom/internal/engine"
	"loom/internal/errs"
	"loom/internal/executor"
	"loom/internal/metrics"
	"loom/internal/store"
	"loom/internal/store/memstore"
	"loom/internal/workflow"
)

type fakeExecutor struct {
	name     string
	version  string
	validate func(config map[string]any) executor.Validation
	fn       func(ctx context.Context, ec *executor.Context) executor.Result
}

func (f *fakeExecutor) Name() string    { return f.name }
func (f *fakeExecutor) Version() string { return f.version }
func (f *fakeExecutor) Validate(config map[string]any) executor.Validation {
	if f.validate != nil {
		return f.validate(config)
	}
	return executor.Validation{Valid: true}
}
func (f *fakeExecutor) Execute(ctx context.Context, ec *executor.Context) executor.Result {
	return f.fn(ctx, ec)
}

type harness struct {
	store *memstore.Store
	reg   *executor.Registry
	man   *engine.Manager
	disp  *engine.Dispatcher
}

func newHarness(t *testing.T, engineID string, retry engine.RetryPolicy) *harness {
	t.Helper()
	return newHarnessOn(t, memstore.New(), engineID, retry)
}

// newHarnessOn builds an engine on a shared store, so tests can run several
// engines against the same state.
func newHarnessOn(t *testing.T, s *memstore.Store, engineID string, retry engine.RetryPolicy) *harness {
	t.Helper()
	reg := executor.NewRegistry(nil)
	mets := metrics.New(prometheus.NewRegistry())

	man, err := engine.NewManager(s.Stores(), engine.ManagerOptions{
		EngineID:          engineID,
		LeaseTTL:          time.Minute,
		HeartbeatInterval: 10 * time.Second,
		Registry:          reg,
	}, mets, nil)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	resolver := engine.NewResolver(s.Nodes(), nil)
	trans := engine.NewTransitions(s.Stores(), engineID, retry, nil)
	disp := engine.NewDispatcher(engine.DispatcherConfig{
		Concurrency:       4,
		IdleTick:          time.Millisecond,
		BusyTick:          time.Millisecond,
		ScanLimit:         16,
		GracePeriod:       20 * time.Millisecond,
		HeartbeatInterval: time.Millisecond,
	}, man, resolver, trans, reg, s.Stores(), mets, nil)

	return &harness{store: s, reg: reg, man: man, disp: disp}
}

func (h *harness) register(t *testing.T, ex executor.Executor) {
	t.Helper()
	if err := h.reg.Register(ex); err != nil {
		t.Fatalf("register %s: %v", ex.Name(), err)
	}
}

func (h *harness) createDefinition(t *testing.T, name string, spec workflow.Spec) {
	t.Helper()
	def := &workflow.Definition{Name: name, Version: 1, Spec: spec}
	if err := h.store.Definitions().Create(context.Background(), def); err != nil {
		t.Fatalf("create definition: %v", err)
	}
}

func (h *harness) start(t *testing.T, name string, opts workflow.InstanceOptions) *workflow.Instance {
	t.Helper()
	instance, err := h.man.CreateInstance(context.Background(), name, 1, opts)
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return instance
}

func (h *harness) instance(t *testing.T, id string) *workflow.Instance {
	t.Helper()
	instance, err := h.store.Instances().FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("find instance: %v", err)
	}
	return instance
}

// runUntil drives dispatch ticks until cond holds or the deadline passes.
func (h *harness) runUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := h.disp.Tick(context.Background()); err != nil {
			t.Fatalf("tick: %v", err)
		}
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func (h *harness) runToTerminal(t *testing.T, id string) *workflow.Instance {
	t.Helper()
	h.runUntil(t, func() bool { return h.instance(t, id).Status.IsTerminal() })
	return h.instance(t, id)
}

func echoExecutor() *fakeExecutor {
	return &fakeExecutor{name: "echo", version: "1.0.0", fn: func(_ context.Context, ec *executor.Context) executor.Result {
		return executor.Result{Success: true, Data: map[string]any{"node": ec.Node.NodeID}}
	}}
}

func linearSpec() workflow.Spec {
	return workflow.Spec{
		Nodes: []workflow.NodeSpec{
			{ID: "a", Executor: "echo"},
			{ID: "b", Executor: "echo"},
			{ID: "c", Executor: "echo"},
		},
		Edges: []workflow.EdgeSpec{{From: "a", To: "b"}, {From: "b", To: "c"}},
	}
}

func TestLinearWorkflowRunsToCompletion(t *testing.T) {
	h := newHarness(t, "engine-a", engine.RetryPolicy{Base: time.Millisecond, Multiplier: 2})

	var mu sync.Mutex
	seen := make(map[string]map[string]any)
	h.register(t, &fakeExecutor{name: "echo", version: "1.0.0", fn: func(_ context.Context, ec *executor.Context) executor.Result {
		mu.Lock()
		seen[ec.Node.NodeID] = ec.Vars
		mu.Unlock()
		return executor.Result{Success: true, Data: map[string]any{"node": ec.Node.NodeID}}
	}})
	h.createDefinition(t, "linear", linearSpec())

	created := h.start(t, "linear", workflow.InstanceOptions{Input: map[string]any{"who": "world"}})
	got := h.runToTerminal(t, created.ID)

	if got.Status != workflow.InstanceCompleted {
		t.Fatalf("status = %s, want completed (error: %+v)", got.Status, got.Error)
	}
	if len(got.CompletedNodes) != 3 {
		t.Fatalf("completed nodes = %v, want 3", got.CompletedNodes)
	}
	if got.OutputData["node"] != "c" {
		t.Fatalf("output = %v, want terminal node's output", got.OutputData)
	}

	mu.Lock()
	defer mu.Unlock()
	bVars := seen["b"]
	if bVars == nil {
		t.Fatal("node b never executed")
	}
	if input, _ := bVars["input"].(map[string]any); input["who"] != "world" {
		t.Fatalf("node b input view = %v", bVars["input"])
	}
	prev, _ := bVars["previousNodeOutput"].(map[string]any)
	if prev["node"] != "a" {
		t.Fatalf("node b previousNodeOutput = %v, want a's output", prev)
	}
}

func TestNodeRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, "engine-a", engine.RetryPolicy{Base: time.Millisecond, Multiplier: 2})

	var mu sync.Mutex
	calls := 0
	h.register(t, &fakeExecutor{name: "flaky", version: "1.0.0", fn: func(context.Context, *executor.Context) executor.Result {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return executor.Result{Success: false, Error: "not yet"}
		}
		return executor.Result{Success: true}
	}})
	h.createDefinition(t, "flaky-flow", workflow.Spec{
		Nodes: []workflow.NodeSpec{{ID: "only", Executor: "flaky", MaxRetries: 3}},
	})

	created := h.start(t, "flaky-flow", workflow.InstanceOptions{})
	got := h.runToTerminal(t, created.ID)

	if got.Status != workflow.InstanceCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	node, err := h.store.Nodes().FindByNode(context.Background(), created.ID, "only")
	if err != nil {
		t.Fatalf("find node: %v", err)
	}
	if node.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", node.RetryCount)
	}
}

func TestRetryExhaustionFailsInstance(t *testing.T) {
	h := newHarness(t, "engine-a", engine.RetryPolicy{Base: time.Millisecond, Multiplier: 2})
	h.register(t, &fakeExecutor{name: "doomed", version: "1.0.0", fn: func(context.Context, *executor.Context) executor.Result {
		return executor.Result{Success: false, Error: "permanent damage"}
	}})
	h.createDefinition(t, "doomed-flow", workflow.Spec{
		Nodes: []workflow.NodeSpec{{ID: "only", Executor: "doomed", MaxRetries: 1}},
	})

	created := h.start(t, "doomed-flow", workflow.InstanceOptions{})
	got := h.runToTerminal(t, created.ID)

	if got.Status != workflow.InstanceFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error == nil || got.Error.Message != "permanent damage" {
		t.Fatalf("error = %+v, want the node failure", got.Error)
	}
	if len(got.FailedNodes) != 1 || got.FailedNodes[0] != "only" {
		t.Fatalf("failed nodes = %v", got.FailedNodes)
	}
}

func TestMissingExecutorIsFatal(t *testing.T) {
	h := newHarness(t, "engine-a", engine.RetryPolicy{Base: time.Millisecond, Multiplier: 2})
	h.createDefinition(t, "ghost-flow", workflow.Spec{
		Nodes: []workflow.NodeSpec{{ID: "only", Executor: "nobody", MaxRetries: 5}},
	})

	created := h.start(t, "ghost-flow", workflow.InstanceOptions{})
	got := h.runToTerminal(t, created.ID)

	if got.Status != workflow.InstanceFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	node, _ := h.store.Nodes().FindByNode(context.Background(), created.ID, "only")
	if node.RetryCount != 0 {
		t.Fatalf("missing executor consumed retries: %d", node.RetryCount)
	}
	if node.Error == nil || node.Error.Kind != "fatal" {
		t.Fatalf("node error = %+v, want fatal", node.Error)
	}
}

func TestBranchGuardSkipsSubtree(t *testing.T) {
	h := newHarness(t, "engine-a", engine.RetryPolicy{Base: time.Millisecond, Multiplier: 2})
	h.register(t, &fakeExecutor{name: "emit", version: "1.0.0", fn: func(context.Context, *executor.Context) executor.Result {
		return executor.Result{Success: true, Data: map[string]any{"flag": false}}
	}})
	h.createDefinition(t, "branchy", workflow.Spec{
		Nodes: []workflow.NodeSpec{
			{ID: "a", Executor: "emit"},
			{ID: "b", Executor: "emit", Type: workflow.NodeBranch, Guard: "nodes.a.output.flag"},
			{ID: "c", Executor: "emit"},
		},
		Edges: []workflow.EdgeSpec{{From: "a", To: "b"}, {From: "b", To: "c"}},
	})

	created := h.start(t, "branchy", workflow.InstanceOptions{})
	got := h.runToTerminal(t, created.ID)

	if got.Status != workflow.InstanceCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	b, _ := h.store.Nodes().FindByNode(context.Background(), created.ID, "b")
	c, _ := h.store.Nodes().FindByNode(context.Background(), created.ID, "c")
	if b.Status != workflow.NodeSkipped {
		t.Fatalf("branch node = %s, want skipped", b.Status)
	}
	if c.Status != workflow.NodeSkipped {
		t.Fatalf("downstream of skipped branch = %s, want skipped", c.Status)
	}
	if len(got.CompletedNodes) != 1 || got.CompletedNodes[0] != "a" {
		t.Fatalf("completed nodes = %v, want just a", got.CompletedNodes)
	}
}

func TestNodeTimeoutIsRetryable(t *testing.T) {
	h := newHarness(t, "engine-a", engine.RetryPolicy{Base: time.Millisecond, Multiplier: 2})
	h.register(t, &fakeExecutor{name: "sleepy", version: "1.0.0", fn: func(ctx context.Context, _ *executor.Context) executor.Result {
		select {
		case <-ctx.Done():
			return executor.Result{Success: false, Error: "cancelled"}
		case <-time.After(time.Second):
			return executor.Result{Success: true}
		}
	}})
	h.createDefinition(t, "sleepy-flow", workflow.Spec{
		Nodes: []workflow.NodeSpec{{ID: "only", Executor: "sleepy", Timeout: 10 * time.Millisecond, MaxRetries: 0}},
	})

	created := h.start(t, "sleepy-flow", workflow.InstanceOptions{})
	got := h.runToTerminal(t, created.ID)

	if got.Status != workflow.InstanceFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error == nil || got.Error.Kind != "timeout" {
		t.Fatalf("error = %+v, want timeout kind", got.Error)
	}
}

func TestMutexKeySerializesInstances(t *testing.T) {
	h := newHarness(t, "engine-a", engine.RetryPolicy{Base: time.Millisecond, Multiplier: 2})

	var mu sync.Mutex
	active, maxActive := 0, 0
	h.register(t, &fakeExecutor{name: "slow", version: "1.0.0", fn: func(context.Context, *executor.Context) executor.Result {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return executor.Result{Success: true}
	}})
	h.createDefinition(t, "serial", workflow.Spec{
		Nodes: []workflow.NodeSpec{{ID: "only", Executor: "slow"}},
	})

	first := h.start(t, "serial", workflow.InstanceOptions{MutexKey: "tenant-1"})
	second := h.start(t, "serial", workflow.InstanceOptions{MutexKey: "tenant-1"})

	h.runUntil(t, func() bool {
		return h.instance(t, first.ID).Status.IsTerminal() && h.instance(t, second.ID).Status.IsTerminal()
	})

	if s := h.instance(t, first.ID).Status; s != workflow.InstanceCompleted {
		t.Fatalf("first = %s, want completed", s)
	}
	if s := h.instance(t, second.ID).Status; s != workflow.InstanceCompleted {
		t.Fatalf("second = %s, want completed", s)
	}
	mu.Lock()
	defer mu.Unlock()
	if maxActive != 1 {
		t.Fatalf("max concurrent executions under one mutex key = %d, want 1", maxActive)
	}
}

func TestLeaseTakeoverKeepsNodeState(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return current })

	mets := metrics.New(prometheus.NewRegistry())
	manA, err := engine.NewManager(s.Stores(), engine.ManagerOptions{EngineID: "engine-a", LeaseTTL: time.Minute, HeartbeatInterval: 10 * time.Second}, mets, nil)
	if err != nil {
		t.Fatalf("manager a: %v", err)
	}
	manB, err := engine.NewManager(s.Stores(), engine.ManagerOptions{EngineID: "engine-b", LeaseTTL: time.Minute, HeartbeatInterval: 10 * time.Second}, mets, nil)
	if err != nil {
		t.Fatalf("manager b: %v", err)
	}

	def := &workflow.Definition{Name: "wf", Version: 1, Spec: linearSpec()}
	if err := s.Definitions().Create(ctx, def); err != nil {
		t.Fatalf("create definition: %v", err)
	}
	instance, err := manA.CreateInstance(ctx, "wf", 1, workflow.InstanceOptions{})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}

	if n, err := manA.ClaimDue(ctx, 10); err != nil || n != 1 {
		t.Fatalf("engine-a claim = (%d, %v), want 1", n, err)
	}
	// Mark one node running so takeover has state to preserve.
	if ok, _ := s.Nodes().AcquireLease(ctx, instance.ID, "a", "engine-a"); !ok {
		t.Fatal("node lease failed")
	}

	// Engine A dies; its lease goes stale.
	current = current.Add(2 * time.Minute)
	if n, err := manB.ClaimDue(ctx, 10); err != nil || n != 1 {
		t.Fatalf("engine-b reclaim = (%d, %v), want 1", n, err)
	}

	got, _ := s.Instances().FindByID(ctx, instance.ID)
	if got.LockOwner != "engine-b" || got.Status != workflow.InstanceRunning {
		t.Fatalf("instance = (%s, %s), want running under engine-b", got.Status, got.LockOwner)
	}
	node, _ := s.Nodes().FindByNode(ctx, instance.ID, "a")
	if node.Status != workflow.NodeRunning {
		t.Fatalf("reclaim reset node state to %s", node.Status)
	}
}

func TestNodeOrphanedByCrashedEngineIsRerun(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return current })

	a := newHarnessOn(t, s, "engine-a", engine.RetryPolicy{Base: time.Millisecond, Multiplier: 2})
	a.createDefinition(t, "wf", linearSpec())
	created := a.start(t, "wf", workflow.InstanceOptions{})

	if n, err := a.man.ClaimDue(ctx, 10); err != nil || n != 1 {
		t.Fatalf("engine-a claim = (%d, %v), want 1", n, err)
	}
	// Engine A wins node a, then dies before its executor reports back.
	if ok, _ := s.Nodes().AcquireLease(ctx, created.ID, "a", "engine-a"); !ok {
		t.Fatal("node lease failed")
	}

	current = current.Add(10 * time.Minute)

	b := newHarnessOn(t, s, "engine-b", engine.RetryPolicy{Base: time.Millisecond, Multiplier: 2})
	b.register(t, echoExecutor())
	got := b.runToTerminal(t, created.ID)

	if got.Status != workflow.InstanceCompleted {
		t.Fatalf("status = %s, want completed (error: %+v)", got.Status, got.Error)
	}
	node, err := s.Nodes().FindByNode(ctx, created.ID, "a")
	if err != nil {
		t.Fatalf("find node: %v", err)
	}
	if node.Status != workflow.NodeCompleted {
		t.Fatalf("orphaned node = %s, want completed under the new engine", node.Status)
	}
	if node.RetryCount != 0 {
		t.Fatalf("reclaim consumed retry budget: %d", node.RetryCount)
	}
}

func TestCancelStopsInFlightExecutor(t *testing.T) {
	h := newHarness(t, "engine-a", engine.RetryPolicy{Base: time.Millisecond, Multiplier: 2})
	ctx := context.Background()

	running := make(chan struct{}, 1)
	stopped := make(chan struct{})
	h.register(t, &fakeExecutor{name: "hang", version: "1.0.0", fn: func(ctx context.Context, _ *executor.Context) executor.Result {
		running <- struct{}{}
		<-ctx.Done()
		close(stopped)
		return executor.Result{Success: false, Error: "interrupted"}
	}})
	h.createDefinition(t, "hang-flow", workflow.Spec{
		Nodes: []workflow.NodeSpec{{ID: "only", Executor: "hang"}},
	})

	created := h.start(t, "hang-flow", workflow.InstanceOptions{})
	h.runUntil(t, func() bool {
		select {
		case <-running:
			return true
		default:
			return false
		}
	})

	if err := h.man.Cancel(ctx, created.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("executor context not cancelled after instance cancel")
	}

	node, _ := h.store.Nodes().FindByNode(ctx, created.ID, "only")
	if node.Status != workflow.NodeCancelled {
		t.Fatalf("node = %s, want cancelled", node.Status)
	}
	// The abandoned result must not resurrect the instance.
	for i := 0; i < 5; i++ {
		if _, err := h.disp.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if got := h.instance(t, created.ID); got.Status != workflow.InstanceCancelled {
		t.Fatalf("instance = %s, want cancelled", got.Status)
	}
}

type flakyNodeRepo struct {
	store.TaskNodeRepo
	mu       sync.Mutex
	failures int
}

func (f *flakyNodeRepo) Update(ctx context.Context, node *workflow.TaskNode, engineID string) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errs.Transient("store hiccup")
	}
	f.mu.Unlock()
	return f.TaskNodeRepo.Update(ctx, node, engineID)
}

func TestTransientStoreWritesAreRetried(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	def := &workflow.Definition{Name: "wf", Version: 1, Spec: workflow.Spec{
		Nodes: []workflow.NodeSpec{{ID: "only", Executor: "echo"}},
	}}
	if err := s.Definitions().Create(ctx, def); err != nil {
		t.Fatalf("create definition: %v", err)
	}
	man, err := engine.NewManager(s.Stores(), engine.ManagerOptions{
		EngineID: "engine-a", LeaseTTL: time.Minute, HeartbeatInterval: time.Second,
	}, metrics.New(prometheus.NewRegistry()), nil)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	instance, err := man.CreateInstance(ctx, "wf", 1, workflow.InstanceOptions{})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if n, err := man.ClaimDue(ctx, 10); err != nil || n != 1 {
		t.Fatalf("claim = (%d, %v), want 1", n, err)
	}
	if ok, _ := s.Nodes().AcquireLease(ctx, instance.ID, "only", "engine-a"); !ok {
		t.Fatal("node lease failed")
	}
	node, err := s.Nodes().FindByNode(ctx, instance.ID, "only")
	if err != nil {
		t.Fatalf("find node: %v", err)
	}

	stores := s.Stores()
	stores.Nodes = &flakyNodeRepo{TaskNodeRepo: s.Nodes(), failures: 2}
	trans := engine.NewTransitions(stores, "engine-a", engine.RetryPolicy{Base: time.Millisecond, Multiplier: 2}, nil)

	if err := trans.Complete(ctx, instance.ID, node, map[string]any{"ok": true}); err != nil {
		t.Fatalf("complete despite transient store errors: %v", err)
	}
	got, _ := s.Nodes().FindByNode(ctx, instance.ID, "only")
	if got.Status != workflow.NodeCompleted {
		t.Fatalf("node = %s, want completed", got.Status)
	}
	inst, _ := s.Instances().FindByID(ctx, instance.ID)
	if len(inst.CompletedNodes) != 1 || inst.CompletedNodes[0] != "only" {
		t.Fatalf("completed nodes = %v, want [only]", inst.CompletedNodes)
	}
}

func TestCreateInstanceValidatesExecutorConfig(t *testing.T) {
	h := newHarness(t, "engine-a", engine.RetryPolicy{Base: time.Millisecond, Multiplier: 2})
	ctx := context.Background()
	h.register(t, &fakeExecutor{name: "fetch", version: "1.0.0",
		validate: func(config map[string]any) executor.Validation {
			if _, ok := config["url"]; !ok {
				return executor.Validation{Errors: []string{"url is required"}}
			}
			return executor.Validation{Valid: true}
		},
		fn: func(context.Context, *executor.Context) executor.Result {
			return executor.Result{Success: true}
		}})

	h.createDefinition(t, "bad", workflow.Spec{
		Nodes: []workflow.NodeSpec{{ID: "only", Executor: "fetch"}},
	})
	if _, err := h.man.CreateInstance(ctx, "bad", 1, workflow.InstanceOptions{}); !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("create with rejected config = %v, want validation error", err)
	}

	h.createDefinition(t, "good", workflow.Spec{
		Nodes: []workflow.NodeSpec{{ID: "only", Executor: "fetch", Config: map[string]any{"url": "https://example.com"}}},
	})
	if _, err := h.man.CreateInstance(ctx, "good", 1, workflow.InstanceOptions{}); err != nil {
		t.Fatalf("create with accepted config: %v", err)
	}

	// Executors served by another engine are not validated here.
	h.createDefinition(t, "remote", workflow.Spec{
		Nodes: []workflow.NodeSpec{{ID: "only", Executor: "elsewhere"}},
	})
	if _, err := h.man.CreateInstance(ctx, "remote", 1, workflow.InstanceOptions{}); err != nil {
		t.Fatalf("unregistered executor blocked creation: %v", err)
	}
}

func TestPauseStopsDispatchUntilResume(t *testing.T) {
	h := newHarness(t, "engine-a", engine.RetryPolicy{Base: time.Millisecond, Multiplier: 2})
	h.register(t, echoExecutor())
	h.createDefinition(t, "pausable", linearSpec())
	ctx := context.Background()

	created := h.start(t, "pausable", workflow.InstanceOptions{})
	h.runUntil(t, func() bool { return h.instance(t, created.ID).Status == workflow.InstanceRunning })
	if err := h.man.Pause(ctx, created.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := h.disp.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if s := h.instance(t, created.ID).Status; s != workflow.InstancePaused {
		t.Fatalf("status after pause = %s", s)
	}

	if err := h.man.Resume(ctx, created.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got := h.runToTerminal(t, created.ID)
	if got.Status != workflow.InstanceCompleted {
		t.Fatalf("status = %s, want completed after resume", got.Status)
	}
}

func TestCancelCascadesToNodes(t *testing.T) {
	h := newHarness(t, "engine-a", engine.RetryPolicy{Base: time.Millisecond, Multiplier: 2})
	h.register(t, echoExecutor())
	h.createDefinition(t, "cancellable", linearSpec())
	ctx := context.Background()

	created := h.start(t, "cancellable", workflow.InstanceOptions{})
	if err := h.man.Cancel(ctx, created.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got := h.instance(t, created.ID)
	if got.Status != workflow.InstanceCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	nodes, _ := h.store.Nodes().ListByInstance(ctx, created.ID)
	for _, node := range nodes {
		if node.Status != workflow.NodeCancelled {
			t.Fatalf("node %s = %s, want cancelled", node.NodeID, node.Status)
		}
	}
	// Terminal: a second cancel is rejected.
	if err := h.man.Cancel(ctx, created.ID); err == nil {
		t.Fatal("cancel of a terminal instance succeeded")
	}
}

func TestRetryPolicyDelayCaps(t *testing.T) {
	p := engine.RetryPolicy{Base: time.Second, Multiplier: 2, Max: 10 * time.Second}
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.retry); got != tc.want {
			t.Errorf("Delay(%d) = %s, want %s", tc.retry, got, tc.want)
		}
	}
}
