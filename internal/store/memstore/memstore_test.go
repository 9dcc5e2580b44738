package memstore

import (
	"context"
	"testing"
	"time"

	"loom/internal/errs"
	"loom/internal/queue"
	"loom/internal/workflow"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestStore(clock *testClock) *Store {
	s := New()
	s.SetClock(clock.Now)
	return s
}

func linearDefinition(name string) *workflow.Definition {
	return &workflow.Definition{
		Name:    name,
		Version: 1,
		Spec: workflow.Spec{
			Nodes: []workflow.NodeSpec{
				{ID: "a", Executor: "echo"},
				{ID: "b", Executor: "echo"},
			},
			Edges: []workflow.EdgeSpec{{From: "a", To: "b"}},
		},
	}
}

func seedInstance(t *testing.T, s *Store, id string, mutate func(*workflow.Instance)) *workflow.Instance {
	t.Helper()
	instance := &workflow.Instance{
		ID:         id,
		Definition: workflow.Ref{Name: "wf", Version: 1},
		Status:     workflow.InstancePending,
		CreatedAt:  time.Now(),
	}
	if mutate != nil {
		mutate(instance)
	}
	if err := s.Instances().Create(context.Background(), instance); err != nil {
		t.Fatalf("create instance %s: %v", id, err)
	}
	return instance
}

func TestDefinitionActivateDeactivatesSiblings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(newTestClock())
	repo := s.Definitions()

	for v := 1; v <= 3; v++ {
		def := linearDefinition("order-flow")
		def.Version = v
		if err := repo.Create(ctx, def); err != nil {
			t.Fatalf("create v%d: %v", v, err)
		}
	}

	if err := repo.Activate(ctx, "order-flow", 1); err != nil {
		t.Fatalf("activate v1: %v", err)
	}
	if err := repo.Activate(ctx, "order-flow", 3); err != nil {
		t.Fatalf("activate v3: %v", err)
	}

	active, err := repo.FindActiveByName(ctx, "order-flow")
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if active.Version != 3 {
		t.Fatalf("active version = %d, want 3", active.Version)
	}

	v1, err := repo.FindByNameAndVersion(ctx, "order-flow", 1)
	if err != nil {
		t.Fatalf("find v1: %v", err)
	}
	if v1.IsActive || v1.Status != workflow.DefinitionDeprecated {
		t.Fatalf("v1 = (active=%v, status=%s), want deprecated", v1.IsActive, v1.Status)
	}
}

func TestDefinitionCreateRejectsInvalidSpec(t *testing.T) {
	s := newTestStore(newTestClock())
	def := linearDefinition("broken")
	def.Spec.Edges = append(def.Spec.Edges, workflow.EdgeSpec{From: "b", To: "a"})

	err := s.Definitions().Create(context.Background(), def)
	if !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestInstanceLeaseCAS(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(clock)
	repo := s.Instances()
	seedInstance(t, s, "inst-1", nil)

	ok, err := repo.AcquireLease(ctx, "inst-1", "engine-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("engine-a acquire = (%v, %v), want success", ok, err)
	}
	ok, err = repo.AcquireLease(ctx, "inst-1", "engine-b", time.Minute)
	if err != nil || ok {
		t.Fatalf("engine-b acquire = (%v, %v), want contested failure", ok, err)
	}

	got, err := repo.FindByID(ctx, "inst-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != workflow.InstanceRunning || got.LockOwner != "engine-a" {
		t.Fatalf("instance = (%s, %s), want running under engine-a", got.Status, got.LockOwner)
	}
}

func TestInstanceLeaseTakeoverAfterExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(clock)
	repo := s.Instances()
	seedInstance(t, s, "inst-1", nil)

	if ok, _ := repo.AcquireLease(ctx, "inst-1", "engine-a", time.Minute); !ok {
		t.Fatal("initial acquire failed")
	}

	clock.Advance(30 * time.Second)
	if ok, _ := repo.AcquireLease(ctx, "inst-1", "engine-b", time.Minute); ok {
		t.Fatal("takeover succeeded while lease is fresh")
	}

	clock.Advance(45 * time.Second)
	ok, err := repo.AcquireLease(ctx, "inst-1", "engine-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("takeover after expiry = (%v, %v), want success", ok, err)
	}

	// The displaced owner can no longer heartbeat or write.
	if err := repo.Heartbeat(ctx, "inst-1", "engine-a"); !errs.IsKind(err, errs.KindLeaseLost) {
		t.Fatalf("stale heartbeat err = %v, want lease_lost", err)
	}
	got, _ := repo.FindByID(ctx, "inst-1")
	got.Status = workflow.InstanceCompleted
	if err := repo.Update(ctx, got, "engine-a"); !errs.IsKind(err, errs.KindLeaseLost) {
		t.Fatalf("stale update err = %v, want lease_lost", err)
	}
}

func TestInstanceTerminalWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(newTestClock())
	repo := s.Instances()
	seedInstance(t, s, "inst-1", nil)

	if ok, _ := repo.AcquireLease(ctx, "inst-1", "engine-a", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	got, _ := repo.FindByID(ctx, "inst-1")
	got.Status = workflow.InstanceCompleted
	if err := repo.Update(ctx, got, "engine-a"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ = repo.FindByID(ctx, "inst-1")
	if got.LockOwner != "" {
		t.Fatalf("terminal instance still locked by %q", got.LockOwner)
	}
	got.Status = workflow.InstanceFailed
	if err := repo.Update(ctx, got, "engine-a"); !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("second terminal write err = %v, want validation", err)
	}
}

func TestInstanceMutexAdmission(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(clock)
	repo := s.Instances()

	seedInstance(t, s, "inst-1", func(i *workflow.Instance) { i.MutexKey = "tenant-42" })
	seedInstance(t, s, "inst-2", func(i *workflow.Instance) { i.MutexKey = "tenant-42" })

	if ok, _ := repo.AcquireLease(ctx, "inst-1", "engine-a", time.Minute); !ok {
		t.Fatal("first acquire failed")
	}
	// Same key is already running; the second pending instance must wait.
	if ok, _ := repo.AcquireLease(ctx, "inst-2", "engine-a", time.Minute); ok {
		t.Fatal("mutex admission let two instances run concurrently")
	}
	// Reclaiming the holder's own expired lease is not a conflict.
	clock.Advance(2 * time.Minute)
	if ok, _ := repo.AcquireLease(ctx, "inst-1", "engine-b", time.Minute); !ok {
		t.Fatal("self-reclaim of the running holder was refused")
	}

	got, _ := repo.FindByID(ctx, "inst-1")
	got.Status = workflow.InstanceCompleted
	if err := repo.Update(ctx, got, "engine-b"); err != nil {
		t.Fatalf("complete holder: %v", err)
	}
	if ok, _ := repo.AcquireLease(ctx, "inst-2", "engine-a", time.Minute); !ok {
		t.Fatal("mutex key not released after holder completed")
	}

	n, err := repo.CountRunningByMutexKey(ctx, "tenant-42")
	if err != nil || n != 1 {
		t.Fatalf("running by mutex key = (%d, %v), want 1", n, err)
	}
}

func TestNodeLeaseAndTerminalWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(newTestClock())
	repo := s.Nodes()

	nodes := []*workflow.TaskNode{
		{InstanceID: "inst-1", NodeID: "a", ExecutorName: "echo", Status: workflow.NodePending},
		{InstanceID: "inst-1", NodeID: "b", ExecutorName: "echo", Status: workflow.NodePending, Dependencies: []string{"a"}},
	}
	if err := repo.CreateBatch(ctx, nodes); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	executable, err := repo.FindExecutable(ctx, "inst-1", 10)
	if err != nil {
		t.Fatalf("find executable: %v", err)
	}
	if len(executable) != 1 || executable[0].NodeID != "a" {
		t.Fatalf("executable = %v, want just a", executable)
	}

	ok, err := repo.AcquireLease(ctx, "inst-1", "a", "engine-a")
	if err != nil || !ok {
		t.Fatalf("node acquire = (%v, %v), want success", ok, err)
	}
	if ok, _ := repo.AcquireLease(ctx, "inst-1", "a", "engine-b"); ok {
		t.Fatal("node double-claimed")
	}

	node, _ := repo.FindByNode(ctx, "inst-1", "a")
	node.Status = workflow.NodeCompleted
	if err := repo.Update(ctx, node, "engine-a"); err != nil {
		t.Fatalf("complete node: %v", err)
	}
	node, _ = repo.FindByNode(ctx, "inst-1", "a")
	node.Status = workflow.NodeFailed
	if err := repo.Update(ctx, node, "engine-a"); !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("terminal rewrite err = %v, want validation", err)
	}

	// a completed, so b unblocks.
	executable, _ = repo.FindExecutable(ctx, "inst-1", 10)
	if len(executable) != 1 || executable[0].NodeID != "b" {
		t.Fatalf("executable after a = %v, want just b", executable)
	}
}

func TestNodeBatchUpdateSkipsTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(newTestClock())
	repo := s.Nodes()

	nodes := []*workflow.TaskNode{
		{InstanceID: "inst-1", NodeID: "a", ExecutorName: "echo", Status: workflow.NodePending},
		{InstanceID: "inst-1", NodeID: "b", ExecutorName: "echo", Status: workflow.NodePending},
	}
	if err := repo.CreateBatch(ctx, nodes); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if ok, _ := repo.AcquireLease(ctx, "inst-1", "a", "engine-a"); !ok {
		t.Fatal("acquire a failed")
	}
	a, _ := repo.FindByNode(ctx, "inst-1", "a")
	a.Status = workflow.NodeCompleted
	if err := repo.Update(ctx, a, "engine-a"); err != nil {
		t.Fatalf("complete a: %v", err)
	}

	if err := repo.BatchUpdateStatus(ctx, "inst-1", []string{"a", "b"}, workflow.NodeCancelled); err != nil {
		t.Fatalf("batch cancel: %v", err)
	}
	a, _ = repo.FindByNode(ctx, "inst-1", "a")
	b, _ := repo.FindByNode(ctx, "inst-1", "b")
	if a.Status != workflow.NodeCompleted {
		t.Fatalf("completed node overwritten to %s", a.Status)
	}
	if b.Status != workflow.NodeCancelled {
		t.Fatalf("pending node = %s, want cancelled", b.Status)
	}
}

func TestQueueClaimAckLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(clock)
	repo := s.Queue()

	job := &queue.Job{ID: "job-1", QueueName: "default", ExecutorName: "echo", MaxAttempts: 3}
	if err := repo.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := repo.ClaimNext(ctx, "default", "worker-a", 5, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Attempts != 1 || claimed[0].Status != queue.JobExecuting {
		t.Fatalf("claimed = %+v, want one executing job with attempts=1", claimed)
	}

	if err := repo.Ack(ctx, "job-1", "worker-b", nil); !errs.IsKind(err, errs.KindLeaseLost) {
		t.Fatalf("foreign ack err = %v, want lease_lost", err)
	}
	if err := repo.Ack(ctx, "job-1", "worker-a", map[string]any{"ok": true}); err != nil {
		t.Fatalf("ack: %v", err)
	}

	depth, _ := repo.Depth(ctx, "default")
	if depth.Live() != 0 || depth.Archived.Success != 1 {
		t.Fatalf("depth after ack = %+v, want empty live and one success", depth)
	}
}

func TestQueueNackRetriesThenArchives(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(clock)
	repo := s.Queue()

	job := &queue.Job{ID: "job-1", QueueName: "default", ExecutorName: "flaky", MaxAttempts: 2}
	if err := repo.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Attempt 1: retryable failure goes back on the delayed shelf.
	if _, err := repo.ClaimNext(ctx, "default", "worker-a", 1, time.Minute); err != nil {
		t.Fatalf("claim 1: %v", err)
	}
	if err := repo.Nack(ctx, "job-1", "worker-a", "boom", true, 10*time.Second); err != nil {
		t.Fatalf("nack 1: %v", err)
	}
	depth, _ := repo.Depth(ctx, "default")
	if depth.Delayed != 1 {
		t.Fatalf("depth after retryable nack = %+v, want one delayed", depth)
	}
	if jobs, _ := repo.ClaimNext(ctx, "default", "worker-a", 1, time.Minute); len(jobs) != 0 {
		t.Fatal("delayed job claimed before its backoff elapsed")
	}

	// Attempt 2: budget exhausted, job lands in the failure archive.
	clock.Advance(11 * time.Second)
	claimed, _ := repo.ClaimNext(ctx, "default", "worker-a", 1, time.Minute)
	if len(claimed) != 1 || claimed[0].Attempts != 2 {
		t.Fatalf("claim 2 = %+v, want attempts=2", claimed)
	}
	if err := repo.Nack(ctx, "job-1", "worker-a", "boom again", true, 10*time.Second); err != nil {
		t.Fatalf("nack 2: %v", err)
	}

	depth, _ = repo.Depth(ctx, "default")
	if depth.Live() != 0 || depth.Archived.Failed != 1 {
		t.Fatalf("depth after exhaustion = %+v, want one failure", depth)
	}
	failures, _ := repo.ListArchivedFailures(ctx, "default", 10)
	if len(failures) != 1 || failures[0].Error != "boom again" {
		t.Fatalf("failures = %+v, want the final reason", failures)
	}
}

func TestQueueSweepReclaimsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(clock)
	repo := s.Queue()

	for _, id := range []string{"job-1", "job-2"} {
		if err := repo.Enqueue(ctx, &queue.Job{ID: id, QueueName: "default", ExecutorName: "echo", MaxAttempts: 3}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	if _, err := repo.ClaimNext(ctx, "default", "worker-a", 2, 30*time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.Heartbeat(ctx, "job-2", "worker-a", 5*time.Minute); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	clock.Advance(time.Minute)
	reclaimed, err := repo.Sweep(ctx, "default")
	if err != nil || reclaimed != 1 {
		t.Fatalf("sweep = (%d, %v), want 1 reclaimed", reclaimed, err)
	}

	// The swept job is claimable again; the heartbeated one is not.
	claimed, _ := repo.ClaimNext(ctx, "default", "worker-b", 5, time.Minute)
	if len(claimed) != 1 || claimed[0].ID != "job-1" || claimed[0].Attempts != 2 {
		t.Fatalf("claimed after sweep = %+v, want job-1 attempts=2", claimed)
	}
	if err := repo.Ack(ctx, "job-2", "worker-a", nil); err != nil {
		t.Fatalf("heartbeated job lost its lease: %v", err)
	}
}

func TestQueueGroupPauseGatesClaims(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(newTestClock())
	repo := s.Queue()

	if err := repo.Enqueue(ctx, &queue.Job{ID: "job-1", QueueName: "default", GroupID: "batch-7", ExecutorName: "echo", MaxAttempts: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := repo.SetGroupStatus(ctx, "default", "batch-7", queue.GroupPaused); err != nil {
		t.Fatalf("pause group: %v", err)
	}
	if jobs, _ := repo.ClaimNext(ctx, "default", "worker-a", 5, time.Minute); len(jobs) != 0 {
		t.Fatal("paused group's job was claimed")
	}

	if err := repo.SetGroupStatus(ctx, "default", "batch-7", queue.GroupActive); err != nil {
		t.Fatalf("resume group: %v", err)
	}
	claimed, _ := repo.ClaimNext(ctx, "default", "worker-a", 5, time.Minute)
	if len(claimed) != 1 {
		t.Fatal("resumed group's job not claimable")
	}
	if err := repo.Ack(ctx, "job-1", "worker-a", nil); err != nil {
		t.Fatalf("ack: %v", err)
	}

	group, err := repo.GetGroup(ctx, "default", "batch-7")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group.TotalJobs != 1 || group.CompletedJobs != 1 || group.FailedJobs != 0 {
		t.Fatalf("group accounting = %+v, want 1 total 1 completed", group)
	}
}

func TestQueueConservation(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(clock)
	repo := s.Queue()

	const total = 20
	for i := 0; i < total; i++ {
		id := string(rune('a'+i)) + "-job"
		delay := time.Duration(0)
		if i%4 == 0 {
			delay = time.Hour
		}
		job := &queue.Job{ID: id, QueueName: "default", ExecutorName: "echo", MaxAttempts: 1}
		if delay > 0 {
			job.DelayUntil = clock.Now().Add(delay)
		}
		if err := repo.Enqueue(ctx, job); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	claimed, err := repo.ClaimNext(ctx, "default", "worker-a", 6, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	for i, job := range claimed {
		if i%2 == 0 {
			err = repo.Ack(ctx, job.ID, "worker-a", nil)
		} else {
			err = repo.Nack(ctx, job.ID, "worker-a", "no", false, 0)
		}
		if err != nil {
			t.Fatalf("resolve %s: %v", job.ID, err)
		}
	}

	depth, err := repo.Depth(ctx, "default")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	accounted := depth.Live() + depth.Archived.Success + depth.Archived.Failed
	if accounted != total {
		t.Fatalf("conservation broken: %d accounted of %d enqueued (%+v)", accounted, total, depth)
	}
}
