package engine_test

import (
	"context"
	"testing"
	"time"

	"loom/internal/engine"
	"loom/internal/store/memstore"
	"loom/internal/workflow"
)

func completedNode(id string, output map[string]any, at time.Time) *workflow.TaskNode {
	return &workflow.TaskNode{
		NodeID:      id,
		Status:      workflow.NodeCompleted,
		OutputData:  output,
		CompletedAt: at,
	}
}

func TestBuildVarsModes(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	instance := &workflow.Instance{
		ID:          "inst-1",
		InputData:   map[string]any{"who": "world"},
		ContextData: map[string]any{"tenant": "t1"},
	}
	node := &workflow.TaskNode{
		NodeID:       "c",
		InputData:    map[string]any{"local": 1},
		Dependencies: []string{"b"},
	}
	all := []*workflow.TaskNode{
		completedNode("a", map[string]any{"step": "a"}, base),
		completedNode("b", map[string]any{"step": "b"}, base.Add(time.Second)),
		{NodeID: "d", Status: workflow.NodeRunning},
		node,
	}

	direct := engine.BuildVars(instance, node, all, engine.VarsDirect)
	nodes := direct["nodes"].(map[string]any)
	if len(nodes) != 1 {
		t.Fatalf("direct mode exposed %d nodes, want 1", len(nodes))
	}
	if _, ok := nodes["b"]; !ok {
		t.Fatal("direct mode missing the direct predecessor")
	}
	prev := direct["previousNodeOutput"].(map[string]any)
	if prev["step"] != "b" {
		t.Fatalf("previousNodeOutput = %v, want b's", prev)
	}

	allMode := engine.BuildVars(instance, node, all, engine.VarsAllCompleted)
	nodes = allMode["nodes"].(map[string]any)
	if len(nodes) != 2 {
		t.Fatalf("all mode exposed %d nodes, want 2", len(nodes))
	}

	// Fresh value each call: mutations must not leak back.
	direct["input"].(map[string]any)["who"] = "mutated"
	if instance.InputData["who"] != "world" {
		t.Fatal("BuildVars aliased instance input")
	}
	again := engine.BuildVars(instance, node, all, engine.VarsDirect)
	if again["input"].(map[string]any)["who"] != "world" {
		t.Fatal("mutation leaked into a later build")
	}
}

func TestFlattenAndLookup(t *testing.T) {
	vars := map[string]any{
		"input": map[string]any{"order": map[string]any{"id": 42}},
		"flag":  true,
	}

	flat := engine.Flatten(vars)
	if flat["input.order.id"] != 42 {
		t.Fatalf("flat = %v", flat)
	}
	if flat["flag"] != true {
		t.Fatalf("scalar lost in flatten: %v", flat)
	}

	v, ok := engine.Lookup(vars, "input.order.id")
	if !ok || v != 42 {
		t.Fatalf("Lookup = (%v, %v)", v, ok)
	}
	if _, ok := engine.Lookup(vars, "input.missing.id"); ok {
		t.Fatal("Lookup found a missing path")
	}
}

func TestTruthy(t *testing.T) {
	cases := []struct {
		v    any
		ok   bool
		want bool
	}{
		{nil, false, false},
		{nil, true, false},
		{false, true, false},
		{true, true, true},
		{"", true, false},
		{"yes", true, true},
		{0, true, false},
		{3, true, true},
		{float64(0), true, false},
		{0.5, true, true},
	}
	for _, tc := range cases {
		if got := engine.Truthy(tc.v, tc.ok); got != tc.want {
			t.Errorf("Truthy(%v, %v) = %v, want %v", tc.v, tc.ok, got, tc.want)
		}
	}
}

func TestResolverKeepsParallelGroupsTogether(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	nodes := []*workflow.TaskNode{
		{InstanceID: "inst-1", NodeID: "solo", ExecutorName: "echo", Status: workflow.NodePending, Priority: 10},
		{InstanceID: "inst-1", NodeID: "fan-1", ExecutorName: "echo", Status: workflow.NodePending, ParallelGroupID: "fan", Priority: 5},
		{InstanceID: "inst-1", NodeID: "fan-2", ExecutorName: "echo", Status: workflow.NodePending, ParallelGroupID: "fan", Priority: 5},
		{InstanceID: "inst-1", NodeID: "fan-3", ExecutorName: "echo", Status: workflow.NodePending, ParallelGroupID: "fan", Priority: 5},
	}
	if err := s.Nodes().CreateBatch(ctx, nodes); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	r := engine.NewResolver(s.Nodes(), nil)
	instance := &workflow.Instance{ID: "inst-1"}

	ready, err := r.Ready(ctx, instance, 2)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	// Cutting at 2 would split the fan group; the whole group comes along.
	ids := make(map[string]bool, len(ready))
	for _, node := range ready {
		ids[node.NodeID] = true
	}
	if len(ready) != 4 || !ids["fan-3"] {
		t.Fatalf("ready = %v, want solo plus the whole fan group", ids)
	}
	if ready[0].NodeID != "solo" {
		t.Fatalf("ordering: first = %s, want highest priority", ready[0].NodeID)
	}
}
