// Package memstore is the in-memory implementation of the persistence
// contracts. It backs tests and single-node runs; semantics mirror the
// postgres driver, including lease CAS and write-once terminal states.
package memstore

import (
	"maps"
	"sync"
	"time"

	"loom/internal/queue"
	"loom/internal/scheduler"
	"loom/internal/store"
	"loom/internal/workflow"
)

// Store holds every table behind one mutex. Individual repos are views over
// the same state so cross-entity operations stay consistent.
type Store struct {
	mu sync.RWMutex

	definitions map[string]map[int]*workflow.Definition
	instances   map[string]*workflow.Instance
	byExternal  map[string]string
	nodes       map[string]map[string]*workflow.TaskNode

	schedules  map[string]scheduler.Schedule
	executions []scheduler.Execution

	jobs           map[string]*queue.Job
	groups         map[string]*queue.Group
	successArchive []*queue.Job
	failureArchive []*queue.Job

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		definitions: make(map[string]map[int]*workflow.Definition),
		instances:   make(map[string]*workflow.Instance),
		byExternal:  make(map[string]string),
		nodes:       make(map[string]map[string]*workflow.TaskNode),
		schedules:   make(map[string]scheduler.Schedule),
		jobs:        make(map[string]*queue.Job),
		groups:      make(map[string]*queue.Group),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock injects a deterministic clock. Test use only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Definitions returns the workflow definition repository view.
func (s *Store) Definitions() store.WorkflowDefinitionRepo { return &definitionRepo{s} }

// Instances returns the workflow instance repository view.
func (s *Store) Instances() store.WorkflowInstanceRepo { return &instanceRepo{s} }

// Nodes returns the task node repository view.
func (s *Store) Nodes() store.TaskNodeRepo { return &nodeRepo{s} }

// Schedules returns the schedule repository view.
func (s *Store) Schedules() scheduler.Repo { return &scheduleRepo{s} }

// Executions returns the schedule execution repository view.
func (s *Store) Executions() scheduler.ExecutionRepo { return &executionRepo{s} }

// Queue returns the durable queue repository view.
func (s *Store) Queue() queue.Repo { return &queueRepo{s} }

// Stores bundles the workflow repositories for engine wiring.
func (s *Store) Stores() store.Stores {
	return store.Stores{
		Definitions: s.Definitions(),
		Instances:   s.Instances(),
		Nodes:       s.Nodes(),
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneInstance(in *workflow.Instance) *workflow.Instance {
	if in == nil {
		return nil
	}
	out := *in
	out.InputData = cloneMap(in.InputData)
	out.ContextData = cloneMap(in.ContextData)
	out.OutputData = cloneMap(in.OutputData)
	out.CompletedNodes = cloneStrings(in.CompletedNodes)
	out.FailedNodes = cloneStrings(in.FailedNodes)
	if in.Error != nil {
		errCopy := *in.Error
		errCopy.Details = cloneMap(in.Error.Details)
		out.Error = &errCopy
	}
	return &out
}

func cloneNode(in *workflow.TaskNode) *workflow.TaskNode {
	if in == nil {
		return nil
	}
	out := *in
	out.ExecutorConfig = cloneMap(in.ExecutorConfig)
	out.InputData = cloneMap(in.InputData)
	out.OutputData = cloneMap(in.OutputData)
	out.Dependencies = cloneStrings(in.Dependencies)
	if in.Error != nil {
		errCopy := *in.Error
		errCopy.Details = cloneMap(in.Error.Details)
		out.Error = &errCopy
	}
	return &out
}

func cloneDefinition(in *workflow.Definition) *workflow.Definition {
	if in == nil {
		return nil
	}
	out := *in
	out.Tags = cloneStrings(in.Tags)
	return &out
}

func cloneJob(in *queue.Job) *queue.Job {
	if in == nil {
		return nil
	}
	out := *in
	out.Payload = cloneMap(in.Payload)
	out.Result = cloneMap(in.Result)
	return &out
}
