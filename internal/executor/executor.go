// Package executor defines the contract between the engine and the pluggable
// code units it dispatches, plus the process-scope registry that resolves
// them by name and version.
package executor

import (
	"context"

	"loom/internal/logging"
	"loom/internal/workflow"
)

// Result is what an executor reports back. Success=false is a business
// failure subject to the node's retry budget; Error carries the reason.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Validation is the outcome of checking an executor config.
type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Health is the coarse health classification an executor may report.
type Health string

const (
	Healthy   Health = "healthy"
	Unhealthy Health = "unhealthy"
	Unknown   Health = "unknown"
)

// ProgressFunc lets executors report forward progress. Implementations must
// be safe to call from the executor's goroutine.
type ProgressFunc func(percent int, message string)

// Context carries everything an executor may read while running. Views are
// copies; mutating them has no effect on engine state. Cancellation arrives
// through the context.Context passed to Execute.
type Context struct {
	Instance *workflow.Instance // read-only view, nil for queue jobs
	Node     *workflow.TaskNode // read-only view, nil for queue jobs
	Config   map[string]any     // merged executor config
	Vars     map[string]any     // variable view built by the engine
	Payload  map[string]any     // queue job payload, nil for workflow nodes
	Progress ProgressFunc
	Logger   logging.Logger
}

// Executor is a named code unit invoked by the engine dispatcher or the
// queue processor.
type Executor interface {
	Name() string
	Version() string
	Validate(config map[string]any) Validation
	Execute(ctx context.Context, ec *Context) Result
}

// HealthChecker is optionally implemented by executors that can self-report.
type HealthChecker interface {
	HealthCheck() Health
}
