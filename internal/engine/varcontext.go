// Package engine drives workflow instances: it claims leases, resolves ready
// nodes, builds their variable views, dispatches executors and applies the
// resulting state transitions.
package engine

import (
	"fmt"
	"strings"
	"time"

	"loom/internal/workflow"
)

// VarMode selects which upstream nodes feed a node's variable view.
type VarMode int

const (
	// VarsDirect exposes only the node's direct predecessors.
	VarsDirect VarMode = iota
	// VarsAllCompleted exposes every completed node of the instance.
	VarsAllCompleted
)

// BuildVars assembles the view an executor sees for node within instance.
// The result is a fresh value on every call; callers may mutate it freely
// without affecting engine state.
func BuildVars(instance *workflow.Instance, node *workflow.TaskNode, all []*workflow.TaskNode, mode VarMode) map[string]any {
	vars := map[string]any{
		"input":     copyMap(instance.InputData),
		"context":   copyMap(instance.ContextData),
		"nodeInput": copyMap(node.InputData),
	}

	direct := make(map[string]bool, len(node.Dependencies))
	for _, dep := range node.Dependencies {
		direct[dep] = true
	}

	nodes := make(map[string]any)
	var latest *workflow.TaskNode
	for _, other := range all {
		if other.Status != workflow.NodeCompleted {
			continue
		}
		if mode == VarsDirect && !direct[other.NodeID] {
			continue
		}
		nodes[other.NodeID] = map[string]any{
			"output":      copyMap(other.OutputData),
			"status":      string(other.Status),
			"completedAt": other.CompletedAt,
			"durationMs":  other.DurationMs,
		}
		if latest == nil || other.CompletedAt.After(latest.CompletedAt) {
			latest = other
		}
	}
	vars["nodes"] = nodes
	if latest != nil {
		vars["previousNodeOutput"] = copyMap(latest.OutputData)
	}
	return vars
}

// Flatten returns a dotted-key projection of vars for template-style access:
// {"a": {"b": 1}} becomes {"a.b": 1}. Leaves that are not maps keep their
// value; time values are kept as-is.
func Flatten(vars map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", vars)
	return out
}

func flattenInto(out map[string]any, prefix string, value any) {
	m, ok := value.(map[string]any)
	if !ok {
		out[prefix] = value
		return
	}
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		flattenInto(out, key, v)
	}
}

// Lookup walks a dotted path through nested maps.
func Lookup(vars map[string]any, path string) (any, bool) {
	var current any = vars
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Truthy reports how guard evaluation interprets a value: absent, nil, false,
// zero numbers and empty strings are false; everything else is true.
func Truthy(v any, ok bool) bool {
	if !ok || v == nil {
		return false
	}
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case time.Time:
		return !x.IsZero()
	default:
		return fmt.Sprintf("%v", x) != ""
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
