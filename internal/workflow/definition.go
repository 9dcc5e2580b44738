package workflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"loom/internal/errs"
)

// DefinitionStatus is the lifecycle state of a workflow definition version.
type DefinitionStatus string

const (
	DefinitionDraft      DefinitionStatus = "draft"
	DefinitionActive     DefinitionStatus = "active"
	DefinitionDeprecated DefinitionStatus = "deprecated"
	DefinitionArchived   DefinitionStatus = "archived"
)

// Definition is a versioned workflow template. Versions are immutable once
// referenced by any instance; at most one version per name is active.
type Definition struct {
	Name        string           `json:"name" yaml:"name"`
	Version     int              `json:"version" yaml:"version"`
	DisplayName string           `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Status      DefinitionStatus `json:"status" yaml:"status"`
	IsActive    bool             `json:"is_active" yaml:"is_active"`
	Category    string           `json:"category,omitempty" yaml:"category,omitempty"`
	Tags        []string         `json:"tags,omitempty" yaml:"tags,omitempty"`
	Spec        Spec             `json:"spec" yaml:"spec"`
	CreatedAt   time.Time        `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time        `json:"updated_at" yaml:"-"`
}

// Ref identifies a definition version.
type Ref struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s@v%d", r.Name, r.Version)
}

// Ref returns the (name, version) key of the definition.
func (d *Definition) Ref() Ref {
	return Ref{Name: d.Name, Version: d.Version}
}

// Spec is the opaque DAG carried by a definition: nodes plus dependency
// edges. The engine never mutates topology after instance creation.
type Spec struct {
	Nodes []NodeSpec `json:"nodes" yaml:"nodes"`
	Edges []EdgeSpec `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// NodeSpec declares one node of the DAG.
type NodeSpec struct {
	ID              string         `json:"id" yaml:"id"`
	Name            string         `json:"name,omitempty" yaml:"name,omitempty"`
	Type            NodeType       `json:"type,omitempty" yaml:"type,omitempty"`
	Executor        string         `json:"executor" yaml:"executor"`
	ExecutorVersion string         `json:"executor_version,omitempty" yaml:"executor_version,omitempty"`
	Config          map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Input           map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	MaxRetries      int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Timeout         time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Priority        int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	ParallelGroup   string         `json:"parallel_group,omitempty" yaml:"parallel_group,omitempty"`
	Parent          string         `json:"parent,omitempty" yaml:"parent,omitempty"`
	// Guard is a dotted path into the node's variable view; branch nodes
	// run only when the value at that path is truthy, otherwise they skip.
	Guard string `json:"guard,omitempty" yaml:"guard,omitempty"`
}

// EdgeSpec declares that To depends on From.
type EdgeSpec struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// LoadSpecFile reads and validates a definition from a YAML file.
func LoadSpecFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "parse definition %s", path)
	}
	if def.Status == "" {
		def.Status = DefinitionDraft
	}
	if err := ValidateSpec(def.Spec); err != nil {
		return nil, err
	}
	return &def, nil
}

// ValidateSpec rejects specs the engine cannot execute: duplicate or empty
// node IDs, edges referencing unknown nodes, branch nodes without a guard,
// and any cycle. Nodes trapped behind a cycle are reported as unreachable.
func ValidateSpec(spec Spec) error {
	if len(spec.Nodes) == 0 {
		return errs.Validation("spec has no nodes")
	}

	byID := make(map[string]NodeSpec, len(spec.Nodes))
	for _, node := range spec.Nodes {
		if node.ID == "" {
			return errs.Validation("node id is required")
		}
		if _, exists := byID[node.ID]; exists {
			return errs.Validation("duplicate node id %q", node.ID)
		}
		if node.Executor == "" {
			return errs.Validation("node %q has no executor", node.ID)
		}
		if node.Type != "" && !node.Type.IsValid() {
			return errs.Validation("node %q has unknown type %q", node.ID, node.Type)
		}
		if node.Type == NodeBranch && node.Guard == "" {
			return errs.Validation("branch node %q has no guard", node.ID)
		}
		byID[node.ID] = node
	}

	indegree := make(map[string]int, len(spec.Nodes))
	downstream := make(map[string][]string, len(spec.Nodes))
	for _, edge := range spec.Edges {
		if _, ok := byID[edge.From]; !ok {
			return errs.Validation("edge references unknown node %q", edge.From)
		}
		if _, ok := byID[edge.To]; !ok {
			return errs.Validation("edge references unknown node %q", edge.To)
		}
		if edge.From == edge.To {
			return errs.Validation("node %q depends on itself", edge.From)
		}
		indegree[edge.To]++
		downstream[edge.From] = append(downstream[edge.From], edge.To)
	}

	// Kahn's algorithm. Nodes never emitted sit on or behind a cycle.
	frontier := make([]string, 0, len(spec.Nodes))
	for _, node := range spec.Nodes {
		if indegree[node.ID] == 0 {
			frontier = append(frontier, node.ID)
		}
	}
	visited := 0
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		visited++
		for _, next := range downstream[id] {
			indegree[next]--
			if indegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}
	if visited != len(spec.Nodes) {
		stuck := make([]string, 0)
		for _, node := range spec.Nodes {
			if indegree[node.ID] > 0 {
				stuck = append(stuck, node.ID)
			}
		}
		return errs.Validation("spec contains a cycle or unreachable nodes: %v", stuck)
	}
	return nil
}

// Dependencies returns, for every node, the set of upstream node IDs derived
// from the spec's edges.
func (s Spec) Dependencies() map[string][]string {
	deps := make(map[string][]string, len(s.Nodes))
	for _, node := range s.Nodes {
		deps[node.ID] = nil
	}
	for _, edge := range s.Edges {
		deps[edge.To] = append(deps[edge.To], edge.From)
	}
	return deps
}
