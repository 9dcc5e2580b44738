package executor

import (
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"loom/internal/errs"
	"loom/internal/logging"
)

// Registry maps executor names to registered versions. Registration is
// process-scope; lookups may carry a semver constraint and receive the
// highest matching version.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string][]registered
	logger   logging.Logger
}

type registered struct {
	version  *semver.Version
	executor Executor
}

// NewRegistry creates an empty registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		byName: make(map[string][]registered),
		logger: logging.OrNop(logger),
	}
}

// Register adds an executor. The version must parse as semver; registering
// the same (name, version) twice is a validation error.
func (r *Registry) Register(ex Executor) error {
	if ex == nil || ex.Name() == "" {
		return errs.Validation("executor name is required")
	}
	version, err := semver.NewVersion(ex.Version())
	if err != nil {
		return errs.Validation("executor %q has invalid version %q: %v", ex.Name(), ex.Version(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byName[ex.Name()] {
		if existing.version.Equal(version) {
			return errs.Validation("executor %q version %s already registered", ex.Name(), version)
		}
	}
	entries := append(r.byName[ex.Name()], registered{version: version, executor: ex})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].version.LessThan(entries[j].version)
	})
	r.byName[ex.Name()] = entries
	r.logger.Info("registry: registered executor %q version %s", ex.Name(), version)
	return nil
}

// Lookup resolves name under an optional semver constraint (empty means any
// version) and returns the highest matching version. A missing executor is a
// not-found error; dispatch treats it as fatal for the node.
func (r *Registry) Lookup(name, constraint string) (Executor, error) {
	r.mu.RLock()
	entries := r.byName[name]
	r.mu.RUnlock()

	if len(entries) == 0 {
		return nil, errs.NotFound("executor %q is not registered", name)
	}
	if constraint == "" {
		return entries[len(entries)-1].executor, nil
	}

	parsed, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, errs.Validation("invalid version constraint %q for executor %q: %v", constraint, name, err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if parsed.Check(entries[i].version) {
			return entries[i].executor, nil
		}
	}
	return nil, errs.NotFound("executor %q has no version matching %q", name, constraint)
}

// Names returns the sorted names of all registered executors.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthReport polls every executor implementing HealthChecker and returns
// name@version → health. Executors without the interface report unknown.
func (r *Registry) HealthReport() map[string]Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	report := make(map[string]Health)
	for name, entries := range r.byName {
		for _, entry := range entries {
			key := name + "@" + entry.version.String()
			if checker, ok := entry.executor.(HealthChecker); ok {
				report[key] = checker.HealthCheck()
			} else {
				report[key] = Unknown
			}
		}
	}
	return report
}
