package memstore

import (
	"context"
	"sort"

	"loom/internal/errs"
	"loom/internal/store"
	"loom/internal/workflow"
)

type definitionRepo struct {
	s *Store
}

func (r *definitionRepo) Create(_ context.Context, def *workflow.Definition) error {
	if def.Name == "" || def.Version <= 0 {
		return errs.Validation("definition requires a name and a positive version")
	}
	if err := workflow.ValidateSpec(def.Spec); err != nil {
		return err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	versions := r.s.definitions[def.Name]
	if versions == nil {
		versions = make(map[int]*workflow.Definition)
		r.s.definitions[def.Name] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return errs.Validation("definition %s@v%d already exists", def.Name, def.Version)
	}

	stored := cloneDefinition(def)
	now := r.s.now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.Status == "" {
		stored.Status = workflow.DefinitionDraft
	}
	versions[def.Version] = stored
	return nil
}

func (r *definitionRepo) FindByNameAndVersion(_ context.Context, name string, version int) (*workflow.Definition, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	def := r.s.definitions[name][version]
	if def == nil {
		return nil, errs.NotFound("definition %s@v%d", name, version)
	}
	return cloneDefinition(def), nil
}

func (r *definitionRepo) FindActiveByName(_ context.Context, name string) (*workflow.Definition, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, def := range r.s.definitions[name] {
		if def.IsActive && def.Status == workflow.DefinitionActive {
			return cloneDefinition(def), nil
		}
	}
	return nil, errs.NotFound("no active definition named %q", name)
}

func (r *definitionRepo) Activate(_ context.Context, name string, version int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	versions := r.s.definitions[name]
	target := versions[version]
	if target == nil {
		return errs.NotFound("definition %s@v%d", name, version)
	}
	if target.Status == workflow.DefinitionArchived {
		return errs.Validation("definition %s@v%d is archived", name, version)
	}

	now := r.s.now()
	for v, def := range versions {
		if v == version {
			continue
		}
		if def.IsActive {
			def.IsActive = false
			def.Status = workflow.DefinitionDeprecated
			def.UpdatedAt = now
		}
	}
	target.IsActive = true
	target.Status = workflow.DefinitionActive
	target.UpdatedAt = now
	return nil
}

func (r *definitionRepo) UpdateStatus(_ context.Context, name string, version int, status workflow.DefinitionStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	def := r.s.definitions[name][version]
	if def == nil {
		return errs.NotFound("definition %s@v%d", name, version)
	}
	switch status {
	case workflow.DefinitionDeprecated, workflow.DefinitionArchived:
	default:
		return errs.Validation("cannot move definition to %q through UpdateStatus", status)
	}
	def.Status = status
	def.IsActive = false
	def.UpdatedAt = r.s.now()
	return nil
}

func (r *definitionRepo) List(_ context.Context, filter store.DefinitionFilter) ([]*workflow.Definition, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*workflow.Definition, 0)
	for name, versions := range r.s.definitions {
		if filter.Name != "" && name != filter.Name {
			continue
		}
		for _, def := range versions {
			if filter.Status != "" && def.Status != filter.Status {
				continue
			}
			if filter.Category != "" && def.Category != filter.Category {
				continue
			}
			if filter.Tag != "" && !hasTag(def.Tags, filter.Tag) {
				continue
			}
			out = append(out, cloneDefinition(def))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return paginate(out, filter.Page), nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, page store.Page) []T {
	if page.Offset > 0 {
		if page.Offset >= len(items) {
			return nil
		}
		items = items[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(items) {
		items = items[:page.Limit]
	}
	return items
}
