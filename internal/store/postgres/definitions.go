package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"loom/internal/errs"
	"loom/internal/store"
	"loom/internal/workflow"
)

type definitionRepo struct {
	s *Store
}

const definitionColumns = `name, version, display_name, description, status,
	is_active, category, tags, spec, created_at, updated_at`

func (r *definitionRepo) Create(ctx context.Context, def *workflow.Definition) error {
	if def.Name == "" || def.Version <= 0 {
		return errs.Validation("definition requires a name and a positive version")
	}
	if err := workflow.ValidateSpec(def.Spec); err != nil {
		return err
	}
	status := def.Status
	if status == "" {
		status = workflow.DefinitionDraft
	}
	spec, err := json.Marshal(def.Spec)
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}

	_, err = r.s.pool.Exec(ctx, `
		INSERT INTO workflow_definitions (`+definitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())`,
		def.Name, def.Version, def.DisplayName, def.Description, status,
		def.IsActive, def.Category, tagsOrEmpty(def.Tags), spec)
	if isUniqueViolation(err) {
		return errs.Validation("definition %s@v%d already exists", def.Name, def.Version)
	}
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	return nil
}

func (r *definitionRepo) FindByNameAndVersion(ctx context.Context, name string, version int) (*workflow.Definition, error) {
	row := r.s.pool.QueryRow(ctx, `
		SELECT `+definitionColumns+` FROM workflow_definitions
		WHERE name = $1 AND version = $2`, name, version)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("definition %s@v%d", name, version)
	}
	return def, err
}

func (r *definitionRepo) FindActiveByName(ctx context.Context, name string) (*workflow.Definition, error) {
	row := r.s.pool.QueryRow(ctx, `
		SELECT `+definitionColumns+` FROM workflow_definitions
		WHERE name = $1 AND is_active AND status = 'active'`, name)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("no active definition named %q", name)
	}
	return def, err
}

func (r *definitionRepo) Activate(ctx context.Context, name string, version int) error {
	tx, err := r.s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var status workflow.DefinitionStatus
	err = tx.QueryRow(ctx, `
		SELECT status FROM workflow_definitions
		WHERE name = $1 AND version = $2 FOR UPDATE`, name, version).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.NotFound("definition %s@v%d", name, version)
	}
	if err != nil {
		return fmt.Errorf("lock definition: %w", err)
	}
	if status == workflow.DefinitionArchived {
		return errs.Validation("definition %s@v%d is archived", name, version)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE workflow_definitions
		SET is_active = false, status = 'deprecated', updated_at = now()
		WHERE name = $1 AND version <> $2 AND is_active`, name, version); err != nil {
		return fmt.Errorf("deactivate siblings: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE workflow_definitions
		SET is_active = true, status = 'active', updated_at = now()
		WHERE name = $1 AND version = $2`, name, version); err != nil {
		return fmt.Errorf("activate definition: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *definitionRepo) UpdateStatus(ctx context.Context, name string, version int, status workflow.DefinitionStatus) error {
	switch status {
	case workflow.DefinitionDeprecated, workflow.DefinitionArchived:
	default:
		return errs.Validation("cannot move definition to %q through UpdateStatus", status)
	}
	tag, err := r.s.pool.Exec(ctx, `
		UPDATE workflow_definitions
		SET status = $3, is_active = false, updated_at = now()
		WHERE name = $1 AND version = $2`, name, version, status)
	if err != nil {
		return fmt.Errorf("update definition status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("definition %s@v%d", name, version)
	}
	return nil
}

func (r *definitionRepo) List(ctx context.Context, filter store.DefinitionFilter) ([]*workflow.Definition, error) {
	rows, err := r.s.pool.Query(ctx, `
		SELECT `+definitionColumns+` FROM workflow_definitions
		WHERE ($1 = '' OR name = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR category = $3)
		  AND ($4 = '' OR $4 = ANY(tags))
		ORDER BY name, version
		OFFSET $5 LIMIT NULLIF($6, 0)`,
		filter.Name, string(filter.Status), filter.Category, filter.Tag,
		filter.Page.Offset, filter.Page.Limit)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	out := make([]*workflow.Definition, 0)
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func scanDefinition(row pgx.Row) (*workflow.Definition, error) {
	var (
		def  workflow.Definition
		spec []byte
	)
	err := row.Scan(&def.Name, &def.Version, &def.DisplayName, &def.Description,
		&def.Status, &def.IsActive, &def.Category, &def.Tags, &spec,
		&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(spec, &def.Spec); err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}
	return &def, nil
}

// tagsOrEmpty keeps the tags column NOT NULL friendly.
func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
