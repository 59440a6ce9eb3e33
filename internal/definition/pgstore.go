package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/assetflow/model"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL workflow store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const workflowColumns = `id, organization_id, name, stages, is_default, is_archived, version, created_at, updated_at`

// Create inserts a new workflow.
func (s *PgStore) Create(ctx context.Context, wf model.Workflow) error {
	stagesJSON, err := json.Marshal(wf.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		wf.ID, wf.OrganizationID, wf.Name, stagesJSON, wf.IsDefault, wf.IsArchived,
		wf.Version, wf.CreatedAt, wf.UpdatedAt,
	)
	if isPgCode(err, pgUniqueViolation) {
		return model.NewConflictError(fmt.Sprintf("workflow named %q or a second default already exists", wf.Name))
	}
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// Get retrieves a workflow by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.Workflow, error) {
	wf, err := scanWorkflow(s.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	if err != nil {
		return model.Workflow{}, fmt.Errorf("query workflow: %w", err)
	}
	return wf, nil
}

// FindByName retrieves an organization's workflow by name.
func (s *PgStore) FindByName(ctx context.Context, orgID, name string) (model.Workflow, error) {
	wf, err := scanWorkflow(s.pool.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE organization_id = $1 AND name = $2`, orgID, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", name))
	}
	if err != nil {
		return model.Workflow{}, fmt.Errorf("query workflow: %w", err)
	}
	return wf, nil
}

// List returns an organization's workflows ordered by name.
func (s *PgStore) List(ctx context.Context, orgID string, includeArchived bool) ([]model.Workflow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workflowColumns+` FROM workflows
		WHERE organization_id = $1 AND ($2 OR NOT is_archived)
		ORDER BY name`,
		orgID, includeArchived,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var result []model.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		result = append(result, wf)
	}
	return result, rows.Err()
}

// Update persists wf with optimistic locking, clearing sibling defaults when
// wf becomes the default.
func (s *PgStore) Update(ctx context.Context, wf model.Workflow) error {
	stagesJSON, err := json.Marshal(wf.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin workflow update: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	if wf.IsDefault {
		_, err := tx.Exec(ctx, `
			UPDATE workflows SET is_default = FALSE, version = version + 1, updated_at = $1
			WHERE organization_id = $2 AND id <> $3 AND is_default`,
			now, wf.OrganizationID, wf.ID,
		)
		if err != nil {
			return fmt.Errorf("clear default workflow: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE workflows SET
			name = $1,
			stages = $2,
			is_default = $3,
			is_archived = $4,
			version = version + 1,
			updated_at = $5
		WHERE id = $6 AND version = $7`,
		wf.Name, stagesJSON, wf.IsDefault, wf.IsArchived, now, wf.ID, wf.Version,
	)
	if isPgCode(err, pgUniqueViolation) {
		return model.NewConflictError(fmt.Sprintf("workflow named %q already exists", wf.Name))
	}
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow %q version conflict (expected %d)", wf.ID, wf.Version),
		)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit workflow update: %w", err)
	}
	return nil
}

// Delete removes a workflow. A workflow still referenced by a project is
// PRECONDITION_FAILED.
func (s *PgStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if isPgCode(err, pgForeignKeyViolation) {
		return model.NewPreconditionFailedError(fmt.Sprintf("workflow %q is still used by a project", id))
	}
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	return nil
}

// SeedLoaded reports whether a seed checksum was recorded.
func (s *PgStore) SeedLoaded(ctx context.Context, checksum string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflow_seeds WHERE checksum = $1)`, checksum).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query workflow seed: %w", err)
	}
	return exists, nil
}

// MarkSeed records a seed checksum.
func (s *PgStore) MarkSeed(ctx context.Context, checksum, path string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_seeds (checksum, path) VALUES ($1, $2)
		ON CONFLICT (checksum) DO NOTHING`,
		checksum, path,
	)
	if err != nil {
		return fmt.Errorf("insert workflow seed: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanWorkflow(row pgx.Row) (model.Workflow, error) {
	var wf model.Workflow
	var stagesJSON []byte
	if err := row.Scan(
		&wf.ID, &wf.OrganizationID, &wf.Name, &stagesJSON, &wf.IsDefault, &wf.IsArchived,
		&wf.Version, &wf.CreatedAt, &wf.UpdatedAt,
	); err != nil {
		return model.Workflow{}, err
	}
	if err := json.Unmarshal(stagesJSON, &wf.Stages); err != nil {
		return model.Workflow{}, fmt.Errorf("unmarshal stages: %w", err)
	}
	return wf, nil
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
