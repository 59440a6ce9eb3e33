package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/assetflow/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL catalog store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// CreateProject inserts a project.
func (s *PgStore) CreateProject(ctx context.Context, p model.Project) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (id, organization_id, name, workflow_id, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.OrganizationID, p.Name, nullable(p.WorkflowID), p.CreatedBy, p.CreatedAt,
	)
	if err != nil {
		return classify(err, "insert project")
	}
	return nil
}

// GetProject returns a project by ID.
func (s *PgStore) GetProject(ctx context.Context, id string) (model.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx, `
		SELECT id, organization_id, name, workflow_id, created_by, created_at
		FROM projects WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Project{}, model.NewNotFoundError(fmt.Sprintf("project %q not found", id))
	}
	if err != nil {
		return model.Project{}, fmt.Errorf("query project: %w", err)
	}
	return p, nil
}

// ListProjects returns the organization's projects, oldest first.
func (s *PgStore) ListProjects(ctx context.Context, orgID string) ([]model.Project, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, organization_id, name, workflow_id, created_by, created_at
		FROM projects WHERE organization_id = $1
		ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var result []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// SetProjectWorkflow points a project at workflowID; empty detaches it.
func (s *PgStore) SetProjectWorkflow(ctx context.Context, projectID, workflowID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE projects SET workflow_id = $1 WHERE id = $2`, nullable(workflowID), projectID)
	if err != nil {
		return classify(err, "update project workflow")
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("project %q not found", projectID))
	}
	return nil
}

// CountProjectsByWorkflow counts projects attached to workflowID.
func (s *PgStore) CountProjectsByWorkflow(ctx context.Context, workflowID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM projects WHERE workflow_id = $1`, workflowID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count projects: %w", err)
	}
	return n, nil
}

// CreateAsset inserts an asset.
func (s *PgStore) CreateAsset(ctx context.Context, a model.Asset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO assets (id, project_id, name, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.ProjectID, a.Name, a.CreatedBy, a.CreatedAt,
	)
	if err != nil {
		return classify(err, "insert asset")
	}
	return nil
}

// GetAsset returns an asset by ID.
func (s *PgStore) GetAsset(ctx context.Context, id string) (model.Asset, error) {
	var a model.Asset
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, name, created_by, created_at FROM assets WHERE id = $1`, id,
	).Scan(&a.ID, &a.ProjectID, &a.Name, &a.CreatedBy, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Asset{}, model.NewNotFoundError(fmt.Sprintf("asset %q not found", id))
	}
	if err != nil {
		return model.Asset{}, fmt.Errorf("query asset: %w", err)
	}
	return a, nil
}

// ListAssets returns the project's assets, oldest first.
func (s *PgStore) ListAssets(ctx context.Context, projectID string) ([]model.Asset, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, name, created_by, created_at
		FROM assets WHERE project_id = $1
		ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()

	var result []model.Asset
	for rows.Next() {
		var a model.Asset
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Name, &a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// DeleteAsset removes an asset; its review ledger cascades.
func (s *PgStore) DeleteAsset(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM assets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("asset %q not found", id))
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanProject(row pgx.Row) (model.Project, error) {
	var p model.Project
	var workflowID *string
	if err := row.Scan(&p.ID, &p.OrganizationID, &p.Name, &workflowID, &p.CreatedBy, &p.CreatedAt); err != nil {
		return model.Project{}, err
	}
	if workflowID != nil {
		p.WorkflowID = *workflowID
	}
	return p, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func classify(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return model.NewConflictError(pgErr.Detail)
		case "23503":
			return model.NewNotFoundError(pgErr.Detail)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
