package roster

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/assetflow/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL roster store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const reviewerColumns = `id, project_id, stage_order, user_id, user_name, added_by, added_at`

// Add inserts an assignment, returning the existing one on a duplicate.
func (s *PgStore) Add(ctx context.Context, r model.StageReviewer) (model.StageReviewer, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO stage_reviewers (`+reviewerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (project_id, stage_order, user_id) DO NOTHING`,
		r.ID, r.ProjectID, r.StageOrder, r.UserID, r.UserName, r.AddedBy, r.AddedAt,
	)
	if err != nil {
		return model.StageReviewer{}, false, fmt.Errorf("insert stage reviewer: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return r, true, nil
	}

	existing, err := scanReviewer(s.pool.QueryRow(ctx, `
		SELECT `+reviewerColumns+` FROM stage_reviewers
		WHERE project_id = $1 AND stage_order = $2 AND user_id = $3`,
		r.ProjectID, r.StageOrder, r.UserID,
	))
	if err != nil {
		return model.StageReviewer{}, false, fmt.Errorf("query stage reviewer: %w", err)
	}
	return existing, false, nil
}

// Get returns the assignment with the given ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.StageReviewer, error) {
	r, err := scanReviewer(s.pool.QueryRow(ctx, `SELECT `+reviewerColumns+` FROM stage_reviewers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StageReviewer{}, model.NewNotFoundError(fmt.Sprintf("reviewer %q not found", id))
	}
	if err != nil {
		return model.StageReviewer{}, fmt.Errorf("query stage reviewer: %w", err)
	}
	return r, nil
}

// Remove deletes an assignment.
func (s *PgStore) Remove(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM stage_reviewers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete stage reviewer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("reviewer %q not found", id))
	}
	return nil
}

// ListForStage returns the reviewers of one stage, oldest assignment first.
func (s *PgStore) ListForStage(ctx context.Context, projectID string, stageOrder int) ([]model.StageReviewer, error) {
	return s.query(ctx, `
		SELECT `+reviewerColumns+` FROM stage_reviewers
		WHERE project_id = $1 AND stage_order = $2
		ORDER BY added_at, id`,
		projectID, stageOrder,
	)
}

// List returns every assignment of the project ordered by stage.
func (s *PgStore) List(ctx context.Context, projectID string) ([]model.StageReviewer, error) {
	return s.query(ctx, `
		SELECT `+reviewerColumns+` FROM stage_reviewers
		WHERE project_id = $1
		ORDER BY stage_order, added_at, id`,
		projectID,
	)
}

func (s *PgStore) query(ctx context.Context, query string, args ...any) ([]model.StageReviewer, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage reviewers: %w", err)
	}
	defer rows.Close()

	var result []model.StageReviewer
	for rows.Next() {
		r, err := scanReviewer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage reviewer: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanReviewer(row pgx.Row) (model.StageReviewer, error) {
	var r model.StageReviewer
	err := row.Scan(&r.ID, &r.ProjectID, &r.StageOrder, &r.UserID, &r.UserName, &r.AddedBy, &r.AddedAt)
	return r, err
}
