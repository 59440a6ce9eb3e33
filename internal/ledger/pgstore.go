package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/assetflow/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. The review header row
// in asset_reviews carries the version used for optimistic locking.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL ledger store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const headerColumns = `asset_id, project_id, workflow_id, version, round,
	final_approved_by, final_approved_at, final_notes, last_rejection, updated_at`

// Get loads the header, stage rows and approval records of one asset.
func (s *PgStore) Get(ctx context.Context, assetID string) (model.Ledger, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+headerColumns+` FROM asset_reviews WHERE asset_id = $1`, assetID)
	l, err := scanHeader(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Ledger{AssetID: assetID}, nil
	}
	if err != nil {
		return model.Ledger{}, fmt.Errorf("query asset review: %w", err)
	}

	ledgers := map[string]*model.Ledger{assetID: &l}
	if err := s.loadRows(ctx, []string{assetID}, ledgers); err != nil {
		return model.Ledger{}, err
	}
	return l, nil
}

// Commit writes change inside one transaction. The header insert or update
// is the version check; rows are only touched once it succeeds.
func (s *PgStore) Commit(ctx context.Context, change model.LedgerChange) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ledger commit: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var rejection []byte
	if change.LastRejection != nil {
		if rejection, err = json.Marshal(change.LastRejection); err != nil {
			return fmt.Errorf("marshal rejection: %w", err)
		}
	}
	var finalBy *string
	var finalAt *time.Time
	var finalNotes *string
	if change.Final != nil {
		finalBy, finalAt, finalNotes = &change.Final.UserID, &change.Final.At, &change.Final.Notes
	}

	var affected int64
	if change.ExpectedVersion == 0 {
		tag, err := tx.Exec(ctx, `
			INSERT INTO asset_reviews (
				asset_id, project_id, workflow_id, version, round,
				final_approved_by, final_approved_at, final_notes, last_rejection, updated_at
			) VALUES ($1, $2, $3, 1, $4, $5, $6, COALESCE($7, ''), $8, $9)
			ON CONFLICT (asset_id) DO NOTHING`,
			change.AssetID, change.ProjectID, change.WorkflowID, change.Round,
			finalBy, finalAt, finalNotes, rejection, change.At,
		)
		if err != nil {
			return fmt.Errorf("insert asset review: %w", err)
		}
		affected = tag.RowsAffected()
	} else {
		tag, err := tx.Exec(ctx, `
			UPDATE asset_reviews SET
				project_id = $1,
				workflow_id = $2,
				version = version + 1,
				round = $3,
				final_approved_by = COALESCE($4, final_approved_by),
				final_approved_at = COALESCE($5, final_approved_at),
				final_notes = COALESCE($6, final_notes),
				last_rejection = COALESCE($7, last_rejection),
				updated_at = $8
			WHERE asset_id = $9 AND version = $10`,
			change.ProjectID, change.WorkflowID, change.Round,
			finalBy, finalAt, finalNotes, rejection, change.At,
			change.AssetID, change.ExpectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update asset review: %w", err)
		}
		affected = tag.RowsAffected()
	}
	if affected == 0 {
		return model.NewConflictError(
			fmt.Sprintf("ledger for asset %q version conflict (expected %d)", change.AssetID, change.ExpectedVersion),
		)
	}

	batch := &pgx.Batch{}
	// Rows leaving in_review go first so the single-in-review index never
	// sees two at once mid-batch.
	stages := append([]model.StageProgress(nil), change.Stages...)
	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].Status != model.StageInReview && stages[j].Status == model.StageInReview
	})
	for _, sp := range stages {
		var reviewedBy *string
		if sp.ReviewedBy != "" {
			reviewedBy = &sp.ReviewedBy
		}
		batch.Queue(`
			INSERT INTO stage_progress (asset_id, stage_order, status, reviewed_by, reviewed_at, notes, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (asset_id, stage_order) DO UPDATE SET
				status = EXCLUDED.status,
				reviewed_by = EXCLUDED.reviewed_by,
				reviewed_at = EXCLUDED.reviewed_at,
				notes = EXCLUDED.notes,
				updated_at = EXCLUDED.updated_at`,
			change.AssetID, sp.StageOrder, sp.Status.String(), reviewedBy, sp.ReviewedAt, sp.Notes, sp.UpdatedAt,
		)
	}
	for _, a := range change.Approvals {
		batch.Queue(`
			INSERT INTO approval_records (id, asset_id, round, stage_order, user_id, action, notes, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (asset_id, round, stage_order, user_id, action) DO UPDATE SET
				notes = EXCLUDED.notes,
				updated_at = EXCLUDED.updated_at`,
			a.ID, change.AssetID, a.Round, a.StageOrder, a.UserID, a.Action.String(), a.Notes, a.CreatedAt, a.UpdatedAt,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("write ledger rows: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger: %w", err)
	}
	return nil
}

// ListByProject returns every ledger of the project ordered by asset ID.
func (s *PgStore) ListByProject(ctx context.Context, projectID string) ([]model.Ledger, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+headerColumns+` FROM asset_reviews WHERE project_id = $1 ORDER BY asset_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query asset reviews: %w", err)
	}
	defer rows.Close()

	var result []model.Ledger
	for rows.Next() {
		l, err := scanHeader(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset review: %w", err)
		}
		result = append(result, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}

	ids := make([]string, len(result))
	byID := make(map[string]*model.Ledger, len(result))
	for i := range result {
		ids[i] = result[i].AssetID
		byID[result[i].AssetID] = &result[i]
	}
	if err := s.loadRows(ctx, ids, byID); err != nil {
		return nil, err
	}
	return result, nil
}

// HasInFlight reports whether a matching review has no final approval yet.
func (s *PgStore) HasInFlight(ctx context.Context, filter InFlightFilter) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM asset_reviews
			WHERE final_approved_at IS NULL
			AND ($1 = '' OR workflow_id = $1)
			AND ($2 = '' OR project_id = $2)
		)`,
		filter.WorkflowID, filter.ProjectID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query in-flight reviews: %w", err)
	}
	return exists, nil
}

// Delete removes the header; stage and approval rows cascade.
func (s *PgStore) Delete(ctx context.Context, assetID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM asset_reviews WHERE asset_id = $1`, assetID); err != nil {
		return fmt.Errorf("delete asset review: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) loadRows(ctx context.Context, assetIDs []string, ledgers map[string]*model.Ledger) error {
	rows, err := s.pool.Query(ctx, `
		SELECT asset_id, stage_order, status, reviewed_by, reviewed_at, notes, updated_at
		FROM stage_progress
		WHERE asset_id = ANY($1)
		ORDER BY asset_id, stage_order`,
		assetIDs,
	)
	if err != nil {
		return fmt.Errorf("query stage progress: %w", err)
	}
	for rows.Next() {
		var sp model.StageProgress
		var status string
		var reviewedBy *string
		if err := rows.Scan(&sp.AssetID, &sp.StageOrder, &status, &reviewedBy, &sp.ReviewedAt, &sp.Notes, &sp.UpdatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan stage progress: %w", err)
		}
		if sp.Status, err = model.ParseStageStatus(status); err != nil {
			rows.Close()
			return err
		}
		if reviewedBy != nil {
			sp.ReviewedBy = *reviewedBy
		}
		if l, ok := ledgers[sp.AssetID]; ok {
			l.Stages = append(l.Stages, sp)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT id, asset_id, round, stage_order, user_id, action, notes, created_at, updated_at
		FROM approval_records
		WHERE asset_id = ANY($1)
		ORDER BY asset_id, round, stage_order, created_at`,
		assetIDs,
	)
	if err != nil {
		return fmt.Errorf("query approval records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a model.ApprovalRecord
		var action string
		if err := rows.Scan(&a.ID, &a.AssetID, &a.Round, &a.StageOrder, &a.UserID, &action, &a.Notes, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return fmt.Errorf("scan approval record: %w", err)
		}
		if a.Action, err = model.ParseApprovalAction(action); err != nil {
			return err
		}
		if l, ok := ledgers[a.AssetID]; ok {
			l.Approvals = append(l.Approvals, a)
		}
	}
	return rows.Err()
}

func scanHeader(row pgx.Row) (model.Ledger, error) {
	var l model.Ledger
	var finalBy *string
	var finalAt *time.Time
	var finalNotes string
	var rejection []byte
	if err := row.Scan(
		&l.AssetID, &l.ProjectID, &l.WorkflowID, &l.Version, &l.Round,
		&finalBy, &finalAt, &finalNotes, &rejection, &l.UpdatedAt,
	); err != nil {
		return model.Ledger{}, err
	}
	if finalBy != nil && finalAt != nil {
		l.Final = &model.FinalApproval{UserID: *finalBy, Notes: finalNotes, At: *finalAt}
	}
	if rejection != nil {
		var r model.Rejection
		if err := json.Unmarshal(rejection, &r); err != nil {
			return model.Ledger{}, fmt.Errorf("unmarshal rejection: %w", err)
		}
		l.LastRejection = &r
	}
	return l, nil
}
