package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/assetflow/internal/pgtest"
	"github.com/pitabwire/assetflow/model"
)

func TestPgStore(t *testing.T) {
	pool := pgtest.Pool(t)
	store := NewPgStore(pool)
	ctx := context.Background()

	pgtest.SeedAsset(t, pool, "wf-1", "proj-1", "asset-1")
	pgtest.SeedAsset(t, pool, "wf-1", "proj-1", "asset-2")

	t.Run("unknown asset has version 0", func(t *testing.T) {
		l, err := store.Get(ctx, "asset-1")
		require.NoError(t, err)
		assert.False(t, l.Exists())
	})

	t.Run("create and read back", func(t *testing.T) {
		require.NoError(t, store.Commit(ctx, submitChange("asset-1", "proj-1")))

		l, err := store.Get(ctx, "asset-1")
		require.NoError(t, err)
		assert.Equal(t, 1, l.Version)
		assert.Equal(t, 1, l.Round)
		assert.Equal(t, 1, l.CurrentStage())
		assert.Len(t, l.Stages, 2)
	})

	t.Run("duplicate create conflicts", func(t *testing.T) {
		err := store.Commit(ctx, submitChange("asset-1", "proj-1"))
		assert.True(t, model.IsCode(err, model.ErrConflict), "err = %v", err)
	})

	t.Run("advance moves the in-review row", func(t *testing.T) {
		now := t0.Add(time.Minute)
		err := store.Commit(ctx, model.LedgerChange{
			AssetID: "asset-1", ProjectID: "proj-1", WorkflowID: "wf-1",
			ExpectedVersion: 1, Round: 1,
			Stages: []model.StageProgress{
				{StageOrder: 2, Status: model.StageInReview, UpdatedAt: now},
				{StageOrder: 1, Status: model.StageApproved, ReviewedBy: "u1", ReviewedAt: &now, UpdatedAt: now},
			},
			Approvals: []model.ApprovalRecord{{
				ID: "rec-1", Round: 1, StageOrder: 1, UserID: "u1",
				Action: model.ActionApprove, CreatedAt: now, UpdatedAt: now,
			}},
			At: now,
		})
		require.NoError(t, err)

		l, err := store.Get(ctx, "asset-1")
		require.NoError(t, err)
		assert.Equal(t, 2, l.Version)
		assert.Equal(t, 2, l.CurrentStage())
		assert.Equal(t, model.StageApproved, l.StageStatusAt(1))
		assert.Equal(t, []string{"u1"}, l.Approvers(1))
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		err := store.Commit(ctx, model.LedgerChange{
			AssetID: "asset-1", ProjectID: "proj-1", WorkflowID: "wf-1",
			ExpectedVersion: 1, Round: 1,
			Stages: []model.StageProgress{{StageOrder: 2, Status: model.StageApproved, UpdatedAt: t0}},
		})
		assert.True(t, model.IsCode(err, model.ErrConflict), "err = %v", err)
	})

	t.Run("rejection and final stamps persist", func(t *testing.T) {
		rej := &model.Rejection{Round: 1, StageOrder: 2, UserID: "u2", Notes: "fix logo", At: t0}
		require.NoError(t, store.Commit(ctx, model.LedgerChange{
			AssetID: "asset-1", ProjectID: "proj-1", WorkflowID: "wf-1",
			ExpectedVersion: 2, Round: 2, LastRejection: rej, At: t0,
			Approvals: []model.ApprovalRecord{{
				ID: "rec-2", Round: 1, StageOrder: 1, UserID: "u1",
				Action: model.ActionRequestChanges, Notes: "second look", CreatedAt: t0, UpdatedAt: t0,
			}},
		}))
		require.NoError(t, store.Commit(ctx, model.LedgerChange{
			AssetID: "asset-1", ProjectID: "proj-1", WorkflowID: "wf-1",
			ExpectedVersion: 3, Round: 2,
			Final: &model.FinalApproval{UserID: "owner", Notes: "ship it", At: t0}, At: t0,
		}))

		l, err := store.Get(ctx, "asset-1")
		require.NoError(t, err)
		require.NotNil(t, l.LastRejection)
		assert.Equal(t, "fix logo", l.LastRejection.Notes)
		require.NotNil(t, l.Final)
		assert.Equal(t, "owner", l.Final.UserID)
		assert.Equal(t, "ship it", l.Final.Notes)

		require.Len(t, l.Approvals, 2, "request_changes keeps the earlier approve row")
		actions := map[string]model.ApprovalAction{}
		for _, a := range l.Approvals {
			actions[a.ID] = a.Action
		}
		assert.Equal(t, model.ActionApprove, actions["rec-1"])
		assert.Equal(t, model.ActionRequestChanges, actions["rec-2"])
	})

	t.Run("list and in-flight", func(t *testing.T) {
		require.NoError(t, store.Commit(ctx, submitChange("asset-2", "proj-1")))

		list, err := store.ListByProject(ctx, "proj-1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "asset-1", list[0].AssetID)
		assert.NotEmpty(t, list[1].Stages)

		inFlight, err := store.HasInFlight(ctx, InFlightFilter{WorkflowID: "wf-1"})
		require.NoError(t, err)
		assert.True(t, inFlight)
	})

	t.Run("delete cascades", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "asset-2"))
		l, err := store.Get(ctx, "asset-2")
		require.NoError(t, err)
		assert.False(t, l.Exists())

		inFlight, err := store.HasInFlight(ctx, InFlightFilter{ProjectID: "proj-1"})
		require.NoError(t, err)
		assert.False(t, inFlight)
	})

	t.Run("health check", func(t *testing.T) {
		assert.NoError(t, store.HealthCheck(ctx))
	})
}
