package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/assetflow/internal/catalog"
	"github.com/pitabwire/assetflow/internal/definition"
	"github.com/pitabwire/assetflow/internal/ledger"
	"github.com/pitabwire/assetflow/model"
)

var (
	t0    = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	owner = &model.RequestContext{SubjectID: "owner", OrganizationID: "org-1"}
)

type fixture struct {
	agg       *Aggregator
	cat       *catalog.Service
	ledgers   *ledger.MemoryStore
	workflows *definition.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	workflows := definition.NewMemoryStore()
	require.NoError(t, workflows.Create(context.Background(), model.Workflow{
		ID: "wf-1", OrganizationID: "org-1", Name: "Brand", Version: 1,
		Stages: []model.OrderedStage{
			{Order: 1, Name: "Copy", Color: model.DefaultStageColor},
			{Order: 2, Name: "Design", Color: model.DefaultStageColor},
			{Order: 3, Name: "Legal", Color: model.DefaultStageColor},
			{Order: 4, Name: "Brand", Color: model.DefaultStageColor},
			{Order: 5, Name: "Exec", Color: model.DefaultStageColor},
		},
	}))
	ledgers := ledger.NewMemoryStore()
	cat := catalog.NewService(catalog.NewMemoryStore(), workflows, ledgers, nil)
	return &fixture{agg: NewAggregator(cat, workflows, ledgers), cat: cat, ledgers: ledgers, workflows: workflows}
}

func (f *fixture) project(t *testing.T, name, workflowID string) model.Project {
	t.Helper()
	p, err := f.cat.CreateProject(context.Background(), owner, catalog.CreateProjectInput{Name: name, WorkflowID: workflowID})
	require.NoError(t, err)
	return p
}

func (f *fixture) asset(t *testing.T, p model.Project, name string) model.Asset {
	t.Helper()
	a, err := f.cat.CreateAsset(context.Background(), owner, p.ID, catalog.CreateAssetInput{Name: name})
	require.NoError(t, err)
	return a
}

// ledgerAt commits a ledger whose stages before current are approved.
// current 0 means every stage approved.
func (f *fixture) ledgerAt(t *testing.T, p model.Project, a model.Asset, current int, mutate func(*model.LedgerChange)) {
	t.Helper()
	change := model.LedgerChange{AssetID: a.ID, ProjectID: p.ID, WorkflowID: p.WorkflowID, Round: 1, At: t0}
	for order := 1; order <= 5; order++ {
		status := model.StagePending
		switch {
		case current == 0 || order < current:
			status = model.StageApproved
		case order == current:
			status = model.StageInReview
		}
		change.Stages = append(change.Stages, model.StageProgress{StageOrder: order, Status: status, UpdatedAt: t0})
	}
	if mutate != nil {
		mutate(&change)
	}
	require.NoError(t, f.ledgers.Commit(context.Background(), change))
}

func TestAggregator_Project(t *testing.T) {
	f := newFixture(t)
	p := f.project(t, "Launch", "wf-1")

	fresh := f.asset(t, p, "fresh")
	early := f.asset(t, p, "early")
	late := f.asset(t, p, "late")
	done := f.asset(t, p, "done")
	rejected := f.asset(t, p, "rejected")

	f.ledgerAt(t, p, early, 2, nil)
	f.ledgerAt(t, p, late, 5, nil)
	f.ledgerAt(t, p, done, 0, func(c *model.LedgerChange) {
		c.Final = &model.FinalApproval{UserID: "owner", At: t0}
	})
	f.ledgerAt(t, p, rejected, 1, func(c *model.LedgerChange) {
		c.Stages[2].Status = model.StageChangesRequested
	})

	got, err := f.agg.Project(context.Background(), owner, p.ID)
	require.NoError(t, err)

	assert.True(t, got.HasWorkflow)
	assert.Equal(t, 5, got.AssetCount)
	// early 1 + late 4 + done 5 = 10 of 25 slots.
	assert.InDelta(t, 0.4, got.Progress, 1e-9)
	assert.Equal(t, 1, got.NotStarted)
	assert.Equal(t, 1, got.FullyApproved)

	require.Len(t, got.Stages, 5)
	assert.Equal(t, 1, got.Stages[0].Assets, "rejected asset sits at stage 1")
	assert.Equal(t, 1, got.Stages[1].Assets)
	assert.Equal(t, 1, got.Stages[4].Assets)

	require.Len(t, got.NeedsAttention, 1)
	assert.Equal(t, rejected.ID, got.NeedsAttention[0].AssetID)
	require.Len(t, got.NearCompletion, 1, "fully approved assets are not near completion")
	assert.Equal(t, late.ID, got.NearCompletion[0].AssetID)

	for _, ap := range got.Assets {
		if ap.AssetID == fresh.ID {
			assert.Equal(t, model.PositionNotStarted, ap.Position.State)
			assert.Zero(t, ap.Progress)
		}
	}
}

func TestAggregator_fullyApproved_afterWorkflowGrows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, "Launch", "wf-1")
	a := f.asset(t, p, "card")
	f.ledgerAt(t, p, a, 0, func(c *model.LedgerChange) {
		c.Final = &model.FinalApproval{UserID: "owner", At: t0}
	})

	wf, err := f.workflows.Get(ctx, "wf-1")
	require.NoError(t, err)
	wf.Stages = append(wf.Stages, model.OrderedStage{Order: 6, Name: "Board", Color: model.DefaultStageColor})
	require.NoError(t, f.workflows.Update(ctx, wf))

	got, err := f.agg.Project(ctx, owner, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FullyApproved)
	assert.Zero(t, got.Stalled)
	require.Len(t, got.Assets, 1)
	assert.Equal(t, model.PositionFullyApproved, got.Assets[0].Position.State)
	assert.InDelta(t, 1.0, got.Assets[0].Progress, 1e-9)
}

func TestAggregator_needsAttention_afterStageOneRejection(t *testing.T) {
	f := newFixture(t)
	p := f.project(t, "Launch", "wf-1")
	a := f.asset(t, p, "card")

	f.ledgerAt(t, p, a, 1, func(c *model.LedgerChange) {
		c.Round = 2
		c.LastRejection = &model.Rejection{Round: 1, StageOrder: 1, UserID: "u1", Notes: "typo", At: t0}
	})

	got, err := f.agg.Project(context.Background(), owner, p.ID)
	require.NoError(t, err)
	require.Len(t, got.NeedsAttention, 1)
	assert.Equal(t, a.ID, got.NeedsAttention[0].AssetID)
}

func TestAggregator_Dashboard_skipsProjectsWithoutWorkflow(t *testing.T) {
	f := newFixture(t)
	p := f.project(t, "Launch", "wf-1")
	bare := f.project(t, "Free", "")

	a := f.asset(t, p, "card")
	f.asset(t, bare, "sketch")
	f.asset(t, bare, "draft")
	f.ledgerAt(t, p, a, 0, nil)

	d, err := f.agg.Dashboard(context.Background(), owner)
	require.NoError(t, err)

	require.Len(t, d.Projects, 2)
	assert.Equal(t, 1, d.AssetCount, "assets without a workflow are excluded")
	assert.InDelta(t, 1.0, d.Progress, 1e-9)
	for _, pp := range d.Projects {
		if pp.ProjectID == bare.ID {
			assert.False(t, pp.HasWorkflow)
			assert.Equal(t, 2, pp.AssetCount)
			assert.Zero(t, pp.Progress)
			assert.Empty(t, pp.Assets)
		}
	}
}

func TestAggregator_Project_otherOrganization(t *testing.T) {
	f := newFixture(t)
	p := f.project(t, "Launch", "wf-1")

	_, err := f.agg.Project(context.Background(), &model.RequestContext{SubjectID: "x", OrganizationID: "org-2"}, p.ID)
	assert.True(t, model.IsCode(err, model.ErrNotFound), "err = %v", err)
}

func TestAsset_emptyWorkflow(t *testing.T) {
	ap := Asset(model.Asset{ID: "a"}, model.Ledger{}, 0)
	assert.Zero(t, ap.Progress)
	assert.False(t, ap.NearCompletion)
}
