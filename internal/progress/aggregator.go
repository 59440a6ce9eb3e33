// Package progress computes read-only rollups of approval progress for
// projects and organization dashboards. It never writes.
package progress

import (
	"context"
	"fmt"

	"github.com/pitabwire/assetflow/internal/observability"
	"github.com/pitabwire/assetflow/model"
)

// NearCompletionThreshold is the progress at which a not yet fully approved
// asset is reported as near completion.
const NearCompletionThreshold = 0.8

// Catalog resolves projects and assets within the caller's organization.
type Catalog interface {
	GetProject(ctx context.Context, rctx *model.RequestContext, id string) (model.Project, error)
	ListProjects(ctx context.Context, rctx *model.RequestContext) ([]model.Project, error)
	ListAssets(ctx context.Context, rctx *model.RequestContext, projectID string) ([]model.Asset, error)
}

// Workflows resolves workflow definitions.
type Workflows interface {
	Get(ctx context.Context, id string) (model.Workflow, error)
}

// Ledgers lists a project's ledgers.
type Ledgers interface {
	ListByProject(ctx context.Context, projectID string) ([]model.Ledger, error)
}

// Aggregator builds progress rollups.
type Aggregator struct {
	catalog   Catalog
	workflows Workflows
	ledgers   Ledgers
}

// NewAggregator creates an aggregator.
func NewAggregator(catalog Catalog, workflows Workflows, ledgers Ledgers) *Aggregator {
	return &Aggregator{catalog: catalog, workflows: workflows, ledgers: ledgers}
}

// Project returns the rollup of one project.
func (a *Aggregator) Project(ctx context.Context, rctx *model.RequestContext, projectID string) (model.ProjectProgress, error) {
	ctx, span := observability.StartSpan(ctx, "progress.project", observability.AttrProjectID.String(projectID))
	var pp model.ProjectProgress
	p, err := a.catalog.GetProject(ctx, rctx, projectID)
	if err == nil {
		pp, _, err = a.project(ctx, rctx, p)
	}
	observability.EndSpanWithError(span, err)
	return pp, err
}

// Dashboard returns the rollup of every project in the caller's
// organization. Projects without a workflow are listed but count toward no
// ratio.
func (a *Aggregator) Dashboard(ctx context.Context, rctx *model.RequestContext) (model.Dashboard, error) {
	ctx, span := observability.StartSpan(ctx, "progress.dashboard", observability.AttrOrganizationID.String(rctx.OrganizationID))
	d, err := a.dashboard(ctx, rctx)
	observability.EndSpanWithError(span, err)
	return d, err
}

func (a *Aggregator) dashboard(ctx context.Context, rctx *model.RequestContext) (model.Dashboard, error) {
	projects, err := a.catalog.ListProjects(ctx, rctx)
	if err != nil {
		return model.Dashboard{}, err
	}

	d := model.Dashboard{OrganizationID: rctx.OrganizationID, Projects: make([]model.ProjectProgress, 0, len(projects))}
	var approvedSlots, totalSlots int
	for _, p := range projects {
		pp, slots, err := a.project(ctx, rctx, p)
		if err != nil {
			return model.Dashboard{}, err
		}
		d.Projects = append(d.Projects, pp)
		if !pp.HasWorkflow {
			continue
		}
		approvedSlots += slots.approved
		totalSlots += slots.total
		d.AssetCount += pp.AssetCount
		d.FullyApproved += pp.FullyApproved
		d.NeedsAttention += len(pp.NeedsAttention)
	}
	d.Progress = ratio(approvedSlots, totalSlots)
	return d, nil
}

type slots struct {
	approved int
	total    int
}

func (a *Aggregator) project(ctx context.Context, rctx *model.RequestContext, p model.Project) (model.ProjectProgress, slots, error) {
	pp := model.ProjectProgress{
		ProjectID:      p.ID,
		ProjectName:    p.Name,
		HasWorkflow:    p.HasWorkflow(),
		WorkflowID:     p.WorkflowID,
		Stages:         []model.StageBucket{},
		NeedsAttention: []model.AssetProgress{},
		NearCompletion: []model.AssetProgress{},
		Assets:         []model.AssetProgress{},
	}
	assets, err := a.catalog.ListAssets(ctx, rctx, p.ID)
	if err != nil {
		return model.ProjectProgress{}, slots{}, err
	}
	pp.AssetCount = len(assets)
	if !p.HasWorkflow() {
		return pp, slots{}, nil
	}

	wf, err := a.workflows.Get(ctx, p.WorkflowID)
	if err != nil {
		return model.ProjectProgress{}, slots{}, fmt.Errorf("load workflow %q: %w", p.WorkflowID, err)
	}
	ledgers, err := a.ledgers.ListByProject(ctx, p.ID)
	if err != nil {
		return model.ProjectProgress{}, slots{}, fmt.Errorf("list ledgers: %w", err)
	}
	byAsset := make(map[string]model.Ledger, len(ledgers))
	for _, l := range ledgers {
		byAsset[l.AssetID] = l
	}

	n := wf.StageCount()
	atStage := make(map[int]int, n)
	var s slots
	for _, asset := range assets {
		ap := Asset(asset, byAsset[asset.ID], n)
		pp.Assets = append(pp.Assets, ap)
		s.approved += ap.ApprovedStages
		s.total += n

		switch ap.Position.State {
		case model.PositionInReview:
			atStage[ap.Position.Stage]++
		case model.PositionNotStarted:
			pp.NotStarted++
		case model.PositionPendingFinalApproval:
			pp.PendingFinalApproval++
		case model.PositionFullyApproved:
			pp.FullyApproved++
		case model.PositionStalled:
			pp.Stalled++
		}
		if ap.NeedsAttention {
			pp.NeedsAttention = append(pp.NeedsAttention, ap)
		}
		if ap.NearCompletion {
			pp.NearCompletion = append(pp.NearCompletion, ap)
		}
	}
	for _, st := range wf.Stages {
		pp.Stages = append(pp.Stages, model.StageBucket{Order: st.Order, Name: st.Name, Color: st.Color, Assets: atStage[st.Order]})
	}
	pp.Progress = ratio(s.approved, s.total)
	return pp, s, nil
}

// Asset computes one asset's progress row from its ledger. A signed-off
// asset counts every stage as approved.
func Asset(asset model.Asset, l model.Ledger, stageCount int) model.AssetProgress {
	approved := l.ApprovedCount()
	if approved > stageCount || l.Final != nil {
		approved = stageCount
	}
	ap := model.AssetProgress{
		AssetID:        asset.ID,
		AssetName:      asset.Name,
		ApprovedStages: approved,
		TotalStages:    stageCount,
		Progress:       ratio(approved, stageCount),
		Position:       l.Position(stageCount),
	}
	ap.NeedsAttention = needsAttention(l)
	ap.NearCompletion = ap.Progress >= NearCompletionThreshold && ap.Position.State != model.PositionFullyApproved
	return ap
}

// needsAttention flags assets that carry a change request: a changes_requested
// row, or a rejection at stage 1 that has not been approved past yet.
func needsAttention(l model.Ledger) bool {
	if l.HasChangesRequested() {
		return true
	}
	r := l.LastRejection
	return r != nil && r.StageOrder == 1 && r.Round == l.Round-1 && l.CurrentStage() == 1
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
