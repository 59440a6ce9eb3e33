package approval

import (
	"sort"

	"github.com/pitabwire/assetflow/model"
)

// summarize builds the per-stage view of l's current round. Required is the
// stage's roster size as it stands now, so shrinking a roster can meet the
// quorum of an in-review stage before the next approval closes it. Such a
// stage is flagged AwaitingClose.
func summarize(s subject, l model.Ledger, roster map[int][]string) model.AssetSummary {
	sum := model.AssetSummary{
		AssetID:    s.asset.ID,
		ProjectID:  s.project.ID,
		WorkflowID: s.workflow.ID,
		Round:      l.Round,
		Position:   l.Position(s.workflow.StageCount()),
		Stages:     make([]model.StageSummary, 0, s.workflow.StageCount()),
	}
	for _, stage := range s.workflow.Stages {
		approvers := l.Approvers(stage.Order)
		required := len(roster[stage.Order])
		row := model.StageSummary{
			Order:       stage.Order,
			Name:        stage.Name,
			Color:       stage.Color,
			Status:      l.StageStatusAt(stage.Order),
			Required:    required,
			Received:    len(approvers),
			ApproverIDs: approvers,
		}
		quorum := required > 0 && len(approvers) >= required
		row.IsComplete = row.Status == model.StageApproved || quorum
		row.AwaitingClose = quorum && row.Status == model.StageInReview
		if p, ok := l.StageRow(stage.Order); ok {
			row.Notes = p.Notes
		}
		sum.Stages = append(sum.Stages, row)
	}
	return sum
}

// review adds the full audit trail to the summary, oldest record first.
func review(s subject, l model.Ledger, roster map[int][]string) model.ReviewView {
	records := make([]model.ApprovalRecord, len(l.Approvals))
	copy(records, l.Approvals)
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Round != records[j].Round {
			return records[i].Round < records[j].Round
		}
		if records[i].StageOrder != records[j].StageOrder {
			return records[i].StageOrder < records[j].StageOrder
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return model.ReviewView{
		AssetSummary:  summarize(s, l, roster),
		Approvals:     records,
		Final:         l.Final,
		LastRejection: l.LastRejection,
	}
}
