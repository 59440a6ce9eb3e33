package approval

import (
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/assetflow/model"
)

// subject is what a transition is about: the asset, its project and the
// project's workflow.
type subject struct {
	asset    model.Asset
	project  model.Project
	workflow model.Workflow
}

// state is everything a transition may look at. It is assembled fresh on
// every attempt so a retry after a conflict sees the winner's commit.
type state struct {
	subject
	ledger model.Ledger
	seed   []model.StageProgress // rows to persist when the ledger is new
	roster map[int][]string      // reviewer user IDs by stage order
	actor  string
	now    time.Time
	newID  func() string
}

// transition is the outcome of a decision: the write set and the events to
// publish once it commits.
type transition struct {
	change    model.LedgerChange
	events    []model.Event
	completed int // stage closed by this transition
	rollback  int // stage whose rejection rolled the asset back
	final     bool
}

func (t transition) noop() bool {
	return t.change.Empty()
}

type decider func(st state) (transition, error)

// seedLedger returns the view of a ledger that has not been persisted yet:
// stage 1 in review and every other stage pending. Persisted ledgers are
// returned unchanged with no seed rows.
func seedLedger(l model.Ledger, s subject, now time.Time) (model.Ledger, []model.StageProgress) {
	if l.Exists() {
		return l, nil
	}
	rows := make([]model.StageProgress, 0, s.workflow.StageCount())
	for _, st := range s.workflow.Stages {
		status := model.StagePending
		if st.Order == 1 {
			status = model.StageInReview
		}
		rows = append(rows, model.StageProgress{
			AssetID:    s.asset.ID,
			StageOrder: st.Order,
			Status:     status,
			UpdatedAt:  now,
		})
	}
	seeded := model.Ledger{
		AssetID:    s.asset.ID,
		ProjectID:  s.project.ID,
		WorkflowID: s.workflow.ID,
		Round:      1,
		Stages:     rows,
	}
	return seeded, rows
}

// checkWorkflow rejects an open ledger that was seeded against a different
// workflow, or against a stage list that has since changed.
func (st state) checkWorkflow() error {
	l := st.ledger
	if !l.Exists() || l.Final != nil {
		return nil
	}
	if l.WorkflowID != st.workflow.ID {
		return model.NewPreconditionFailedError(fmt.Sprintf(
			"asset %q is reviewed under workflow %q but its project now uses %q",
			st.asset.ID, l.WorkflowID, st.workflow.ID,
		))
	}
	for _, row := range l.Stages {
		if _, ok := st.workflow.Stage(row.StageOrder); !ok {
			return model.NewPreconditionFailedError(fmt.Sprintf(
				"asset %q has progress at stage %d which workflow %q no longer defines",
				st.asset.ID, row.StageOrder, st.workflow.ID,
			))
		}
	}
	if len(l.Stages) != st.workflow.StageCount() {
		return model.NewPreconditionFailedError(fmt.Sprintf(
			"workflow %q stages changed while asset %q was in review",
			st.workflow.ID, st.asset.ID,
		))
	}
	return nil
}

func (st state) baseChange() model.LedgerChange {
	round := st.ledger.Round
	if round == 0 {
		round = 1
	}
	return model.LedgerChange{
		AssetID:         st.asset.ID,
		ProjectID:       st.project.ID,
		WorkflowID:      st.workflow.ID,
		ExpectedVersion: st.ledger.Version,
		Round:           round,
		Stages:          append([]model.StageProgress(nil), st.seed...),
		At:              st.now,
	}
}

// setStage replaces or appends the row for order in the change's write set.
func setStage(c *model.LedgerChange, row model.StageProgress) {
	for i, existing := range c.Stages {
		if existing.StageOrder == row.StageOrder {
			c.Stages[i] = row
			return
		}
	}
	c.Stages = append(c.Stages, row)
}

func (st state) event(kind model.EventKind, stageOrder int, recipients []string, notes string) model.Event {
	e := model.Event{
		ID:         st.newID(),
		Kind:       kind,
		AssetID:    st.asset.ID,
		AssetName:  st.asset.Name,
		ProjectID:  st.project.ID,
		StageOrder: stageOrder,
		Recipients: recipients,
		ActorID:    st.actor,
		Notes:      notes,
		OccurredAt: st.now,
	}
	if stage, ok := st.workflow.Stage(stageOrder); ok {
		e.StageName = stage.Name
	}
	return e
}

func (st state) onRoster(order int, userID string) bool {
	for _, id := range st.roster[order] {
		if id == userID {
			return true
		}
	}
	return false
}

// resolveStage validates a requested stage order, defaulting to the current
// stage when zero.
func (st state) resolveStage(requested int) (int, error) {
	if requested == 0 {
		cur := st.ledger.CurrentStage()
		if cur == 0 {
			return 0, model.NewPreconditionFailedError(
				fmt.Sprintf("asset is not in review (position %s)", st.ledger.Position(st.workflow.StageCount())),
			)
		}
		return cur, nil
	}
	if _, ok := st.workflow.Stage(requested); !ok {
		return 0, model.NewFieldValidationError("stage_order", "INVALID",
			fmt.Sprintf("workflow %q has no stage %d", st.workflow.Name, requested))
	}
	return requested, nil
}

// decideSubmit puts an asset into its workflow. An asset already in the
// workflow is left as it is.
func decideSubmit(st state) (transition, error) {
	if len(st.seed) == 0 {
		return transition{}, nil
	}
	t := transition{change: st.baseChange()}
	t.events = append(t.events, st.event(model.EventStageAdvanced, 1, st.roster[1], ""))
	return t, nil
}

// decideApprove records an approval and closes the stage once every current
// reviewer of the stage has approved in this round.
func decideApprove(requested int, notes string) decider {
	return func(st state) (transition, error) {
		k, err := st.resolveStage(requested)
		if err != nil {
			return transition{}, err
		}
		if !st.onRoster(k, st.actor) {
			return transition{}, model.NewPreconditionFailedError(
				fmt.Sprintf("user %q is not a reviewer of stage %d", st.actor, k),
			)
		}

		existing, hasExisting := st.ledger.Approval(k, st.actor)
		repeat := hasExisting && existing.Action == model.ActionApprove

		if cur := st.ledger.CurrentStage(); cur != k {
			if repeat && st.ledger.StageStatusAt(k) == model.StageApproved {
				// Stage already closed with this approval in it.
				return transition{}, nil
			}
			return transition{}, model.NewPreconditionFailedError(
				fmt.Sprintf("asset is not in review at stage %d (position %s)", k, st.ledger.Position(st.workflow.StageCount())),
			)
		}

		t := transition{change: st.baseChange()}
		rec := model.ApprovalRecord{
			ID:         st.newID(),
			AssetID:    st.asset.ID,
			Round:      t.change.Round,
			StageOrder: k,
			UserID:     st.actor,
			Action:     model.ActionApprove,
			Notes:      notes,
			CreatedAt:  st.now,
			UpdatedAt:  st.now,
		}
		if hasExisting {
			rec.ID = existing.ID
			rec.CreatedAt = existing.CreatedAt
		}
		t.change.Approvals = []model.ApprovalRecord{rec}

		after := st.ledger.Apply(t.change)
		approvers := after.Approvers(k)
		required := len(st.roster[k])
		if required == 0 || len(approvers) < required {
			if !repeat {
				if waiting := pendingReviewers(st.roster[k], approvers); len(waiting) > 0 {
					t.events = append(t.events, st.event(model.EventStageProgress, k, waiting, notes))
				}
			}
			return t, nil
		}

		reviewedAt := st.now
		setStage(&t.change, model.StageProgress{
			AssetID:    st.asset.ID,
			StageOrder: k,
			Status:     model.StageApproved,
			ReviewedBy: st.actor,
			ReviewedAt: &reviewedAt,
			Notes:      notes,
			UpdatedAt:  st.now,
		})
		t.completed = k

		if k < st.workflow.StageCount() {
			setStage(&t.change, model.StageProgress{
				AssetID:    st.asset.ID,
				StageOrder: k + 1,
				Status:     model.StageInReview,
				UpdatedAt:  st.now,
			})
			t.events = append(t.events, st.event(model.EventStageAdvanced, k+1, st.roster[k+1], ""))
		} else {
			t.events = append(t.events, st.event(model.EventFinalApprovalNeeded, k, []string{st.project.CreatedBy}, ""))
		}
		return t, nil
	}
}

// decideRequestChanges rolls the asset back to stage 1 and opens a new
// review round.
func decideRequestChanges(requested int, notes string) decider {
	notes = strings.TrimSpace(notes)
	return func(st state) (transition, error) {
		if notes == "" {
			return transition{}, model.NewFieldValidationError("notes", "REQUIRED", "notes are required when requesting changes")
		}
		k, err := st.resolveStage(requested)
		if err != nil {
			return transition{}, err
		}
		if !st.onRoster(k, st.actor) {
			return transition{}, model.NewPreconditionFailedError(
				fmt.Sprintf("user %q is not a reviewer of stage %d", st.actor, k),
			)
		}
		if cur := st.ledger.CurrentStage(); cur != k {
			return transition{}, model.NewPreconditionFailedError(
				fmt.Sprintf("asset is not in review at stage %d (position %s)", k, st.ledger.Position(st.workflow.StageCount())),
			)
		}

		t := transition{change: st.baseChange(), rollback: k}
		round := t.change.Round
		t.change.Round = round + 1
		t.change.Approvals = []model.ApprovalRecord{{
			ID:         st.newID(),
			AssetID:    st.asset.ID,
			Round:      round,
			StageOrder: k,
			UserID:     st.actor,
			Action:     model.ActionRequestChanges,
			Notes:      notes,
			CreatedAt:  st.now,
			UpdatedAt:  st.now,
		}}
		t.change.LastRejection = &model.Rejection{
			Round:      round,
			StageOrder: k,
			UserID:     st.actor,
			Notes:      notes,
			At:         st.now,
		}

		reviewedAt := st.now
		for _, stage := range st.workflow.Stages {
			row := model.StageProgress{
				AssetID:    st.asset.ID,
				StageOrder: stage.Order,
				Status:     model.StagePending,
				UpdatedAt:  st.now,
			}
			switch {
			case stage.Order == 1:
				row.Status = model.StageInReview
				if k == 1 {
					row.ReviewedBy = st.actor
					row.ReviewedAt = &reviewedAt
					row.Notes = notes
				}
			case stage.Order == k:
				row.Status = model.StageChangesRequested
				row.ReviewedBy = st.actor
				row.ReviewedAt = &reviewedAt
				row.Notes = notes
			}
			setStage(&t.change, row)
		}

		t.events = append(t.events, st.event(model.EventChangesRequested, k, []string{st.asset.CreatedBy}, notes))
		return t, nil
	}
}

// decideFinalApprove stamps the owner's sign-off once every stage closed.
func decideFinalApprove(notes string) decider {
	return func(st state) (transition, error) {
		pos := st.ledger.Position(st.workflow.StageCount())
		if pos.State != model.PositionPendingFinalApproval {
			return transition{}, model.NewPreconditionFailedError(
				fmt.Sprintf("asset is not awaiting final approval (position %s)", pos),
			)
		}
		if st.actor != st.project.CreatedBy {
			return transition{}, model.NewPreconditionFailedError("only the project owner can grant final approval")
		}

		t := transition{change: st.baseChange(), final: true}
		t.change.Final = &model.FinalApproval{UserID: st.actor, Notes: notes, At: st.now}

		recipients := []string{st.asset.CreatedBy}
		for _, stage := range st.workflow.Stages {
			recipients = append(recipients, st.ledger.Approvers(stage.Order)...)
		}
		t.events = append(t.events, st.event(model.EventFullyApproved, 0, dedupe(recipients), notes))
		return t, nil
	}
}

func pendingReviewers(roster, approvers []string) []string {
	done := make(map[string]bool, len(approvers))
	for _, id := range approvers {
		done[id] = true
	}
	var waiting []string
	for _, id := range roster {
		if !done[id] {
			waiting = append(waiting, id)
		}
	}
	return waiting
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
