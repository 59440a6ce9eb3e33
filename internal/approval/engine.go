// Package approval is the approval engine: it moves assets through the
// ordered, reviewer-gated stages of their project's workflow, rolls them back
// on a request for changes, and records the owner's final sign-off.
//
// Every mutation runs the same critical section under a per-asset lock:
// load the ledger and roster, decide the transition, commit it against the
// ledger version, and publish the transition's events only after the commit
// succeeded. A commit that loses a version race is recomputed once.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/assetflow/internal/ledger"
	"github.com/pitabwire/assetflow/internal/lock"
	"github.com/pitabwire/assetflow/internal/observability"
	"github.com/pitabwire/assetflow/model"
)

// Engine operations, used for metrics and span names.
const (
	OpSubmit         = "submit"
	OpApprove        = "approve"
	OpRequestChanges = "request_changes"
	OpFinalApprove   = "final_approve"
)

const maxCommitAttempts = 2

// Catalog resolves an asset and its project within the caller's
// organization.
type Catalog interface {
	GetAsset(ctx context.Context, rctx *model.RequestContext, id string) (model.Asset, model.Project, error)
}

// Workflows resolves workflow definitions.
type Workflows interface {
	Get(ctx context.Context, id string) (model.Workflow, error)
}

// Roster lists a project's stage reviewers.
type Roster interface {
	List(ctx context.Context, projectID string) ([]model.StageReviewer, error)
}

// Dispatcher receives the events of committed transitions. It must not
// block on delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, events ...model.Event)
}

// Deps are the collaborators of an Engine. Locker, Dispatcher, Metrics and
// Logger are optional.
type Deps struct {
	Catalog    Catalog
	Workflows  Workflows
	Roster     Roster
	Ledgers    ledger.Store
	Locker     lock.Locker
	Dispatcher Dispatcher
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// Engine runs approval transitions.
type Engine struct {
	catalog    Catalog
	workflows  Workflows
	roster     Roster
	ledgers    ledger.Store
	locker     lock.Locker
	dispatcher Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

// NewEngine creates an approval engine.
func NewEngine(d Deps) *Engine {
	e := &Engine{
		catalog:    d.Catalog,
		workflows:  d.Workflows,
		roster:     d.Roster,
		ledgers:    d.Ledgers,
		locker:     d.Locker,
		dispatcher: d.Dispatcher,
		metrics:    d.Metrics,
		logger:     d.Logger,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
	if e.locker == nil {
		e.locker = lock.NewLocalLocker()
	}
	if e.dispatcher == nil {
		e.dispatcher = discard{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// ApproveInput is the body of an approval. StageOrder zero means the
// asset's current stage.
type ApproveInput struct {
	StageOrder int    `json:"stage_order,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// RequestChangesInput is the body of a request for changes. Notes are
// required.
type RequestChangesInput struct {
	StageOrder int    `json:"stage_order,omitempty"`
	Notes      string `json:"notes"`
}

// FinalApproveInput is the body of the owner's sign-off.
type FinalApproveInput struct {
	Notes string `json:"notes,omitempty"`
}

// Submit puts an asset into its project's workflow, opening stage 1. An
// asset already in the workflow is returned unchanged.
func (e *Engine) Submit(ctx context.Context, rctx *model.RequestContext, assetID string) (model.AssetSummary, error) {
	return e.mutate(ctx, rctx, OpSubmit, assetID, 0, decideSubmit)
}

// SubmitApproval records the caller's approval of a stage.
func (e *Engine) SubmitApproval(ctx context.Context, rctx *model.RequestContext, assetID string, in ApproveInput) (model.AssetSummary, error) {
	return e.mutate(ctx, rctx, OpApprove, assetID, in.StageOrder, decideApprove(in.StageOrder, in.Notes))
}

// RequestChanges sends the asset back to stage 1 with the caller's notes.
func (e *Engine) RequestChanges(ctx context.Context, rctx *model.RequestContext, assetID string, in RequestChangesInput) (model.AssetSummary, error) {
	return e.mutate(ctx, rctx, OpRequestChanges, assetID, in.StageOrder, decideRequestChanges(in.StageOrder, in.Notes))
}

// FinalApprove records the project owner's sign-off.
func (e *Engine) FinalApprove(ctx context.Context, rctx *model.RequestContext, assetID string, in FinalApproveInput) (model.AssetSummary, error) {
	return e.mutate(ctx, rctx, OpFinalApprove, assetID, 0, decideFinalApprove(in.Notes))
}

// StageSummary returns the per-stage view of the current round. An asset
// that never entered its workflow is shown as if stage 1 had just opened;
// nothing is written.
func (e *Engine) StageSummary(ctx context.Context, rctx *model.RequestContext, assetID string) (model.AssetSummary, error) {
	ctx, span := observability.StartSpan(ctx, "approval.stage_summary", observability.AttrAssetID.String(assetID))
	st, err := e.read(ctx, rctx, assetID)
	observability.EndSpanWithError(span, err)
	if err != nil {
		return model.AssetSummary{}, err
	}
	return summarize(st.subject, st.ledger, st.roster), nil
}

// Review returns the stage summary plus every recorded action across all
// rounds and the final and rejection stamps.
func (e *Engine) Review(ctx context.Context, rctx *model.RequestContext, assetID string) (model.ReviewView, error) {
	ctx, span := observability.StartSpan(ctx, "approval.review", observability.AttrAssetID.String(assetID))
	st, err := e.read(ctx, rctx, assetID)
	observability.EndSpanWithError(span, err)
	if err != nil {
		return model.ReviewView{}, err
	}
	return review(st.subject, st.ledger, st.roster), nil
}

func (e *Engine) read(ctx context.Context, rctx *model.RequestContext, assetID string) (state, error) {
	subj, err := e.resolve(ctx, rctx, assetID)
	if err != nil {
		return state{}, err
	}
	if !subj.project.HasWorkflow() {
		return state{subject: subj}, nil
	}
	return e.load(ctx, subj, rctx.SubjectID)
}

// resolve loads the asset, its project and the project's workflow. A
// project without a workflow yields a subject with an empty workflow.
func (e *Engine) resolve(ctx context.Context, rctx *model.RequestContext, assetID string) (subject, error) {
	asset, project, err := e.catalog.GetAsset(ctx, rctx, assetID)
	if err != nil {
		return subject{}, err
	}
	subj := subject{asset: asset, project: project}
	if !project.HasWorkflow() {
		return subj, nil
	}
	wf, err := e.workflows.Get(ctx, project.WorkflowID)
	if err != nil {
		return subject{}, fmt.Errorf("load workflow %q: %w", project.WorkflowID, err)
	}
	subj.workflow = wf
	return subj, nil
}

func (e *Engine) load(ctx context.Context, subj subject, actor string) (state, error) {
	l, err := e.ledgers.Get(ctx, subj.asset.ID)
	if err != nil {
		return state{}, fmt.Errorf("load ledger: %w", err)
	}
	reviewers, err := e.roster.List(ctx, subj.project.ID)
	if err != nil {
		return state{}, fmt.Errorf("load roster: %w", err)
	}
	roster := make(map[int][]string)
	for _, r := range reviewers {
		roster[r.StageOrder] = append(roster[r.StageOrder], r.UserID)
	}

	now := e.now()
	effective, seed := seedLedger(l, subj, now)
	return state{
		subject: subj,
		ledger:  effective,
		seed:    seed,
		roster:  roster,
		actor:   actor,
		now:     now,
		newID:   e.newID,
	}, nil
}

func (e *Engine) mutate(ctx context.Context, rctx *model.RequestContext, op, assetID string, stageOrder int, decide decider) (summary model.AssetSummary, err error) {
	start := time.Now()
	outcome := observability.OutcomeOK
	ctx, span := observability.StartSpan(ctx, "approval."+op,
		observability.AttrAssetID.String(assetID),
		observability.AttrStageOrder.Int(stageOrder),
		observability.AttrSubjectID.String(rctx.SubjectID),
	)
	defer func() {
		if err != nil {
			outcome = outcomeFor(err)
		}
		observability.EndSpanWithError(span, err)
		e.metrics.RecordEngineOperation(op, outcome, time.Since(start))
	}()

	subj, err := e.resolve(ctx, rctx, assetID)
	if err != nil {
		return model.AssetSummary{}, err
	}
	if !subj.project.HasWorkflow() {
		return model.AssetSummary{}, model.NewPreconditionFailedError(
			fmt.Sprintf("project %q has no workflow; its assets are not reviewed", subj.project.Name),
		)
	}
	span.SetAttributes(
		observability.AttrProjectID.String(subj.project.ID),
		observability.AttrWorkflowID.String(subj.workflow.ID),
	)

	waitStart := time.Now()
	release, err := e.locker.Acquire(ctx, assetID)
	e.metrics.RecordLockWait(time.Since(waitStart))
	if errors.Is(err, lock.ErrTimeout) {
		return model.AssetSummary{}, model.NewConcurrencyConflictError(assetID)
	}
	if err != nil {
		return model.AssetSummary{}, fmt.Errorf("acquire asset lock: %w", err)
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			e.logger.Warn("release asset lock", zap.String("asset_id", assetID), zap.Error(rerr))
		}
	}()

	for attempt := 1; ; attempt++ {
		span.SetAttributes(observability.AttrAttempt.Int(attempt))

		st, err := e.load(ctx, subj, rctx.SubjectID)
		if err != nil {
			return model.AssetSummary{}, err
		}
		if err := st.checkWorkflow(); err != nil {
			return model.AssetSummary{}, err
		}
		t, err := decide(st)
		if err != nil {
			return model.AssetSummary{}, err
		}
		if t.noop() {
			outcome = observability.OutcomeNoop
			return summarize(subj, st.ledger, st.roster), nil
		}

		err = e.ledgers.Commit(ctx, t.change)
		if model.IsCode(err, model.ErrConflict) {
			if attempt < maxCommitAttempts {
				e.metrics.RecordCommitRetry()
				continue
			}
			e.metrics.RecordCommitConflict()
			return model.AssetSummary{}, model.NewConcurrencyConflictError(assetID)
		}
		if err != nil {
			return model.AssetSummary{}, fmt.Errorf("commit ledger: %w", err)
		}

		committed := st.ledger.Apply(t.change)
		e.record(ctx, op, subj, rctx.SubjectID, t)
		e.dispatcher.Dispatch(ctx, t.events...)
		return summarize(subj, committed, st.roster), nil
	}
}

func (e *Engine) record(ctx context.Context, op string, subj subject, actor string, t transition) {
	if t.completed > 0 {
		e.metrics.RecordStageCompletion(subj.workflow.ID, t.completed)
	}
	if t.rollback > 0 {
		e.metrics.RecordRollback(subj.workflow.ID, t.rollback)
	}
	if t.final {
		e.metrics.RecordFinalApproval()
	}

	stage := t.completed
	if stage == 0 {
		stage = t.rollback
	}
	fields := observability.AssetFields(subj.asset.ID, stage, actor)
	fields = append(fields,
		zap.String("operation", op),
		zap.Int("round", t.change.Round),
		zap.Int("events", len(t.events)),
	)
	observability.RequestLogger(ctx, e.logger).Info("asset transition committed", fields...)
}

func outcomeFor(err error) string {
	switch model.ErrorCode(err) {
	case model.ErrConflict:
		return observability.OutcomeConflict
	case model.ErrValidationError, model.ErrPreconditionFailed, model.ErrForbidden, model.ErrNotFound:
		return observability.OutcomeRejected
	}
	return observability.OutcomeError
}

type discard struct{}

func (discard) Dispatch(context.Context, ...model.Event) {}
