package definition

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/assetflow/internal/ledger"
	"github.com/pitabwire/assetflow/internal/observability"
	"github.com/pitabwire/assetflow/model"
)

// ProjectCounter counts the projects attached to a workflow.
type ProjectCounter interface {
	CountProjectsByWorkflow(ctx context.Context, workflowID string) (int, error)
}

// InFlightChecker reports whether assets are mid-workflow.
type InFlightChecker interface {
	HasInFlight(ctx context.Context, filter ledger.InFlightFilter) (bool, error)
}

// CreateInput describes a new workflow. Stage orders may be left at zero to
// be assigned by position.
type CreateInput struct {
	Name      string               `json:"name"`
	Stages    []model.OrderedStage `json:"stages"`
	IsDefault bool                 `json:"is_default"`
}

// Service manages an organization's workflows. Reads are open to every
// member of the organization; mutations need the org:admin role.
type Service struct {
	store    Store
	projects ProjectCounter
	ledgers  InFlightChecker
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a workflow definition service.
func NewService(store Store, projects ProjectCounter, ledgers InFlightChecker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		projects: projects,
		ledgers:  ledgers,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create validates and stores a new workflow for the caller's organization.
func (s *Service) Create(ctx context.Context, rctx *model.RequestContext, in CreateInput) (model.Workflow, error) {
	if err := requireAdmin(rctx); err != nil {
		return model.Workflow{}, err
	}
	wf, err := s.create(ctx, rctx.OrganizationID, in)
	if err != nil {
		return model.Workflow{}, err
	}
	observability.RequestLogger(ctx, s.logger).Info("workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("name", wf.Name),
		zap.Int("stages", wf.StageCount()),
	)
	return wf, nil
}

func (s *Service) create(ctx context.Context, orgID string, in CreateInput) (model.Workflow, error) {
	name, stages, err := validateInput(in.Name, in.Stages)
	if err != nil {
		return model.Workflow{}, err
	}
	now := s.now()
	wf := model.Workflow{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Name:           name,
		Stages:         stages,
		IsDefault:      in.IsDefault,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, wf); err != nil {
		return model.Workflow{}, err
	}
	return wf, nil
}

// Get returns one of the caller's organization's workflows. Workflows of
// other organizations are reported as not found.
func (s *Service) Get(ctx context.Context, rctx *model.RequestContext, id string) (model.Workflow, error) {
	wf, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Workflow{}, err
	}
	if wf.OrganizationID != rctx.OrganizationID {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	return wf, nil
}

// List returns the caller's organization's workflows.
func (s *Service) List(ctx context.Context, rctx *model.RequestContext, includeArchived bool) ([]model.Workflow, error) {
	return s.store.List(ctx, rctx.OrganizationID, includeArchived)
}

// Default returns the organization's default workflow.
func (s *Service) Default(ctx context.Context, rctx *model.RequestContext) (model.Workflow, error) {
	all, err := s.store.List(ctx, rctx.OrganizationID, false)
	if err != nil {
		return model.Workflow{}, err
	}
	for _, wf := range all {
		if wf.IsDefault {
			return wf, nil
		}
	}
	return model.Workflow{}, model.NewNotFoundError("organization has no default workflow")
}

// UpdateStages replaces a workflow's stages. It is refused while any asset
// is mid-workflow on it.
func (s *Service) UpdateStages(ctx context.Context, rctx *model.RequestContext, id string, stages []model.OrderedStage) (model.Workflow, error) {
	if err := requireAdmin(rctx); err != nil {
		return model.Workflow{}, err
	}
	wf, err := s.Get(ctx, rctx, id)
	if err != nil {
		return model.Workflow{}, err
	}
	_, normalized, err := validateInput(wf.Name, stages)
	if err != nil {
		return model.Workflow{}, err
	}

	inFlight, err := s.ledgers.HasInFlight(ctx, ledger.InFlightFilter{WorkflowID: id})
	if err != nil {
		return model.Workflow{}, fmt.Errorf("check in-flight assets: %w", err)
	}
	if inFlight {
		return model.Workflow{}, model.NewPreconditionFailedError(
			fmt.Sprintf("workflow %q has assets in review; stages cannot change until they finish", wf.Name),
		)
	}

	wf.Stages = normalized
	if err := s.store.Update(ctx, wf); err != nil {
		return model.Workflow{}, err
	}
	return s.store.Get(ctx, id)
}

// SetDefault makes a workflow the organization default, clearing the
// previous one.
func (s *Service) SetDefault(ctx context.Context, rctx *model.RequestContext, id string) (model.Workflow, error) {
	if err := requireAdmin(rctx); err != nil {
		return model.Workflow{}, err
	}
	wf, err := s.Get(ctx, rctx, id)
	if err != nil {
		return model.Workflow{}, err
	}
	if wf.IsArchived {
		return model.Workflow{}, model.NewPreconditionFailedError(fmt.Sprintf("workflow %q is archived", wf.Name))
	}
	if wf.IsDefault {
		return wf, nil
	}
	wf.IsDefault = true
	if err := s.store.Update(ctx, wf); err != nil {
		return model.Workflow{}, err
	}
	return s.store.Get(ctx, id)
}

// Archive hides a workflow from new projects and clears its default flag.
func (s *Service) Archive(ctx context.Context, rctx *model.RequestContext, id string) (model.Workflow, error) {
	if err := requireAdmin(rctx); err != nil {
		return model.Workflow{}, err
	}
	wf, err := s.Get(ctx, rctx, id)
	if err != nil {
		return model.Workflow{}, err
	}
	if wf.IsArchived {
		return wf, nil
	}
	wf.IsArchived = true
	wf.IsDefault = false
	if err := s.store.Update(ctx, wf); err != nil {
		return model.Workflow{}, err
	}
	return s.store.Get(ctx, id)
}

// Delete removes a workflow no project references.
func (s *Service) Delete(ctx context.Context, rctx *model.RequestContext, id string) error {
	if err := requireAdmin(rctx); err != nil {
		return err
	}
	wf, err := s.Get(ctx, rctx, id)
	if err != nil {
		return err
	}
	n, err := s.projects.CountProjectsByWorkflow(ctx, id)
	if err != nil {
		return fmt.Errorf("count projects: %w", err)
	}
	if n > 0 {
		return model.NewPreconditionFailedError(
			fmt.Sprintf("workflow %q is used by %d project(s)", wf.Name, n),
		)
	}
	return s.store.Delete(ctx, id)
}

func requireAdmin(rctx *model.RequestContext) error {
	if rctx == nil || !rctx.IsOrgAdmin() {
		return model.NewForbiddenError("managing workflows requires the " + model.RoleOrgAdmin + " role")
	}
	return nil
}

func validateInput(name string, stages []model.OrderedStage) (string, []model.OrderedStage, error) {
	var errs []model.FieldError
	name = strings.TrimSpace(name)
	if name == "" {
		errs = append(errs, model.FieldError{Field: "name", Code: "REQUIRED", Message: "workflow name is required"})
	}
	normalized := model.NormalizeStages(stages)
	errs = append(errs, model.ValidateStages(normalized)...)
	if len(errs) > 0 {
		return "", nil, model.NewValidationError(errs)
	}
	return name, normalized, nil
}
