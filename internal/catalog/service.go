package catalog

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

// Workflows resolves workflow definitions.
type Workflows interface {
	Get(ctx context.Context, id string) (model.Workflow, error)
	List(ctx context.Context, orgID string, includeArchived bool) ([]model.Workflow, error)
}

// Ledgers is the part of the ledger store the catalog needs.
type Ledgers interface {
	HasInFlight(ctx context.Context, filter ledger.InFlightFilter) (bool, error)
	Delete(ctx context.Context, assetID string) error
}

// Service manages projects and assets scoped to the caller's organization.
type Service struct {
	store     Store
	workflows Workflows
	ledgers   Ledgers
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a catalog service.
func NewService(store Store, workflows Workflows, ledgers Ledgers, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		workflows: workflows,
		ledgers:   ledgers,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateProjectInput describes a new project. An empty WorkflowID attaches
// the organization's default workflow when there is one.
type CreateProjectInput struct {
	Name       string `json:"name"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

// CreateProject creates a project owned by the caller.
func (s *Service) CreateProject(ctx context.Context, rctx *model.RequestContext, in CreateProjectInput) (model.Project, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return model.Project{}, model.NewFieldValidationError("name", "REQUIRED", "project name is required")
	}

	workflowID := in.WorkflowID
	if workflowID != "" {
		if _, err := s.usableWorkflow(ctx, rctx.OrganizationID, workflowID); err != nil {
			return model.Project{}, err
		}
	} else {
		all, err := s.workflows.List(ctx, rctx.OrganizationID, false)
		if err != nil {
			return model.Project{}, err
		}
		for _, wf := range all {
			if wf.IsDefault {
				workflowID = wf.ID
				break
			}
		}
	}

	p := model.Project{
		ID:             uuid.NewString(),
		OrganizationID: rctx.OrganizationID,
		Name:           name,
		WorkflowID:     workflowID,
		CreatedBy:      rctx.SubjectID,
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return model.Project{}, err
	}
	observability.RequestLogger(ctx, s.logger).Info("project created",
		zap.String("project_id", p.ID),
		zap.String("workflow_id", p.WorkflowID),
	)
	return p, nil
}

// GetProject returns a project of the caller's organization.
func (s *Service) GetProject(ctx context.Context, rctx *model.RequestContext, id string) (model.Project, error) {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return model.Project{}, err
	}
	if p.OrganizationID != rctx.OrganizationID {
		return model.Project{}, model.NewNotFoundError(fmt.Sprintf("project %q not found", id))
	}
	return p, nil
}

// ListProjects returns the caller's organization's projects.
func (s *Service) ListProjects(ctx context.Context, rctx *model.RequestContext) ([]model.Project, error) {
	return s.store.ListProjects(ctx, rctx.OrganizationID)
}

// AttachWorkflow points a project at a workflow of the same organization.
// Switching workflows is refused while any of the project's assets is
// mid-workflow.
func (s *Service) AttachWorkflow(ctx context.Context, rctx *model.RequestContext, projectID, workflowID string) (model.Project, error) {
	p, err := s.GetProject(ctx, rctx, projectID)
	if err != nil {
		return model.Project{}, err
	}
	if err := RequireOwnerOrAdmin(rctx, p); err != nil {
		return model.Project{}, err
	}
	if _, err := s.usableWorkflow(ctx, rctx.OrganizationID, workflowID); err != nil {
		return model.Project{}, err
	}
	if p.WorkflowID == workflowID {
		return p, nil
	}

	if p.HasWorkflow() {
		inFlight, err := s.ledgers.HasInFlight(ctx, ledger.InFlightFilter{ProjectID: projectID})
		if err != nil {
			return model.Project{}, fmt.Errorf("check in-flight assets: %w", err)
		}
		if inFlight {
			return model.Project{}, model.NewPreconditionFailedError(
				fmt.Sprintf("project %q has assets in review; its workflow cannot change until they finish", p.Name),
			)
		}
	}

	if err := s.store.SetProjectWorkflow(ctx, projectID, workflowID); err != nil {
		return model.Project{}, err
	}
	p.WorkflowID = workflowID
	observability.RequestLogger(ctx, s.logger).Info("project workflow attached",
		zap.String("project_id", p.ID),
		zap.String("workflow_id", workflowID),
	)
	return p, nil
}

// CreateAssetInput describes a new asset.
type CreateAssetInput struct {
	Name string `json:"name"`
}

// CreateAsset adds an asset to a project. The caller becomes its creator.
func (s *Service) CreateAsset(ctx context.Context, rctx *model.RequestContext, projectID string, in CreateAssetInput) (model.Asset, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return model.Asset{}, model.NewFieldValidationError("name", "REQUIRED", "asset name is required")
	}
	if _, err := s.GetProject(ctx, rctx, projectID); err != nil {
		return model.Asset{}, err
	}

	a := model.Asset{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      name,
		CreatedBy: rctx.SubjectID,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateAsset(ctx, a); err != nil {
		return model.Asset{}, err
	}
	return a, nil
}

// GetAsset returns an asset and its project, both scoped to the caller's
// organization.
func (s *Service) GetAsset(ctx context.Context, rctx *model.RequestContext, id string) (model.Asset, model.Project, error) {
	a, err := s.store.GetAsset(ctx, id)
	if err != nil {
		return model.Asset{}, model.Project{}, err
	}
	p, err := s.store.GetProject(ctx, a.ProjectID)
	if err != nil {
		return model.Asset{}, model.Project{}, err
	}
	if p.OrganizationID != rctx.OrganizationID {
		return model.Asset{}, model.Project{}, model.NewNotFoundError(fmt.Sprintf("asset %q not found", id))
	}
	return a, p, nil
}

// ListAssets returns a project's assets.
func (s *Service) ListAssets(ctx context.Context, rctx *model.RequestContext, projectID string) ([]model.Asset, error) {
	if _, err := s.GetProject(ctx, rctx, projectID); err != nil {
		return nil, err
	}
	return s.store.ListAssets(ctx, projectID)
}

// DeleteAsset removes an asset and its review ledger. Allowed for the asset
// creator, the project owner and organization admins.
func (s *Service) DeleteAsset(ctx context.Context, rctx *model.RequestContext, id string) error {
	a, p, err := s.GetAsset(ctx, rctx, id)
	if err != nil {
		return err
	}
	if a.CreatedBy != rctx.SubjectID {
		if err := RequireOwnerOrAdmin(rctx, p); err != nil {
			return err
		}
	}
	if err := s.ledgers.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteAsset(ctx, id); err != nil {
		return err
	}
	observability.RequestLogger(ctx, s.logger).Info("asset deleted", zap.String("asset_id", id))
	return nil
}

// RequireOwnerOrAdmin allows the project owner and organization admins.
func RequireOwnerOrAdmin(rctx *model.RequestContext, p model.Project) error {
	if rctx.SubjectID == p.CreatedBy || rctx.IsOrgAdmin() {
		return nil
	}
	return model.NewForbiddenError("only the project owner or an organization admin may do this")
}

func (s *Service) usableWorkflow(ctx context.Context, orgID, workflowID string) (model.Workflow, error) {
	wf, err := s.workflows.Get(ctx, workflowID)
	if model.IsCode(err, model.ErrNotFound) || (err == nil && wf.OrganizationID != orgID) {
		return model.Workflow{}, model.NewFieldValidationError("workflow_id", "NOT_FOUND",
			fmt.Sprintf("workflow %q does not exist in this organization", workflowID))
	}
	if err != nil {
		return model.Workflow{}, err
	}
	if wf.IsArchived {
		return model.Workflow{}, model.NewFieldValidationError("workflow_id", "ARCHIVED",
			fmt.Sprintf("workflow %q is archived", wf.Name))
	}
	return wf, nil
}
