package roster

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/assetflow/internal/catalog"
	"github.com/pitabwire/assetflow/internal/observability"
	"github.com/pitabwire/assetflow/model"
)

// Projects resolves projects within the caller's organization.
type Projects interface {
	GetProject(ctx context.Context, rctx *model.RequestContext, id string) (model.Project, error)
}

// Workflows resolves workflow definitions.
type Workflows interface {
	Get(ctx context.Context, id string) (model.Workflow, error)
}

// AddReviewerInput names the user to assign.
type AddReviewerInput struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

// StageRoster is the reviewer list of one workflow stage.
type StageRoster struct {
	Order     int                   `json:"order"`
	Name      string                `json:"name"`
	Color     string                `json:"color"`
	Reviewers []model.StageReviewer `json:"reviewers"`
}

// Service manages reviewer assignments. Mutations are limited to the project
// owner and organization admins.
type Service struct {
	store     Store
	projects  Projects
	workflows Workflows
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a roster service.
func NewService(store Store, projects Projects, workflows Workflows, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		projects:  projects,
		workflows: workflows,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// AddReviewer assigns a user to a stage. Assigning the same user twice
// returns the existing assignment.
func (s *Service) AddReviewer(ctx context.Context, rctx *model.RequestContext, projectID string, stageOrder int, in AddReviewerInput) (model.StageReviewer, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return model.StageReviewer{}, model.NewFieldValidationError("user_id", "REQUIRED", "user_id is required")
	}

	p, err := s.projects.GetProject(ctx, rctx, projectID)
	if err != nil {
		return model.StageReviewer{}, err
	}
	if err := catalog.RequireOwnerOrAdmin(rctx, p); err != nil {
		return model.StageReviewer{}, err
	}
	wf, err := s.workflowOf(ctx, p)
	if err != nil {
		return model.StageReviewer{}, err
	}
	if _, ok := wf.Stage(stageOrder); !ok {
		return model.StageReviewer{}, model.NewFieldValidationError("stage_order", "INVALID",
			fmt.Sprintf("workflow %q has no stage %d", wf.Name, stageOrder))
	}

	r := model.StageReviewer{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		StageOrder: stageOrder,
		UserID:     userID,
		UserName:   strings.TrimSpace(in.UserName),
		AddedBy:    rctx.SubjectID,
		AddedAt:    s.now(),
	}
	stored, created, err := s.store.Add(ctx, r)
	if err != nil {
		return model.StageReviewer{}, err
	}
	if created {
		observability.RequestLogger(ctx, s.logger).Info("reviewer added",
			zap.String("project_id", projectID),
			zap.Int("stage_order", stageOrder),
			zap.String("reviewer_user_id", userID),
		)
	}
	return stored, nil
}

// RemoveReviewer drops an assignment. Approvals the user already recorded
// are left in place.
func (s *Service) RemoveReviewer(ctx context.Context, rctx *model.RequestContext, reviewerID string) error {
	r, err := s.store.Get(ctx, reviewerID)
	if err != nil {
		return err
	}
	p, err := s.projects.GetProject(ctx, rctx, r.ProjectID)
	if model.IsCode(err, model.ErrNotFound) {
		return model.NewNotFoundError(fmt.Sprintf("reviewer %q not found", reviewerID))
	}
	if err != nil {
		return err
	}
	if err := catalog.RequireOwnerOrAdmin(rctx, p); err != nil {
		return err
	}
	if err := s.store.Remove(ctx, reviewerID); err != nil {
		return err
	}
	observability.RequestLogger(ctx, s.logger).Info("reviewer removed",
		zap.String("project_id", r.ProjectID),
		zap.Int("stage_order", r.StageOrder),
		zap.String("reviewer_user_id", r.UserID),
	)
	return nil
}

// ListReviewersForStage returns one stage's reviewers.
func (s *Service) ListReviewersForStage(ctx context.Context, rctx *model.RequestContext, projectID string, stageOrder int) ([]model.StageReviewer, error) {
	if _, err := s.projects.GetProject(ctx, rctx, projectID); err != nil {
		return nil, err
	}
	return s.store.ListForStage(ctx, projectID, stageOrder)
}

// ListReviewers returns the project's reviewers grouped under every stage of
// its workflow. Stages without reviewers are included with an empty list.
func (s *Service) ListReviewers(ctx context.Context, rctx *model.RequestContext, projectID string) ([]StageRoster, error) {
	p, err := s.projects.GetProject(ctx, rctx, projectID)
	if err != nil {
		return nil, err
	}
	wf, err := s.workflowOf(ctx, p)
	if err != nil {
		return nil, err
	}
	all, err := s.store.List(ctx, projectID)
	if err != nil {
		return nil, err
	}

	byStage := make(map[int][]model.StageReviewer, wf.StageCount())
	for _, r := range all {
		byStage[r.StageOrder] = append(byStage[r.StageOrder], r)
	}
	result := make([]StageRoster, 0, wf.StageCount())
	for _, st := range wf.Stages {
		reviewers := byStage[st.Order]
		if reviewers == nil {
			reviewers = []model.StageReviewer{}
		}
		result = append(result, StageRoster{Order: st.Order, Name: st.Name, Color: st.Color, Reviewers: reviewers})
	}
	return result, nil
}

func (s *Service) workflowOf(ctx context.Context, p model.Project) (model.Workflow, error) {
	if !p.HasWorkflow() {
		return model.Workflow{}, model.NewPreconditionFailedError(
			fmt.Sprintf("project %q has no workflow", p.Name),
		)
	}
	return s.workflows.Get(ctx, p.WorkflowID)
}
