package definition

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/assetflow/internal/ledger"
	"github.com/pitabwire/assetflow/internal/observability"
	"github.com/pitabwire/assetflow/model"
)

type fakeProjects map[string]int

func (f fakeProjects) CountProjectsByWorkflow(_ context.Context, workflowID string) (int, error) {
	return f[workflowID], nil
}

func admin(org string) *model.RequestContext {
	return &model.RequestContext{SubjectID: "admin-1", OrganizationID: org, Roles: []string{model.RoleOrgAdmin}}
}

func member(org string) *model.RequestContext {
	return &model.RequestContext{SubjectID: "member-1", OrganizationID: org}
}

func newTestService() (*Service, *MemoryStore, *ledger.MemoryStore, fakeProjects) {
	store := NewMemoryStore()
	ledgers := ledger.NewMemoryStore()
	projects := fakeProjects{}
	return NewService(store, projects, ledgers, nil), store, ledgers, projects
}

func threeStages() []model.OrderedStage {
	return []model.OrderedStage{{Name: "Copy"}, {Name: "Design"}, {Name: "Legal"}}
}

// --- Create ---

func TestService_Create_assignsOrders(t *testing.T) {
	svc, _, _, _ := newTestService()

	wf, err := svc.Create(context.Background(), admin("org-1"), CreateInput{Name: " Brand ", Stages: threeStages()})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if wf.Name != "Brand" {
		t.Errorf("Name = %q, want trimmed", wf.Name)
	}
	for i, s := range wf.Stages {
		if s.Order != i+1 {
			t.Errorf("Stages[%d].Order = %d, want %d", i, s.Order, i+1)
		}
		if s.Color != model.DefaultStageColor {
			t.Errorf("Stages[%d].Color = %q", i, s.Color)
		}
	}
	if wf.Version != 1 || wf.OrganizationID != "org-1" {
		t.Errorf("wf = %+v", wf)
	}
}

func TestService_Create_requiresAdmin(t *testing.T) {
	svc, _, _, _ := newTestService()
	_, err := svc.Create(context.Background(), member("org-1"), CreateInput{Name: "Brand", Stages: threeStages()})
	if !model.IsCode(err, model.ErrForbidden) {
		t.Errorf("err = %v, want FORBIDDEN", err)
	}
}

func TestService_Create_validation(t *testing.T) {
	svc, _, _, _ := newTestService()
	_, err := svc.Create(context.Background(), admin("org-1"), CreateInput{Name: "", Stages: nil})
	if !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("err = %v, want VALIDATION_ERROR", err)
	}
	env := err.(*model.ErrorEnvelope)
	if len(env.Details) != 2 {
		t.Errorf("Details = %+v, want name and stages errors", env.Details)
	}
}

func TestService_Create_duplicateName(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	_, _ = svc.Create(ctx, admin("org-1"), CreateInput{Name: "Brand", Stages: threeStages()})

	_, err := svc.Create(ctx, admin("org-1"), CreateInput{Name: "Brand", Stages: threeStages()})
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("err = %v, want CONFLICT", err)
	}
	if _, err := svc.Create(ctx, admin("org-2"), CreateInput{Name: "Brand", Stages: threeStages()}); err != nil {
		t.Errorf("same name in another org: %v", err)
	}
}

// --- Get / List / Default ---

func TestService_Get_otherOrganization(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	wf, _ := svc.Create(ctx, admin("org-1"), CreateInput{Name: "Brand", Stages: threeStages()})

	if _, err := svc.Get(ctx, member("org-2"), wf.ID); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
	if _, err := svc.Get(ctx, member("org-1"), wf.ID); err != nil {
		t.Errorf("member read: %v", err)
	}
}

func TestService_SetDefault_movesFlag(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	a, _ := svc.Create(ctx, admin("org-1"), CreateInput{Name: "A", Stages: threeStages(), IsDefault: true})
	b, _ := svc.Create(ctx, admin("org-1"), CreateInput{Name: "B", Stages: threeStages()})

	if _, err := svc.SetDefault(ctx, admin("org-1"), b.ID); err != nil {
		t.Fatalf("SetDefault error: %v", err)
	}
	def, err := svc.Default(ctx, member("org-1"))
	if err != nil {
		t.Fatalf("Default error: %v", err)
	}
	if def.ID != b.ID {
		t.Errorf("Default = %q, want %q", def.Name, b.Name)
	}
	a, _ = svc.Get(ctx, member("org-1"), a.ID)
	if a.IsDefault {
		t.Error("previous default still flagged")
	}
}

func TestService_Archive(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	wf, _ := svc.Create(ctx, admin("org-1"), CreateInput{Name: "A", Stages: threeStages(), IsDefault: true})

	archived, err := svc.Archive(ctx, admin("org-1"), wf.ID)
	if err != nil {
		t.Fatalf("Archive error: %v", err)
	}
	if !archived.IsArchived || archived.IsDefault {
		t.Errorf("archived = %+v", archived)
	}
	if _, err := svc.Default(ctx, member("org-1")); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("Default after archive err = %v, want NOT_FOUND", err)
	}
	list, _ := svc.List(ctx, member("org-1"), false)
	if len(list) != 0 {
		t.Errorf("List without archived = %d, want 0", len(list))
	}
	list, _ = svc.List(ctx, member("org-1"), true)
	if len(list) != 1 {
		t.Errorf("List with archived = %d, want 1", len(list))
	}
	if _, err := svc.SetDefault(ctx, admin("org-1"), wf.ID); !model.IsCode(err, model.ErrPreconditionFailed) {
		t.Errorf("SetDefault archived err = %v, want PRECONDITION_FAILED", err)
	}
}

// --- UpdateStages ---

func TestService_UpdateStages_blockedWhileInFlight(t *testing.T) {
	svc, _, ledgers, _ := newTestService()
	ctx := context.Background()
	wf, _ := svc.Create(ctx, admin("org-1"), CreateInput{Name: "A", Stages: threeStages()})

	err := ledgers.Commit(ctx, model.LedgerChange{
		AssetID: "asset-1", ProjectID: "proj-1", WorkflowID: wf.ID, Round: 1,
		Stages: []model.StageProgress{{StageOrder: 1, Status: model.StageInReview}},
	})
	if err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	_, err = svc.UpdateStages(ctx, admin("org-1"), wf.ID, []model.OrderedStage{{Name: "Only"}})
	if !model.IsCode(err, model.ErrPreconditionFailed) {
		t.Fatalf("err = %v, want PRECONDITION_FAILED", err)
	}

	_ = ledgers.Delete(ctx, "asset-1")
	updated, err := svc.UpdateStages(ctx, admin("org-1"), wf.ID, []model.OrderedStage{{Name: "Only"}})
	if err != nil {
		t.Fatalf("UpdateStages error: %v", err)
	}
	if updated.StageCount() != 1 || updated.Version != 2 {
		t.Errorf("updated = %+v", updated)
	}
}

// --- Delete ---

func TestService_Delete_blockedByProjects(t *testing.T) {
	svc, store, _, projects := newTestService()
	ctx := context.Background()
	wf, _ := svc.Create(ctx, admin("org-1"), CreateInput{Name: "A", Stages: threeStages()})

	projects[wf.ID] = 2
	if err := svc.Delete(ctx, admin("org-1"), wf.ID); !model.IsCode(err, model.ErrPreconditionFailed) {
		t.Fatalf("err = %v, want PRECONDITION_FAILED", err)
	}

	delete(projects, wf.ID)
	if err := svc.Delete(ctx, admin("org-1"), wf.ID); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0", store.Len())
	}
}

// --- Seed ---

func TestService_Seed(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	files, err := NewLoader().LoadAll([]string{"testdata/seeds"})
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	res, err := svc.Seed(ctx, files, metrics)
	if err != nil {
		t.Fatalf("Seed error: %v", err)
	}
	if res.Created != 2 || res.Files != 1 {
		t.Errorf("result = %+v", res)
	}
	if got := testutil.ToFloat64(metrics.WorkflowSeedTotal.WithLabelValues(SeedCreated)); got != 2 {
		t.Errorf("seed created counter = %v, want 2", got)
	}

	def, err := svc.Default(ctx, member("org-1"))
	if err != nil {
		t.Fatalf("Default error: %v", err)
	}
	if def.Name != "Brand review" || def.StageCount() != 3 {
		t.Errorf("default = %+v", def)
	}

	// Same checksum: nothing happens.
	res, err = svc.Seed(ctx, files, metrics)
	if err != nil {
		t.Fatalf("second Seed error: %v", err)
	}
	if res.Created != 0 || res.Files != 0 {
		t.Errorf("second result = %+v", res)
	}

	// Changed file whose names already exist: skipped by name.
	files[0].Checksum = "changed"
	res, err = svc.Seed(ctx, files, metrics)
	if err != nil {
		t.Fatalf("third Seed error: %v", err)
	}
	if res.Skipped != 2 || res.Created != 0 {
		t.Errorf("third result = %+v", res)
	}
	if store.Len() != 2 {
		t.Errorf("Len() = %d, want 2", store.Len())
	}
}

func TestService_Seed_invalid(t *testing.T) {
	svc, store, _, _ := newTestService()
	f, err := NewLoader().LoadFile("testdata/invalid_gap.yaml")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if _, err := svc.Seed(context.Background(), []SeedFile{f}, nil); err == nil {
		t.Fatal("Seed with invalid file should fail")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0", store.Len())
	}
}
