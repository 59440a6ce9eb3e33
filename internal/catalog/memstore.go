package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/assetflow/model"
)

// MemoryStore is an in-memory Store for tests and single-instance runs.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]model.Project
	assets   map[string]model.Asset
}

// NewMemoryStore creates an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]model.Project),
		assets:   make(map[string]model.Asset),
	}
}

// CreateProject stores a new project.
func (s *MemoryStore) CreateProject(_ context.Context, p model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; ok {
		return model.NewConflictError(fmt.Sprintf("project %q already exists", p.ID))
	}
	s.projects[p.ID] = p
	return nil
}

// GetProject returns a project by ID.
func (s *MemoryStore) GetProject(_ context.Context, id string) (model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return model.Project{}, model.NewNotFoundError(fmt.Sprintf("project %q not found", id))
	}
	return p, nil
}

// ListProjects returns the organization's projects, oldest first.
func (s *MemoryStore) ListProjects(_ context.Context, orgID string) ([]model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []model.Project
	for _, p := range s.projects {
		if p.OrganizationID == orgID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// SetProjectWorkflow points a project at workflowID; empty detaches it.
func (s *MemoryStore) SetProjectWorkflow(_ context.Context, projectID, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("project %q not found", projectID))
	}
	p.WorkflowID = workflowID
	s.projects[projectID] = p
	return nil
}

// CountProjectsByWorkflow counts projects attached to workflowID.
func (s *MemoryStore) CountProjectsByWorkflow(_ context.Context, workflowID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.projects {
		if p.WorkflowID == workflowID {
			n++
		}
	}
	return n, nil
}

// CreateAsset stores a new asset.
func (s *MemoryStore) CreateAsset(_ context.Context, a model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[a.ProjectID]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("project %q not found", a.ProjectID))
	}
	if _, ok := s.assets[a.ID]; ok {
		return model.NewConflictError(fmt.Sprintf("asset %q already exists", a.ID))
	}
	s.assets[a.ID] = a
	return nil
}

// GetAsset returns an asset by ID.
func (s *MemoryStore) GetAsset(_ context.Context, id string) (model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	if !ok {
		return model.Asset{}, model.NewNotFoundError(fmt.Sprintf("asset %q not found", id))
	}
	return a, nil
}

// ListAssets returns the project's assets, oldest first.
func (s *MemoryStore) ListAssets(_ context.Context, projectID string) ([]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []model.Asset
	for _, a := range s.assets {
		if a.ProjectID == projectID {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// DeleteAsset removes an asset.
func (s *MemoryStore) DeleteAsset(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[id]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("asset %q not found", id))
	}
	delete(s.assets, id)
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}
