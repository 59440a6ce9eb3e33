package definition

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/assetflow/model"
)

// MemoryStore is an in-memory Store for tests and single-instance runs.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]model.Workflow
	seeds     map[string]string // checksum -> path
}

// NewMemoryStore creates an empty in-memory workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]model.Workflow),
		seeds:     make(map[string]string),
	}
}

// Create inserts a workflow.
func (s *MemoryStore) Create(_ context.Context, wf model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[wf.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow %q already exists", wf.ID))
	}
	for _, existing := range s.workflows {
		if existing.OrganizationID != wf.OrganizationID {
			continue
		}
		if existing.Name == wf.Name {
			return model.NewConflictError(fmt.Sprintf("workflow named %q already exists", wf.Name))
		}
		if wf.IsDefault && existing.IsDefault && !existing.IsArchived {
			return model.NewConflictError("organization already has a default workflow")
		}
	}
	s.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

// Get returns a workflow by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	return cloneWorkflow(wf), nil
}

// FindByName returns the organization's workflow with name.
func (s *MemoryStore) FindByName(_ context.Context, orgID, name string) (model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, wf := range s.workflows {
		if wf.OrganizationID == orgID && wf.Name == name {
			return cloneWorkflow(wf), nil
		}
	}
	return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", name))
}

// List returns the organization's workflows ordered by name.
func (s *MemoryStore) List(_ context.Context, orgID string, includeArchived bool) ([]model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Workflow
	for _, wf := range s.workflows {
		if wf.OrganizationID != orgID || (wf.IsArchived && !includeArchived) {
			continue
		}
		result = append(result, cloneWorkflow(wf))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Update persists wf with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, wf model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.workflows[wf.ID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", wf.ID))
	}
	if existing.Version != wf.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow %q version conflict (expected %d, got %d)", wf.ID, wf.Version, existing.Version),
		)
	}

	now := time.Now().UTC()
	if wf.IsDefault {
		for id, other := range s.workflows {
			if id != wf.ID && other.OrganizationID == wf.OrganizationID && other.IsDefault {
				other.IsDefault = false
				other.Version++
				other.UpdatedAt = now
				s.workflows[id] = other
			}
		}
	}
	wf.Version++
	wf.UpdatedAt = now
	s.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

// Delete removes a workflow.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	delete(s.workflows, id)
	return nil
}

// SeedLoaded reports whether checksum was recorded.
func (s *MemoryStore) SeedLoaded(_ context.Context, checksum string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seeds[checksum]
	return ok, nil
}

// MarkSeed records checksum.
func (s *MemoryStore) MarkSeed(_ context.Context, checksum, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeds[checksum] = path
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of stored workflows. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workflows)
}

func cloneWorkflow(wf model.Workflow) model.Workflow {
	wf.Stages = append([]model.OrderedStage(nil), wf.Stages...)
	return wf
}
