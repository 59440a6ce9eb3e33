package roster

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/assetflow/model"
)

// MemoryStore is an in-memory Store for tests and single-instance runs.
type MemoryStore struct {
	mu        sync.RWMutex
	reviewers map[string]model.StageReviewer
}

// NewMemoryStore creates an empty in-memory roster.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reviewers: make(map[string]model.StageReviewer)}
}

// Add stores r unless the user is already assigned to the stage, in which
// case the existing assignment is returned with created false.
func (s *MemoryStore) Add(_ context.Context, r model.StageReviewer) (model.StageReviewer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.reviewers {
		if existing.ProjectID == r.ProjectID && existing.StageOrder == r.StageOrder && existing.UserID == r.UserID {
			return existing, false, nil
		}
	}
	s.reviewers[r.ID] = r
	return r, true, nil
}

// Get returns the assignment with the given ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.StageReviewer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reviewers[id]
	if !ok {
		return model.StageReviewer{}, model.NewNotFoundError(fmt.Sprintf("reviewer %q not found", id))
	}
	return r, nil
}

// Remove deletes an assignment.
func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reviewers[id]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("reviewer %q not found", id))
	}
	delete(s.reviewers, id)
	return nil
}

// ListForStage returns the reviewers of one stage, oldest assignment first.
func (s *MemoryStore) ListForStage(_ context.Context, projectID string, stageOrder int) ([]model.StageReviewer, error) {
	return s.filter(func(r model.StageReviewer) bool {
		return r.ProjectID == projectID && r.StageOrder == stageOrder
	}), nil
}

// List returns every assignment of the project ordered by stage, then by
// assignment time.
func (s *MemoryStore) List(_ context.Context, projectID string) ([]model.StageReviewer, error) {
	return s.filter(func(r model.StageReviewer) bool { return r.ProjectID == projectID }), nil
}

func (s *MemoryStore) filter(keep func(model.StageReviewer) bool) []model.StageReviewer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []model.StageReviewer
	for _, r := range s.reviewers {
		if keep(r) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.StageOrder != b.StageOrder {
			return a.StageOrder < b.StageOrder
		}
		if !a.AddedAt.Equal(b.AddedAt) {
			return a.AddedAt.Before(b.AddedAt)
		}
		return a.ID < b.ID
	})
	return result
}
