package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/assetflow/model"
)

// MemoryStore is an in-memory Store for tests and single-instance runs.
type MemoryStore struct {
	mu      sync.RWMutex
	ledgers map[string]model.Ledger // key: asset ID
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ledgers: make(map[string]model.Ledger)}
}

// Get returns a copy of the asset's ledger.
func (s *MemoryStore) Get(_ context.Context, assetID string) (model.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.ledgers[assetID]
	if !ok {
		return model.Ledger{AssetID: assetID}, nil
	}
	return clone(l), nil
}

// Commit applies change under optimistic locking.
func (s *MemoryStore) Commit(_ context.Context, change model.LedgerChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.ledgers[change.AssetID]
	if !ok {
		current = model.Ledger{AssetID: change.AssetID}
	}
	if current.Version != change.ExpectedVersion {
		return model.NewConflictError(
			fmt.Sprintf("ledger for asset %q version conflict (expected %d, got %d)", change.AssetID, change.ExpectedVersion, current.Version),
		)
	}

	s.ledgers[change.AssetID] = current.Apply(change)
	return nil
}

// ListByProject returns the project's ledgers ordered by asset ID.
func (s *MemoryStore) ListByProject(_ context.Context, projectID string) ([]model.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Ledger
	for _, l := range s.ledgers {
		if l.ProjectID == projectID {
			result = append(result, clone(l))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AssetID < result[j].AssetID })
	return result, nil
}

// HasInFlight scans for a matching ledger without a final stamp.
func (s *MemoryStore) HasInFlight(_ context.Context, filter InFlightFilter) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, l := range s.ledgers {
		if filter.WorkflowID != "" && l.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.ProjectID != "" && l.ProjectID != filter.ProjectID {
			continue
		}
		if l.Final == nil {
			return true, nil
		}
	}
	return false, nil
}

// Delete removes an asset's ledger.
func (s *MemoryStore) Delete(_ context.Context, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ledgers, assetID)
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of stored ledgers. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ledgers)
}

func clone(l model.Ledger) model.Ledger {
	out := l
	out.Stages = append([]model.StageProgress(nil), l.Stages...)
	out.Approvals = append([]model.ApprovalRecord(nil), l.Approvals...)
	if l.Final != nil {
		f := *l.Final
		out.Final = &f
	}
	if l.LastRejection != nil {
		r := *l.LastRejection
		out.LastRejection = &r
	}
	return out
}
