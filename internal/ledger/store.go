// Package ledger persists the stage progress rows, approval records and review
// header of every asset that entered its workflow.
package ledger

import (
	"context"

	"github.com/pitabwire/assetflow/model"
)

// Store persists ledgers. Every committed change bumps the review header
// version by exactly one.
type Store interface {
	// Get returns the ledger of an asset. An asset that never entered its
	// workflow yields a ledger with Version 0 and no rows, not an error.
	Get(ctx context.Context, assetID string) (model.Ledger, error)

	// Commit applies change if the stored version still equals
	// change.ExpectedVersion (0 meaning "no ledger yet"). Returns CONFLICT
	// otherwise, leaving the store untouched.
	Commit(ctx context.Context, change model.LedgerChange) error

	// ListByProject returns every ledger of the project's assets.
	ListByProject(ctx context.Context, projectID string) ([]model.Ledger, error)

	// HasInFlight reports whether any ledger matching the filter exists
	// without a final approval.
	HasInFlight(ctx context.Context, filter InFlightFilter) (bool, error)

	// Delete removes an asset's ledger. Deleting a missing ledger is not an
	// error.
	Delete(ctx context.Context, assetID string) error
}

// InFlightFilter selects ledgers by workflow or by project. Exactly one field
// is expected to be set.
type InFlightFilter struct {
	WorkflowID string
	ProjectID  string
}
