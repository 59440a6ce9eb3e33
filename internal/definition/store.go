// Package definition owns workflow definitions: their persistence, the
// organization-scoped management service, and the YAML seed loader.
package definition

import (
	"context"

	"github.com/pitabwire/assetflow/model"
)

// Store persists workflows.
type Store interface {
	// Create inserts a workflow. A duplicate (organization, name) pair or a
	// second default for the organization is CONFLICT.
	Create(ctx context.Context, wf model.Workflow) error

	// Get returns a workflow by ID or NOT_FOUND.
	Get(ctx context.Context, id string) (model.Workflow, error)

	// FindByName returns the organization's workflow with name, or NOT_FOUND.
	FindByName(ctx context.Context, orgID, name string) (model.Workflow, error)

	// List returns the organization's workflows ordered by name.
	List(ctx context.Context, orgID string, includeArchived bool) ([]model.Workflow, error)

	// Update persists wf if its stored version equals wf.Version, bumping the
	// version. When wf.IsDefault is set every other default of the
	// organization is cleared in the same write.
	Update(ctx context.Context, wf model.Workflow) error

	// Delete removes a workflow.
	Delete(ctx context.Context, id string) error

	// SeedLoaded reports whether a seed file with checksum was applied.
	SeedLoaded(ctx context.Context, checksum string) (bool, error)

	// MarkSeed records that a seed file was applied.
	MarkSeed(ctx context.Context, checksum, path string) error
}
