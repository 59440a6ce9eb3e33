// Package catalog manages the projects and assets that flow through
// workflows.
package catalog

import (
	"context"

	"github.com/pitabwire/assetflow/model"
)

// Store persists projects and assets.
type Store interface {
	CreateProject(ctx context.Context, p model.Project) error
	// GetProject returns a project or NOT_FOUND.
	GetProject(ctx context.Context, id string) (model.Project, error)
	// ListProjects returns an organization's projects ordered by creation.
	ListProjects(ctx context.Context, orgID string) ([]model.Project, error)
	// SetProjectWorkflow points a project at a workflow.
	SetProjectWorkflow(ctx context.Context, projectID, workflowID string) error
	// CountProjectsByWorkflow counts the projects attached to a workflow.
	CountProjectsByWorkflow(ctx context.Context, workflowID string) (int, error)

	CreateAsset(ctx context.Context, a model.Asset) error
	// GetAsset returns an asset or NOT_FOUND.
	GetAsset(ctx context.Context, id string) (model.Asset, error)
	// ListAssets returns a project's assets ordered by creation.
	ListAssets(ctx context.Context, projectID string) ([]model.Asset, error)
	// DeleteAsset removes an asset or returns NOT_FOUND.
	DeleteAsset(ctx context.Context, id string) error
}
