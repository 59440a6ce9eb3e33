// Package roster maintains which users review each stage of a project.
package roster

import (
	"context"

	"github.com/pitabwire/assetflow/model"
)

// Store persists stage reviewer assignments.
type Store interface {
	// Add inserts r unless (project, stage, user) is already assigned, in
	// which case the existing assignment is returned with created=false.
	Add(ctx context.Context, r model.StageReviewer) (stored model.StageReviewer, created bool, err error)

	// Get returns an assignment or NOT_FOUND.
	Get(ctx context.Context, id string) (model.StageReviewer, error)

	// Remove deletes an assignment or returns NOT_FOUND.
	Remove(ctx context.Context, id string) error

	// ListForStage returns the reviewers of one stage ordered by when they
	// were added.
	ListForStage(ctx context.Context, projectID string, stageOrder int) ([]model.StageReviewer, error)

	// List returns every reviewer of a project ordered by stage, then by
	// when they were added.
	List(ctx context.Context, projectID string) ([]model.StageReviewer, error)
}
