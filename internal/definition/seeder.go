package definition

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/assetflow/internal/observability"
	"github.com/pitabwire/assetflow/model"
)

// Seed outcomes recorded per workflow.
const (
	SeedCreated = "created"
	SeedSkipped = "skipped"
	SeedFailed  = "failed"
)

// SeedResult summarizes a Seed run.
type SeedResult struct {
	Created int
	Skipped int
	Files   int
}

// Seed applies seed files at startup. Files whose checksum was already
// applied are skipped whole; workflows whose name already exists in the
// organization are skipped individually. Invalid files abort the run.
func (s *Service) Seed(ctx context.Context, files []SeedFile, metrics *observability.Metrics) (SeedResult, error) {
	var result SeedResult

	if verrs := NewValidator().Validate(files); len(verrs) > 0 {
		joined := make([]error, len(verrs))
		for i, e := range verrs {
			joined[i] = e
		}
		return result, fmt.Errorf("invalid workflow seed files: %w", errors.Join(joined...))
	}

	for _, f := range files {
		loaded, err := s.store.SeedLoaded(ctx, f.Checksum)
		if err != nil {
			return result, err
		}
		if loaded {
			s.logger.Debug("seed file unchanged", zap.String("path", f.SourceFile))
			continue
		}

		for _, sw := range f.Workflows {
			_, err := s.store.FindByName(ctx, f.OrganizationID, sw.Name)
			if err == nil {
				result.Skipped++
				metrics.RecordWorkflowSeed(SeedSkipped)
				continue
			}
			if !model.IsCode(err, model.ErrNotFound) {
				metrics.RecordWorkflowSeed(SeedFailed)
				return result, err
			}

			wf, err := s.create(ctx, f.OrganizationID, CreateInput{Name: sw.Name, Stages: sw.Stages, IsDefault: sw.Default})
			if model.IsCode(err, model.ErrConflict) && sw.Default {
				// The organization already has a default; keep it.
				wf, err = s.create(ctx, f.OrganizationID, CreateInput{Name: sw.Name, Stages: sw.Stages})
			}
			if err != nil {
				metrics.RecordWorkflowSeed(SeedFailed)
				return result, fmt.Errorf("seed workflow %q from %s: %w", sw.Name, f.SourceFile, err)
			}
			result.Created++
			metrics.RecordWorkflowSeed(SeedCreated)
			s.logger.Info("workflow seeded",
				zap.String("organization_id", f.OrganizationID),
				zap.String("workflow_id", wf.ID),
				zap.String("name", wf.Name),
				zap.String("path", f.SourceFile),
			)
		}

		if err := s.store.MarkSeed(ctx, f.Checksum, f.SourceFile); err != nil {
			return result, err
		}
		result.Files++
	}

	metrics.SetWorkflowsLoaded(float64(result.Created))
	return result, nil
}
