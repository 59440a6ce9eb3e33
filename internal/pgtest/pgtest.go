// Package pgtest starts a throwaway PostgreSQL container with the assetflow
// schema applied. Tests using it only run when ASSETFLOW_INTEGRATION=1.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pitabwire/assetflow/migrations"
)

// EnvIntegration gates container-backed tests.
const EnvIntegration = "ASSETFLOW_INTEGRATION"

// Pool returns a pool connected to a freshly migrated database. The
// container is terminated when the test ends.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv(EnvIntegration) != "1" {
		t.Skipf("set %s=1 to run PostgreSQL integration tests", EnvIntegration)
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("assetflow"),
		postgres.WithUsername("assetflow"),
		postgres.WithPassword("assetflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	if err := migrations.Up(dsn); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// SeedAsset inserts the workflow, project and asset rows a ledger needs for
// its foreign keys.
func SeedAsset(t *testing.T, pool *pgxpool.Pool, workflowID, projectID, assetID string) {
	t.Helper()
	ctx := context.Background()
	_, err := pool.Exec(ctx, `
		INSERT INTO workflows (id, organization_id, name, stages)
		VALUES ($1, 'org-1', $1, '[]'::jsonb)
		ON CONFLICT (id) DO NOTHING`, workflowID)
	if err != nil {
		t.Fatalf("seed workflow: %v", err)
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO projects (id, organization_id, name, workflow_id, created_by)
		VALUES ($1, 'org-1', $1, $2, 'owner')
		ON CONFLICT (id) DO NOTHING`, projectID, workflowID)
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO assets (id, project_id, name, created_by)
		VALUES ($1, $2, $1, 'creator')`, assetID, projectID)
	if err != nil {
		t.Fatalf("seed asset: %v", err)
	}
}
