//go:build integration

// Package pgtest starts a disposable Postgres container for integration tests.
package pgtest

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/minestore/api/internal/platform/config"
	"github.com/minestore/api/internal/platform/postgres"
)

const image = "postgres:16-alpine"

// Start launches a container, applies migrations and returns a provider bound to it. The
// container is terminated when the test finishes.
func Start(t *testing.T) *postgres.Provider {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := tcpostgres.Run(ctx, image,
		tcpostgres.WithDatabase("store"),
		tcpostgres.WithUsername("store"),
		tcpostgres.WithPassword("store"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	provider := postgres.NewProvider(config.DatabaseConfig{DSN: dsn, MaxConns: 8})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })

	if _, err := provider.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return provider
}
