//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/minestore/api/internal/platform/postgres"
	"github.com/minestore/api/internal/platform/postgres/pgtest"
)

func TestProviderTransactionsIntegration(t *testing.T) {
	provider := pgtest.Start(t)
	ctx := context.Background()

	applied, err := provider.Migrate(ctx)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected migrations to be idempotent, applied %v", applied)
	}

	insert := func(ctx context.Context, id string) error {
		db, err := provider.DB(ctx)
		if err != nil {
			return err
		}
		_, err = db.Exec(ctx, `INSERT INTO player_accounts (user_id, username) VALUES ($1, $2)`, id, "steve")
		return postgres.WrapError("players.insert", err)
	}

	rollback := errors.New("rollback")
	err = provider.RunInTx(ctx, func(ctx context.Context) error {
		if err := insert(ctx, "u-rollback"); err != nil {
			return err
		}
		return rollback
	})
	if !errors.Is(err, rollback) {
		t.Fatalf("expected fn error passed through, got %v", err)
	}

	if err := provider.RunInTx(ctx, func(ctx context.Context) error {
		if err := insert(ctx, "u-1"); err != nil {
			return err
		}
		// Nested calls join the outer transaction.
		return provider.RunInTx(ctx, func(ctx context.Context) error {
			return insert(ctx, "u-2")
		})
	}); err != nil {
		t.Fatalf("RunInTx: %v", err)
	}

	db, err := provider.DB(ctx)
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	var count int
	if err := db.QueryRow(ctx, `SELECT count(*) FROM player_accounts`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 committed rows, got %d", count)
	}

	err = insert(ctx, "u-1")
	var repoErr *postgres.Error
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict on duplicate key, got %v", err)
	}

	if err := provider.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
