package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Arbitrary key shared by every replica so only one applies migrations at a time.
const migrationLockKey int64 = 0x6d73746f7265

// Migration is a single embedded schema step.
type Migration struct {
	Version string
	SQL     string
}

// Migrations returns the embedded migrations ordered by version.
func Migrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("postgres: read migrations: %w", err)
	}
	out := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		body, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("postgres: read migration %s: %w", name, err)
		}
		out = append(out, Migration{Version: strings.TrimSuffix(name, ".sql"), SQL: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrate applies pending migrations, returning the versions applied by this call.
func (p *Provider) Migrate(ctx context.Context) ([]string, error) {
	migrations, err := Migrations()
	if err != nil {
		return nil, err
	}

	var applied []string
	err = p.RunInTx(ctx, func(ctx context.Context) error {
		applied = applied[:0]
		db, err := p.DB(ctx)
		if err != nil {
			return err
		}
		if _, err := db.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
			return WrapError("migrate.lock", err)
		}
		if _, err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
			version    text PRIMARY KEY,
			applied_at timestamptz NOT NULL DEFAULT now()
		)`); err != nil {
			return WrapError("migrate.bootstrap", err)
		}

		rows, err := db.Query(ctx, `SELECT version FROM schema_migrations`)
		if err != nil {
			return WrapError("migrate.list", err)
		}
		done := make(map[string]struct{})
		for rows.Next() {
			var version string
			if err := rows.Scan(&version); err != nil {
				rows.Close()
				return WrapError("migrate.list", err)
			}
			done[version] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return WrapError("migrate.list", err)
		}

		for _, m := range migrations {
			if _, ok := done[m.Version]; ok {
				continue
			}
			if _, err := db.Exec(ctx, m.SQL); err != nil {
				return WrapError("migrate."+m.Version, err)
			}
			if _, err := db.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version); err != nil {
				return WrapError("migrate.record", err)
			}
			applied = append(applied, m.Version)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}
