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
var migrations embed.FS

// Migrations lists the embedded migration files in apply order.
func Migrations() ([]string, error) {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// Migrate applies every migration not yet recorded in schema_migrations and
// returns the names it applied.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	files, err := Migrations()
	if err != nil {
		return nil, err
	}

	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	var applied []string
	for _, f := range files {
		var done bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, f).Scan(&done); err != nil {
			return applied, fmt.Errorf("check %s: %w", f, err)
		}
		if done {
			continue
		}

		body, err := migrations.ReadFile("migrations/" + f)
		if err != nil {
			return applied, err
		}
		if _, err := s.pool.Exec(ctx, string(body)); err != nil {
			return applied, fmt.Errorf("apply %s: %w", f, err)
		}
		if _, err := s.pool.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, f); err != nil {
			return applied, fmt.Errorf("record %s: %w", f, err)
		}
		applied = append(applied, f)
	}
	return applied, nil
}
