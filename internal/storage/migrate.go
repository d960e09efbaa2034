package storage

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// migrationRetry re-runs a migration that lost a lock race with another
// replica starting at the same time.
var migrationRetry = retryPolicy{maxRetries: 2, baseDelay: 50 * time.Millisecond}

// RunMigrations applies the .sql files of migrationsFS in name order.
// Each file and its schema_migrations row commit in the same transaction,
// so a file is either fully applied and recorded or not at all. Replicas
// starting together serialize on an advisory lock and skip files another
// replica already recorded.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	names, err := migrationFiles(migrationsFS)
	if err != nil {
		return err
	}

	ran := 0
	for _, name := range names {
		body, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		applied, err := db.applyMigration(ctx, name, string(body))
		if err != nil {
			return err
		}
		if applied {
			ran++
		}
	}
	db.logger.Info("storage: migrations done", "files", len(names), "applied", ran)
	return nil
}

// applyMigration runs one file unless it is already recorded. It reports
// whether the file ran.
func (db *DB) applyMigration(ctx context.Context, name, body string) (bool, error) {
	var applied bool
	err := db.inTx(ctx, "migration "+name, migrationRetry, func(tx pgx.Tx) error {
		applied = false
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('schema_migrations'))`); err != nil {
			return fmt.Errorf("storage: migration %s: lock: %w", name, err)
		}

		var done bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, name,
		).Scan(&done); err != nil {
			return fmt.Errorf("storage: migration %s: check: %w", name, err)
		}
		if done {
			db.logger.Debug("storage: migration already applied", "file", name)
			return nil
		}

		db.logger.Info("storage: running migration", "file", name)
		if _, err := tx.Exec(ctx, body); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// migrationFiles lists the top-level .sql files of fsys, sorted by name.
func migrationFiles(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("storage: read migrations dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names, nil
}
