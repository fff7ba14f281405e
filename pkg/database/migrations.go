package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrations returns the migration files compiled into the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		// The embed pattern guarantees the directory exists.
		panic(err)
	}
	return sub
}

// Migration represents a database migration
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// MigrationManager applies numbered .sql files in version order and records
// each in schema_migrations.
// ARCHITECTURAL DISCOVERY: Migrations come from an fs.FS so the binary carries
// its own schema and tests can supply their own files.
type MigrationManager struct {
	db     *sql.DB
	source fs.FS
}

// NewMigrationManager creates a new migration manager
func NewMigrationManager(db *sql.DB, source fs.FS) *MigrationManager {
	return &MigrationManager{
		db:     db,
		source: source,
	}
}

// ApplyMigrations applies all pending migrations, each in its own
// transaction. It returns the versions applied by this call.
func (m *MigrationManager) ApplyMigrations(ctx context.Context) ([]string, error) {
	if err := m.createMigrationTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create migration table: %w", err)
	}

	migrations, err := m.loadMigrations()
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	var newlyApplied []string
	for _, migration := range migrations {
		if _, done := applied[migration.Version]; done {
			continue
		}
		if err := m.applyMigration(ctx, migration); err != nil {
			return newlyApplied, fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
		newlyApplied = append(newlyApplied, migration.Version)
	}

	return newlyApplied, nil
}

func (m *MigrationManager) createMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// loadMigrations reads "<version>_<description>.sql" files sorted by version.
func (m *MigrationManager) loadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(m.source, ".")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".sql" {
			continue
		}

		content, err := fs.ReadFile(m.source, name)
		if err != nil {
			return nil, err
		}

		version, description, _ := strings.Cut(strings.TrimSuffix(name, ".sql"), "_")
		migrations = append(migrations, Migration{
			Version:     version,
			Description: description,
			SQL:         string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

func (m *MigrationManager) appliedVersions(ctx context.Context) (map[string]struct{}, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	versions := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions[version] = struct{}{}
	}

	return versions, rows.Err()
}

func (m *MigrationManager) applyMigration(ctx context.Context, migration Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", migration.Version); err != nil {
		return err
	}

	return tx.Commit()
}
