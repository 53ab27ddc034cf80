package db

import (
	"database/sql"
	"io/fs"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/sym"
)

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version TEXT PRIMARY KEY,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`

// Migrate runs all pending migrations found at the root of migrations.
// Files are named NNN_description.sql and applied in lexical order, each in
// its own transaction. If logger is provided, logs migration progress.
func Migrate(db *sql.DB, migrations fs.FS, logger *zap.SugaredLogger) error {
	if _, err := db.Exec(createMigrationsTable); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}

	entries, err := fs.ReadDir(migrations, ".")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	var migrationFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrationFiles = append(migrationFiles, entry.Name())
		}
	}
	sort.Strings(migrationFiles)

	applied := 0
	for _, filename := range migrationFiles {
		version := strings.Split(filename, "_")[0]

		var exists bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			return errors.Wrapf(err, "check %s", filename)
		}
		if exists {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)", "migration", filename)
			}
			continue
		}

		sqlBytes, err := fs.ReadFile(migrations, filename)
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", filename)
		}

		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", filename)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record %s", filename)
		}

		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", filename)
		}
		applied++
	}

	if logger != nil && applied > 0 {
		logger.Debugw("Migrations complete",
			"symbol", sym.DB,
			"applied", applied,
			"total_migrations", len(migrationFiles),
		)
	}

	return nil
}
