package store

import (
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"

	"github.com/jmoiron/sqlx"
)

//go:embed migrations
var migrationFS embed.FS

var migrateLogger = log.New(log.Writer(), "[MIGRATE] ", log.LstdFlags)

// ApplyScopeMigrations applies every pending .sql file under
// migrations/<scope>/ in lexical order. Applied migrations are recorded in
// _schema_migrations keyed by (scope, migration_name), so re-running is a
// no-op and multiple scopes can share one database file if a deployment
// chooses to point them at the same path.
func ApplyScopeMigrations(db *sqlx.DB, scope string) ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations/"+scope)
	if err != nil {
		return nil, fmt.Errorf("store: migration scope not found: %s", scope)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _schema_migrations (
			scope          TEXT NOT NULL,
			migration_name TEXT NOT NULL,
			applied_at     TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			PRIMARY KEY (scope, migration_name)
		)`); err != nil {
		return nil, fmt.Errorf("store: create _schema_migrations: %w", err)
	}

	existing := map[string]bool{}
	var names []string
	if err := db.Select(&names, `SELECT migration_name FROM _schema_migrations WHERE scope = ?`, scope); err != nil {
		return nil, fmt.Errorf("store: read applied migrations: %w", err)
	}
	for _, name := range names {
		existing[name] = true
	}

	var pending []string
	for _, entry := range entries {
		if !entry.IsDir() && !existing[entry.Name()] {
			pending = append(pending, entry.Name())
		}
	}
	sort.Strings(pending)

	var applied []string
	for _, name := range pending {
		script, err := migrationFS.ReadFile("migrations/" + scope + "/" + name)
		if err != nil {
			return applied, fmt.Errorf("store: read migration %s: %w", name, err)
		}

		tx, err := db.Beginx()
		if err != nil {
			return applied, fmt.Errorf("store: begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(script)); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("store: apply %s/%s: %w", scope, name, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO _schema_migrations(scope, migration_name) VALUES (?, ?)`,
			scope, name,
		); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("store: record %s/%s: %w", scope, name, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("store: commit %s/%s: %w", scope, name, err)
		}
		applied = append(applied, name)
		migrateLogger.Printf("applied %s/%s", scope, name)
	}
	return applied, nil
}
