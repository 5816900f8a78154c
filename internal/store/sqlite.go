// Package store owns the embedded SQLite databases: one file per logical
// scope (identity, delegation, idempotency, lease), each opened with WAL
// journaling and NORMAL synchronous, each migrated independently.
package store

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// Open opens (creating parent directories as needed) the SQLite database
// at path with the pragmas every scope requires. The returned handle is
// safe for concurrent use; SQLite serializes writers internally and WAL
// keeps readers off the write path.
func Open(path string) (*sqlx.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty database path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000",
		url.PathEscape(path),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	// Single writer per scope; extra pool connections only add lock
	// contention on the WAL.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}
	return db, nil
}

// OpenScope opens the database for a scope and applies its migrations.
func OpenScope(path, scope string) (*sqlx.DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := ApplyScopeMigrations(db, scope); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// IsUniqueViolation reports whether err is a SQLite constraint violation,
// which every scope store maps to ALREADY_EXISTS on insert paths.
func IsUniqueViolation(err error) bool {
	var sqlErr sqlite3.Error
	return errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint
}
