// Package db provides the on-device SQLite store and its schema migrations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the name of the database file inside the data directory.
const FileName = "fieldsync.db"

// DB wraps the sql.DB with FieldSync-specific configuration.
type DB struct {
	*sql.DB
	path string
}

// Open opens the device database in dataDir and applies pending migrations.
// The database is opened with:
// - WAL mode so status reads do not block a sync pass writing
// - Foreign key constraints enabled on every connection
// - A busy timeout so short write contention waits instead of failing
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, FileName)
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)", dbPath)

	// modernc.org/sqlite is pure Go, so the core builds for mobile targets without CGO
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	var fkEnabled int
	if err := sqlDB.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to check foreign keys: %w", err)
	}
	if fkEnabled != 1 {
		sqlDB.Close()
		return nil, fmt.Errorf("foreign keys are not enabled")
	}

	m, err := NewMigrator(sqlDB, Migrations())
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	if _, err := m.Apply(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &DB{DB: sqlDB, path: dbPath}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
