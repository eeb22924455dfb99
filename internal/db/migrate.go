package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/sociapp/fieldsync/internal/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema steps compiled into the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(fmt.Sprintf("embedded migrations: %v", err))
	}
	return sub
}

// stepName matches V<version>__<name>.<up|down>.sql
var stepName = regexp.MustCompile(`^V(\d+)__([a-z0-9_]+)\.(up|down)\.sql$`)

// schemaStep is one versioned change to the on-device store.
type schemaStep struct {
	version int
	name    string
	up      []byte
	down    []byte
}

func (s schemaStep) checksum() string {
	sum := sha256.Sum256(s.up)
	return hex.EncodeToString(sum[:])
}

// AppliedStep is a row of schema_versions.
type AppliedStep struct {
	Version   int
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// Migrator brings the queue schema up to the version the binary ships with.
// An applied step whose file changed is refused, never re-run.
type Migrator struct {
	db    *sql.DB
	steps []schemaStep
}

func migrationErr(msg string, err error) error {
	if err == nil {
		return apperrors.New(apperrors.ErrMigration, msg)
	}
	return apperrors.Wrap(apperrors.ErrMigration, msg, err)
}

// NewMigrator loads the steps in fsys. Every .sql file must follow the
// naming scheme, versions must run 1..n without gaps, and every step needs an
// up file. Other files are ignored.
func NewMigrator(db *sql.DB, fsys fs.FS) (*Migrator, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, migrationErr("read migrations", err)
	}

	byVersion := make(map[int]*schemaStep)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		parts := stepName.FindStringSubmatch(entry.Name())
		if parts == nil {
			return nil, migrationErr(fmt.Sprintf("malformed migration name %q", entry.Name()), nil)
		}
		version, _ := strconv.Atoi(parts[1])
		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, migrationErr("read "+entry.Name(), err)
		}

		step, ok := byVersion[version]
		if !ok {
			step = &schemaStep{version: version, name: parts[2]}
			byVersion[version] = step
		}
		if step.name != parts[2] {
			return nil, migrationErr(fmt.Sprintf("V%d has two names: %s and %s", version, step.name, parts[2]), nil)
		}
		if parts[3] == "up" {
			step.up = content
		} else {
			step.down = content
		}
	}

	steps := make([]schemaStep, 0, len(byVersion))
	for _, s := range byVersion {
		steps = append(steps, *s)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	for i, s := range steps {
		if s.version != i+1 {
			return nil, migrationErr(fmt.Sprintf("migration V%d is missing", i+1), nil)
		}
		if s.up == nil {
			return nil, migrationErr(fmt.Sprintf("V%d__%s has no up file", s.version, s.name), nil)
		}
	}

	return &Migrator{db: db, steps: steps}, nil
}

// Latest returns the version the shipped steps lead to.
func (m *Migrator) Latest() int {
	return len(m.steps)
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		name TEXT NOT NULL CHECK(length(name) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64),
		applied_at INTEGER NOT NULL
	)`)
	if err != nil {
		return migrationErr("create schema_versions", err)
	}
	return nil
}

// Version returns the highest applied version, 0 for a fresh store.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}
	var version int
	if err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version); err != nil {
		return 0, migrationErr("read schema version", err)
	}
	return version, nil
}

// Applied lists the applied steps in version order.
func (m *Migrator) Applied(ctx context.Context) ([]AppliedStep, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, "SELECT version, name, checksum, applied_at FROM schema_versions ORDER BY version")
	if err != nil {
		return nil, migrationErr("list schema versions", err)
	}
	defer rows.Close()

	var applied []AppliedStep
	for rows.Next() {
		var step AppliedStep
		var appliedAt int64
		if err := rows.Scan(&step.Version, &step.Name, &step.Checksum, &appliedAt); err != nil {
			return nil, migrationErr("scan schema version", err)
		}
		step.AppliedAt = time.UnixMilli(appliedAt)
		applied = append(applied, step)
	}
	if err := rows.Err(); err != nil {
		return nil, migrationErr("list schema versions", err)
	}
	return applied, nil
}

// Apply runs every step above the current version, each in its own
// transaction, and returns how many ran. A store newer than the binary is
// refused.
func (m *Migrator) Apply(ctx context.Context) (int, error) {
	applied, err := m.Applied(ctx)
	if err != nil {
		return 0, err
	}
	if n := len(applied); n > 0 && applied[n-1].Version > m.Latest() {
		return 0, migrationErr(fmt.Sprintf("store is at V%d but this build only knows V%d", applied[n-1].Version, m.Latest()), nil)
	}

	done := make(map[int]string, len(applied))
	for _, a := range applied {
		done[a.Version] = a.Checksum
	}

	ran := 0
	for _, step := range m.steps {
		if sum, ok := done[step.version]; ok {
			if sum != step.checksum() {
				return ran, migrationErr(fmt.Sprintf("V%d__%s changed after it was applied", step.version, step.name), nil)
			}
			continue
		}
		if err := m.run(ctx, step); err != nil {
			return ran, err
		}
		ran++
	}
	return ran, nil
}

func (m *Migrator) run(ctx context.Context, step schemaStep) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return migrationErr("begin migration", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(step.up)); err != nil {
		return migrationErr(fmt.Sprintf("apply V%d__%s", step.version, step.name), err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_versions (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)",
		step.version, step.name, step.checksum(), time.Now().UnixMilli(),
	); err != nil {
		return migrationErr(fmt.Sprintf("record V%d", step.version), err)
	}
	if err := tx.Commit(); err != nil {
		return migrationErr(fmt.Sprintf("commit V%d", step.version), err)
	}
	return nil
}

// Rollback reverts the latest applied step.
func (m *Migrator) Rollback(ctx context.Context) error {
	current, err := m.Version(ctx)
	if err != nil {
		return err
	}
	if current == 0 {
		return migrationErr("no migrations to roll back", nil)
	}
	if current > m.Latest() {
		return migrationErr(fmt.Sprintf("V%d is unknown to this build", current), nil)
	}
	step := m.steps[current-1]
	if step.down == nil {
		return migrationErr(fmt.Sprintf("V%d__%s has no down file", step.version, step.name), nil)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return migrationErr("begin rollback", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(step.down)); err != nil {
		return migrationErr(fmt.Sprintf("roll back V%d__%s", step.version, step.name), err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_versions WHERE version = ?", step.version); err != nil {
		return migrationErr(fmt.Sprintf("forget V%d", step.version), err)
	}
	if err := tx.Commit(); err != nil {
		return migrationErr(fmt.Sprintf("commit rollback of V%d", step.version), err)
	}
	return nil
}
