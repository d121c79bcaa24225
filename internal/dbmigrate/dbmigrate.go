// Package dbmigrate applies the numbered SQL files under db/migrations
// against the relational store's primary connection, tracking applied
// versions in a schema_migrations table so re-running Up is a no-op for
// anything already applied.
package dbmigrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strconv"
)

var filenamePattern = regexp.MustCompile(`^(\d+)_.*\.sql$`)

// Migration is one numbered SQL file.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Load reads and orders every *.sql file in dir by its leading version number.
func Load(dir fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(dir, ".")
	if err != nil {
		return nil, fmt.Errorf("dbmigrate: read migrations dir: %w", err)
	}

	var out []Migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := filenamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		body, err := fs.ReadFile(dir, e.Name())
		if err != nil {
			return nil, fmt.Errorf("dbmigrate: read %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: e.Name(), SQL: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// LoadDir is a convenience wrapper over Load for an on-disk directory path.
func LoadDir(path string) ([]Migration, error) {
	return Load(os.DirFS(path))
}

// Runner applies migrations against a *sql.DB.
type Runner struct {
	db *sql.DB
}

// NewRunner builds a Runner over an already-open primary connection.
func NewRunner(db *sql.DB) *Runner {
	return &Runner{db: db}
}

func (r *Runner) ensureTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			name        TEXT NOT NULL,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

// Applied returns the set of already-applied version numbers.
func (r *Runner) Applied(ctx context.Context) (map[int]bool, error) {
	if err := r.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("dbmigrate: ensure schema_migrations: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("dbmigrate: read applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// Up applies every migration in migrations not yet recorded as applied, each
// inside its own transaction, and reports the versions it ran.
func (r *Runner) Up(ctx context.Context, migrations []Migration) ([]int, error) {
	applied, err := r.Applied(ctx)
	if err != nil {
		return nil, err
	}

	var ran []int
	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if err := r.applyOne(ctx, m); err != nil {
			return ran, fmt.Errorf("dbmigrate: apply %s: %w", m.Name, err)
		}
		ran = append(ran, m.Version)
	}
	return ran, nil
}

func (r *Runner) applyOne(ctx context.Context, m Migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
		return err
	}
	return tx.Commit()
}

// StatusEntry is one migration found on disk and whether it has been applied.
type StatusEntry struct {
	Version int
	Name    string
	Applied bool
}

// Status reports every migration found on disk alongside whether it has
// been applied, for the CLI's migrate status output.
func (r *Runner) Status(ctx context.Context, migrations []Migration) ([]StatusEntry, error) {
	applied, err := r.Applied(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]StatusEntry, 0, len(migrations))
	for _, m := range migrations {
		out = append(out, StatusEntry{Version: m.Version, Name: m.Name, Applied: applied[m.Version]})
	}
	return out, nil
}
