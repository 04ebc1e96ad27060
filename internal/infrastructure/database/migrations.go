package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strings"
	"time"
)

// migrationFile matches YYYYMMDD_HHMMSS_description.(up|down).sql.
var migrationFile = regexp.MustCompile(`^(\d{8}_\d{6})_([A-Za-z0-9_]+)\.(up|down)\.sql$`)

// ErrMissingDownSQL is returned when rolling back a migration that has no
// .down.sql file.
var ErrMissingDownSQL = errors.New("database: migration has no down SQL")

// Migration is one versioned schema change.
type Migration struct {
	// Version is YYYYMMDD_HHMMSS, taken from the filename.
	Version string
	Name    string
	UpSQL   string
	DownSQL string
}

// MigrationRecord is a row of the schema_migrations table.
type MigrationRecord struct {
	Version   string
	AppliedAt time.Time
}

// MigrationStatus compares the database with a set of migrations.
type MigrationStatus struct {
	Applied []MigrationRecord
	Pending []Migration
	// Unknown lists applied versions missing from the set: the database
	// was migrated by a newer agent, e.g. before a software rollback.
	// Migrations are additive, so the older agent still runs.
	Unknown []string
}

// Migrate applies the pending migrations of fsys, oldest first, and
// returns the versions it applied.
//
// Each migration commits on its own: when one fails the earlier ones stay
// applied and the next Migrate resumes at the failed one.
func (db *DB) Migrate(ctx context.Context, fsys fs.FS) ([]string, error) {
	st, err := db.Status(ctx, fsys)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, m := range st.Pending {
		err := db.InTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
				m.Version, time.Now().UTC().Format(time.RFC3339))
			return err
		})
		if err != nil {
			return done, fmt.Errorf("applying migration %s_%s: %w", m.Version, m.Name, err)
		}
		done = append(done, m.Version)
	}
	return done, nil
}

// MigrateDown reverts the latest applied migration and returns its
// version, or "" when none is applied.
func (db *DB) MigrateDown(ctx context.Context, fsys fs.FS) (string, error) {
	st, err := db.Status(ctx, fsys)
	if err != nil {
		return "", err
	}
	if len(st.Applied) == 0 {
		return "", nil
	}
	latest := st.Applied[len(st.Applied)-1].Version
	if slices.Contains(st.Unknown, latest) {
		return "", fmt.Errorf("migration %s was applied by a newer agent", latest)
	}

	all, err := loadMigrations(fsys)
	if err != nil {
		return "", err
	}
	i := slices.IndexFunc(all, func(m Migration) bool { return m.Version == latest })
	m := all[i]
	if m.DownSQL == "" {
		return "", fmt.Errorf("migration %s: %w", m.Version, ErrMissingDownSQL)
	}

	err = db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("reverting migration %s_%s: %w", m.Version, m.Name, err)
	}
	return m.Version, nil
}

// Status reports which migrations of fsys are applied, which are pending
// and which applied versions fsys does not know.
func (db *DB) Status(ctx context.Context, fsys fs.FS) (MigrationStatus, error) {
	var st MigrationStatus

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return st, fmt.Errorf("creating migrations table: %w", err)
	}

	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return st, err
	}
	all, err := loadMigrations(fsys)
	if err != nil {
		return st, err
	}

	known := make(map[string]bool, len(all))
	for _, m := range all {
		known[m.Version] = true
	}
	done := make(map[string]bool, len(applied))
	for _, r := range applied {
		done[r.Version] = true
		if !known[r.Version] {
			st.Unknown = append(st.Unknown, r.Version)
		}
	}
	for _, m := range all {
		if !done[m.Version] {
			st.Pending = append(st.Pending, m)
		}
	}
	st.Applied = applied
	return st, nil
}

func (db *DB) appliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("querying migrations: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var (
			r         MigrationRecord
			appliedAt string
		)
		if err := rows.Scan(&r.Version, &appliedAt); err != nil {
			return nil, fmt.Errorf("scanning migration: %w", err)
		}
		r.AppliedAt, _ = time.Parse(time.RFC3339, appliedAt) //nolint:errcheck // Written by Migrate
		records = append(records, r)
	}
	return records, rows.Err()
}

// loadMigrations reads the migration files at the root of fsys, sorted by
// version. Other files, and a .down.sql without its .up.sql, are ignored.
// A nil fsys has no migrations.
func loadMigrations(fsys fs.FS) ([]Migration, error) {
	if fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("loading migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, entry := range entries {
		version, name, up, ok := parseMigrationFilename(entry.Name())
		if !ok || entry.IsDir() {
			continue
		}
		data, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("loading migrations: %w", err)
		}

		m, seen := byVersion[version]
		if !seen {
			m = &Migration{Version: version}
			byVersion[version] = m
		}
		if up {
			m.Name, m.UpSQL = name, string(data)
		} else {
			m.DownSQL = string(data)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL != "" {
			migrations = append(migrations, *m)
		}
	}
	slices.SortFunc(migrations, func(a, b Migration) int { return strings.Compare(a.Version, b.Version) })
	return migrations, nil
}

// parseMigrationFilename splits "20260301_090000_entities.up.sql" into
// its version, description and direction.
func parseMigrationFilename(filename string) (version, name string, up, ok bool) {
	m := migrationFile.FindStringSubmatch(filename)
	if m == nil {
		return "", "", false, false
	}
	return m[1], m[2], m[3] == "up", true
}
