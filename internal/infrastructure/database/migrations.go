package database

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// MigrationsFS holds the embedded migration files. The migrations package
// sets it from init; a nil FS means there is nothing to apply.
//
// Files live under MigrationsDir/<dialect>/ and are named
// YYYYMMDD_HHMMSS_description.{up,down}.sql. Both dialects carry the same
// versions so a site can move between SQLite and PostgreSQL.
var MigrationsFS fs.FS

// MigrationsDir is the root inside MigrationsFS that holds one directory per
// dialect.
var MigrationsDir = "migrations"

// migrationLockKey is the pg_advisory_xact_lock key taken while a migration
// is applied, so instances starting together do not race on DDL.
const migrationLockKey = 7_300_417

// Migration is one versioned schema change.
type Migration struct {
	Version string // YYYYMMDD_HHMMSS
	Name    string
	UpSQL   string
	DownSQL string
}

// MigrationRecord is a row of schema_migrations.
type MigrationRecord struct {
	Version   string
	Name      string
	AppliedAt time.Time
}

// Migrate applies every pending migration for the connection's dialect,
// oldest first, each in its own transaction. A failure leaves earlier
// migrations committed; calling Migrate again resumes at the failed one.
func (db *DB) Migrate(ctx context.Context) error {
	if err := db.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	_, pending, err := db.MigrationStatus(ctx)
	if err != nil {
		return err
	}

	for _, m := range pending {
		if err := db.apply(ctx, m); err != nil {
			return fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// MigrateDown rolls back the newest applied migration. Used by tests and
// during development.
func (db *DB) MigrateDown(ctx context.Context) error {
	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return nil
	}
	latest := applied[len(applied)-1]

	all, err := db.loadMigrations()
	if err != nil {
		return err
	}
	var m *Migration
	for i := range all {
		if all[i].Version == latest.Version {
			m = &all[i]
			break
		}
	}
	switch {
	case m == nil:
		return fmt.Errorf("migration %s not found in %s", latest.Version, db.migrationsPath())
	case m.DownSQL == "":
		return fmt.Errorf("migration %s has no down SQL", latest.Version)
	}

	return db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			return fmt.Errorf("executing down SQL: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version); err != nil {
			return fmt.Errorf("removing migration record: %w", err)
		}
		return nil
	})
}

// MigrationStatus reports what has been applied and what is still pending.
// The migrations table must exist.
func (db *DB) MigrationStatus(ctx context.Context) (applied []MigrationRecord, pending []Migration, err error) {
	applied, err = db.appliedMigrations(ctx)
	if err != nil {
		return nil, nil, err
	}
	all, err := db.loadMigrations()
	if err != nil {
		return nil, nil, fmt.Errorf("loading migrations: %w", err)
	}

	done := make(map[string]bool, len(applied))
	for _, r := range applied {
		done[r.Version] = true
	}
	for _, m := range all {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	return applied, pending, nil
}

func (db *DB) ensureMigrationsTable(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			applied_at TEXT NOT NULL
		)`)
	return err
}

func (db *DB) appliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := db.QueryContext(ctx, "SELECT version, name, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("querying migrations: %w", err)
	}
	defer rows.Close()

	var out []MigrationRecord
	for rows.Next() {
		var (
			r  MigrationRecord
			at string
		)
		if err := rows.Scan(&r.Version, &r.Name, &at); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		if r.AppliedAt, err = ParseTime(at); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating migrations: %w", err)
	}
	return out, nil
}

// apply runs one migration. On PostgreSQL the transaction first takes an
// advisory lock and re-checks the version, since another instance may have
// applied it after our status read.
func (db *DB) apply(ctx context.Context, m Migration) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		if tx.Dialect() == Postgres {
			if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(?)", migrationLockKey); err != nil {
				return fmt.Errorf("locking migrations: %w", err)
			}
			var n int
			if err := tx.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.Version,
			).Scan(&n); err != nil {
				return fmt.Errorf("rechecking migration: %w", err)
			}
			if n > 0 {
				return nil
			}
		}

		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			return fmt.Errorf("executing SQL: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Name, FormatTime(time.Now()),
		); err != nil {
			return fmt.Errorf("recording migration: %w", err)
		}
		return nil
	})
}

func (db *DB) migrationsPath() string {
	return path.Join(MigrationsDir, string(db.dialect))
}

// loadMigrations reads the dialect's directory. A missing directory means
// no migrations. A down file without a matching up file is an error.
func (db *DB) loadMigrations() ([]Migration, error) {
	if MigrationsFS == nil {
		return nil, nil
	}
	dir := db.migrationsPath()
	entries, err := fs.ReadDir(MigrationsFS, dir)
	if err != nil {
		return nil, nil //nolint:nilerr // no directory for this dialect
	}

	byVersion := make(map[string]*Migration)
	downOnly := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, ok := parseMigrationFile(e.Name())
		if !ok {
			continue
		}
		body, err := fs.ReadFile(MigrationsFS, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}

		m := byVersion[f.version]
		if m == nil {
			m = &Migration{Version: f.version}
			byVersion[f.version] = m
		}
		if f.up {
			if m.UpSQL != "" {
				return nil, fmt.Errorf("duplicate up migration for version %s", f.version)
			}
			m.Name = f.name
			m.UpSQL = string(body)
			delete(downOnly, f.version)
		} else {
			m.DownSQL = string(body)
			if m.UpSQL == "" {
				downOnly[f.version] = e.Name()
			}
		}
	}
	for version, name := range downOnly {
		return nil, fmt.Errorf("down migration %s has no up migration for version %s", name, version)
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// migrationFile is a parsed migration filename.
type migrationFile struct {
	version string
	name    string
	up      bool
}

// parseMigrationFile splits "20260301_090000_initial_schema.up.sql" into
// version 20260301_090000, name initial_schema and direction up.
func parseMigrationFile(filename string) (migrationFile, bool) {
	var f migrationFile

	base, ok := strings.CutSuffix(filename, ".sql")
	if !ok {
		return f, false
	}
	if b, isUp := strings.CutSuffix(base, ".up"); isUp {
		base, f.up = b, true
	} else if b, isDown := strings.CutSuffix(base, ".down"); isDown {
		base = b
	} else {
		return f, false
	}

	parts := strings.SplitN(base, "_", 3)
	if len(parts) < 2 || len(parts[0]) != 8 || len(parts[1]) != 6 {
		return f, false
	}
	f.version = parts[0] + "_" + parts[1]
	if len(parts) == 3 {
		f.name = parts[2]
	}
	return f, true
}
