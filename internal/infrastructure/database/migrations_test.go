package database

import (
	"context"
	"embed"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
)

//go:embed testdata/sqlite/*.sql
var probeMigrations embed.FS

// useMigrations swaps the package-level migration source for one test.
func useMigrations(t *testing.T, fsys fs.FS, dir string) {
	t.Helper()
	origFS, origDir := MigrationsFS, MigrationsDir
	MigrationsFS, MigrationsDir = fsys, dir
	t.Cleanup(func() {
		MigrationsFS, MigrationsDir = origFS, origDir
	})
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	if err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&n); err != nil {
		t.Fatalf("sqlite_master query: %v", err)
	}
	return n == 1
}

func TestMigrate_EmbeddedProbe(t *testing.T) {
	useMigrations(t, probeMigrations, "testdata")
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "probe_racks") {
		t.Fatal("probe_racks not created")
	}

	applied, pending, err := db.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 1 || len(pending) != 0 {
		t.Fatalf("applied/pending = %d/%d, want 1/0", len(applied), len(pending))
	}
	if applied[0].Name != "create_probe_racks" {
		t.Errorf("Name = %q, want create_probe_racks", applied[0].Name)
	}
	if applied[0].AppliedAt.IsZero() {
		t.Error("AppliedAt should be set")
	}

	// Second run is a no-op.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrate_OrderAndResume(t *testing.T) {
	fsys := fstest.MapFS{
		"m/sqlite/20260301_090000_banks.up.sql": {Data: []byte(
			"CREATE TABLE banks (code TEXT PRIMARY KEY);")},
		"m/sqlite/20260302_090000_broken.up.sql": {Data: []byte(
			"CREATE TABLE aisles (id TEXT PRIMARY KEY, bank_code TEXT REFERENCES banks(code));\nNOT VALID SQL;")},
	}
	useMigrations(t, fsys, "m")
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup
	ctx := context.Background()

	err := db.Migrate(ctx)
	if err == nil || !strings.Contains(err.Error(), "20260302_090000") {
		t.Fatalf("Migrate() error = %v, want failure naming 20260302_090000", err)
	}
	if !tableExists(t, db, "banks") {
		t.Error("first migration should stay committed")
	}
	if tableExists(t, db, "aisles") {
		t.Error("failed migration should be rolled back")
	}

	// Fix the broken file and resume.
	fsys["m/sqlite/20260302_090000_broken.up.sql"] = &fstest.MapFile{Data: []byte(
		"CREATE TABLE aisles (id TEXT PRIMARY KEY, bank_code TEXT REFERENCES banks(code));")}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("resumed Migrate() error = %v", err)
	}
	applied, _, err := db.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 2 || applied[0].Version != "20260301_090000" || applied[1].Version != "20260302_090000" {
		t.Errorf("applied = %+v, want both versions in order", applied)
	}
}

func TestMigrateDown(t *testing.T) {
	useMigrations(t, probeMigrations, "testdata")
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "probe_racks") {
		t.Error("probe_racks should have been dropped")
	}

	applied, pending, err := db.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 0 || len(pending) != 1 {
		t.Errorf("applied/pending = %d/%d, want 0/1", len(applied), len(pending))
	}

	// Nothing left to roll back.
	if err := db.MigrateDown(ctx); err != nil {
		t.Errorf("MigrateDown() on empty history error = %v", err)
	}
}

func TestMigrateDown_NoDownSQL(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"m/sqlite/20260301_090000_one_way.up.sql": {Data: []byte("CREATE TABLE one_way (id INTEGER);")},
	}, "m")
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	err := db.MigrateDown(ctx)
	if err == nil || !strings.Contains(err.Error(), "no down SQL") {
		t.Errorf("MigrateDown() error = %v, want no down SQL", err)
	}
}

func TestMigrate_NoMigrations(t *testing.T) {
	t.Run("nil filesystem", func(t *testing.T) {
		useMigrations(t, nil, ".")
		db := openTestDB(t)
		defer db.Close() //nolint:errcheck // Test cleanup
		if err := db.Migrate(context.Background()); err != nil {
			t.Fatalf("Migrate() error = %v", err)
		}
	})

	t.Run("no directory for dialect", func(t *testing.T) {
		useMigrations(t, fstest.MapFS{
			"m/postgres/20260301_090000_only_pg.up.sql": {Data: []byte("CREATE TABLE x (id BIGSERIAL);")},
		}, "m")
		db := openTestDB(t)
		defer db.Close() //nolint:errcheck // Test cleanup
		if err := db.Migrate(context.Background()); err != nil {
			t.Fatalf("Migrate() error = %v", err)
		}
		if tableExists(t, db, "x") {
			t.Error("postgres migration applied to sqlite")
		}
	})
}

func TestLoadMigrations_Errors(t *testing.T) {
	tests := []struct {
		name  string
		files fstest.MapFS
		want  string
	}{
		{
			name: "orphan down",
			files: fstest.MapFS{
				"m/sqlite/20260301_090000_gone.down.sql": {Data: []byte("DROP TABLE gone;")},
			},
			want: "has no up migration",
		},
		{
			name: "duplicate version",
			files: fstest.MapFS{
				"m/sqlite/20260301_090000_a.up.sql": {Data: []byte("SELECT 1;")},
				"m/sqlite/20260301_090000_b.up.sql": {Data: []byte("SELECT 1;")},
			},
			want: "duplicate up migration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useMigrations(t, tt.files, "m")
			db := openTestDB(t)
			defer db.Close() //nolint:errcheck // Test cleanup

			err := db.Migrate(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Migrate() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestParseMigrationFile(t *testing.T) {
	tests := []struct {
		filename string
		want     migrationFile
		wantOK   bool
	}{
		{"20260301_090000_initial_schema.up.sql", migrationFile{"20260301_090000", "initial_schema", true}, true},
		{"20260301_090000_initial_schema.down.sql", migrationFile{"20260301_090000", "initial_schema", false}, true},
		{"20260305_120000_add_open_session_to_devices.up.sql", migrationFile{"20260305_120000", "add_open_session_to_devices", true}, true},
		{"20260301_090000.up.sql", migrationFile{"20260301_090000", "", true}, true},
		{"readme.txt", migrationFile{}, false},
		{"20260301_090000_initial_schema.sql", migrationFile{}, false},
		{"invalid.up.sql", migrationFile{}, false},
		{"2026_0900_short.up.sql", migrationFile{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got, ok := parseMigrationFile(tt.filename)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("parseMigrationFile(%q) = %+v, want %+v", tt.filename, got, tt.want)
			}
		})
	}
}
