// Package database provides relational storage connectivity for MRS Core.
//
// Two dialects are supported behind one *sql.DB wrapper:
//   - SQLite (github.com/mattn/go-sqlite3) for single-instance sites
//   - PostgreSQL (github.com/jackc/pgx/v5 stdlib driver) when several core
//     instances share one store
//
// Repositories write queries with ? placeholders against the Querier
// interface; DB and Tx rebind them for the dialect. Row locks that serialize
// bank decisions use Dialect.LockClause: SELECT ... FOR UPDATE on
// PostgreSQL, and BEGIN IMMEDIATE transactions on SQLite.
//
// Timestamps are stored as fixed-width UTC text (TimeLayout) in both
// dialects, so ORDER BY on a timestamp column is chronological.
//
// Usage:
//
//	db, err := database.Open(database.Config{Driver: "sqlite", Path: "./data/mrs.db"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration Strategy:
//
// Migrations live in migrations/<dialect>/ and share version numbers across
// dialects. They are additive-only:
//   - New columns must be NULLABLE or have DEFAULT values
//   - Never DROP or RENAME columns
//   - Each migration file has both .up.sql and .down.sql
package database
