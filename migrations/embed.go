// Package migrations embeds SQL migration files into the binary.
//
// Each dialect has its own directory (sqlite/, postgres/) with matching
// version numbers; the database package picks the directory for the dialect
// it is connected to.
package migrations

import (
	"embed"

	"github.com/nerrad567/mrs-core/internal/infrastructure/database"
)

//go:embed sqlite/*.sql postgres/*.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
