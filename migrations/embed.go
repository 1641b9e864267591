// Package migrations embeds the feeder store's SQL migration files into the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/feeder-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

// Source returns the embedded migrations for database.DB.Migrate.
func Source() database.MigrationSource {
	return database.MigrationSource{FS: migrationsFS, Dir: "."}
}
