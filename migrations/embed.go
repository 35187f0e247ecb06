// Package migrations embeds the SQL schema of the instrumental database
// and registers it as the default migration set. Import it for its side
// effect wherever database.Open is followed by Migrate.
package migrations

import (
	"embed"

	"github.com/mabuchilab/instrumental/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.RegisterMigrations(files)
}
