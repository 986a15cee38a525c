package migrations

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed *.go
var migrationFiles embed.FS

// Run applies all pending schema migrations. Table creation itself happens in the
// table constructors; migrations only reshape columns of existing deployments.
func Run(db *sql.DB) error {
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}
