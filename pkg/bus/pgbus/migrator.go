package pgbus

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// runMigrations brings hermes_bus_messages up to date before the consumer's
// first query, grounded on the teacher's pkg/migrator.RunMigrations: goose
// over the same pgx-backed *sql.DB, replacing watermill-sql's
// AutoInitializeSchema flag (used only by the companion Publisher, which
// writes to its own watermill-managed tables) with an explicit, logged step
// for the table this package actually reads from.
func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("pgbus: set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("pgbus: run migrations: %w", err)
	}
	return nil
}
