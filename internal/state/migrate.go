// Package state mirrors per-profile automation state and publish outcomes
// into Postgres (C9): golang-migrate applies schema migrations, and
// writes go through dbpg with a retry strategy.
package state

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrateUp applies every pending migration under sourcePath to the
// database at connString.
func MigrateUp(connString, sourcePath string) error {
	m, err := migrate.New(sourcePath, connString)
	if err != nil {
		return fmt.Errorf("state: unable to open migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("state: unable to apply migrations: %w", err)
	}
	return nil
}
