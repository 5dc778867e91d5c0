// Package migrate runs database migrations from embedded SQL files using golang-migrate.
package migrate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/samber/oops"

	"clinix/backend/internal/db"
)

// ErrNoChange is returned when Up/Down has nothing to do (already at target version).
var ErrNoChange = migrate.ErrNoChange

var ErrMissingDSN = errors.New("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")

// Run applies migrations in the given direction using the provided DSN.
// direction must be "up" or "down". Being already at the target version is not an error.
func Run(dsn string, direction string) error {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return ErrMissingDSN
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}

	src, err := Source()
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, driverURL(dsn))
	if err != nil {
		return oops.Code("MIGRATE_INIT_FAILED").Wrap(err)
	}
	defer func() { _, _ = m.Close() }()

	if direction == "up" {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return oops.Code("MIGRATE_FAILED").With("direction", direction).Wrap(err)
	}
	return nil
}

// Source returns the embedded migrations as a golang-migrate source driver.
func Source() (source.Driver, error) {
	src, err := iofs.New(db.MigrationFS, "migrations")
	if err != nil {
		return nil, oops.Code("MIGRATE_SOURCE_FAILED").Wrap(err)
	}
	return src, nil
}

// driverURL rewrites a libpq-style URL to the scheme the pgx/v5 migrate driver registers.
func driverURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}
