package db

import (
	"database/sql"
	"embed"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"

	"pasteforge/svc/util"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// newMigrator does not own db: never Close the returned instance, the
// sqlite3 driver would close the shared handle with it.
func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "open migrations")
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		return nil, errors.Wrap(err, "new migrator")
	}
	return m, nil
}

func MigrateUp(db *sql.DB) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "migrate up")
	}
	v, dirty, _ := m.Version()
	util.Debug().Uint("version", v).Bool("dirty", dirty).Msg("schema migrated")
	return nil
}

// MigrateDown rolls back steps migrations; steps <= 0 rolls back everything.
func MigrateDown(db *sql.DB, steps int) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if steps > 0 {
		err = m.Steps(-steps)
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "migrate down")
	}
	return nil
}

func SchemaVersion(db *sql.DB) (uint, bool, error) {
	m, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}
