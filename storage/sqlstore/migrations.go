package sqlstore

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/sirupsen/logrus"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var fs embed.FS

func (db *DB) migrator() (*migrate.Migrate, error) {
	// Create a new source instance using the embedded migrations
	d, err := iofs.New(fs, "migrations/"+db.driver)
	if err != nil {
		return nil, err
	}

	var driver database.Driver
	switch db.driver {
	case DriverPostgres:
		driver, err = postgres.WithInstance(db.db, &postgres.Config{})
	default:
		driver, err = sqlite.WithInstance(db.db, &sqlite.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("error creating migrate driver: %w", err)
	}

	return migrate.NewWithInstance("iofs", d, db.driver, driver)
}

// Migrate runs every pending migration. The migrator shares the connection
// pool and is not closed, closing it would close the pool.
func (db *DB) Migrate() error {
	log.Info("Running migrations...")
	m, err := db.migrator()
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration error: %w", err)
	}

	version, dirty, err := m.Version()
	if err == nil {
		log.WithFields(log.Fields{
			"version": version,
			"dirty":   dirty,
		}).Info("Database migrated")
	}
	return nil
}

// Rollback reverts the given number of migrations.
func (db *DB) Rollback(steps int) error {
	if steps <= 0 {
		steps = 1
	}
	log.WithField("steps", steps).Info("Rolling back migrations...")
	m, err := db.migrator()
	if err != nil {
		return err
	}

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback error: %w", err)
	}
	return nil
}
