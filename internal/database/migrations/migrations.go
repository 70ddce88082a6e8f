// Package migrations owns the run-history schema.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// Status is the schema version of a run-history database compared with the
// newest migration embedded in the binary. Current is 0 when the database
// has never been migrated.
type Status struct {
	Current uint
	Latest  uint
	Dirty   bool
}

// Err describes why the schema cannot be used, or returns nil when it is
// exactly at the latest version.
func (s Status) Err() error {
	switch {
	case s.Current == 0:
		return fmt.Errorf("run history has no schema version (needs migration)")
	case s.Dirty:
		return fmt.Errorf("run history is dirty at version %d (a migration failed part way)", s.Current)
	case s.Current < s.Latest:
		return fmt.Errorf("run history is at version %d, binary expects %d", s.Current, s.Latest)
	case s.Current > s.Latest:
		return fmt.Errorf("run history version %d is newer than this binary (%d); upgrade wxannual", s.Current, s.Latest)
	}
	return nil
}

// ReadStatus reports the schema version of db. It does not migrate.
func ReadStatus(db *sql.DB) (Status, error) {
	latest, err := latestVersion()
	if err != nil {
		return Status{}, err
	}

	m, err := newMigrate(db)
	if err != nil {
		return Status{}, err
	}
	// m is not closed: closing it would close db, which the caller owns.

	st := Status{Latest: latest}
	st.Current, st.Dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return st, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("reading schema version: %w", err)
	}
	return st, nil
}

// CheckDBMigrationStatus fails unless db is at the latest schema version.
func CheckDBMigrationStatus(db *sql.DB) error {
	st, err := ReadStatus(db)
	if err != nil {
		return err
	}
	return st.Err()
}

// MigrateUp applies all pending migrations. An up-to-date database is not
// an error.
func MigrateUp(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating sqlite3 migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return m, nil
}

// latestVersion returns the highest embedded migration version.
func latestVersion() (uint, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return 0, fmt.Errorf("reading embedded migrations: %w", err)
	}
	defer src.Close()
	return lastVersion(src)
}

func lastVersion(src source.Driver) (uint, error) {
	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("no embedded migrations: %w", err)
	}
	for {
		next, err := src.Next(v)
		if err != nil {
			return v, nil
		}
		v = next
	}
}
