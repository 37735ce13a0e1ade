package remote

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	// Registers the postgres:// and postgresql:// database drivers.
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/TheMichaelB/jobsync/internal/events"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrator is the part of migrate.Migrate used here.
type Migrator interface {
	Up() error
	Version() (version uint, dirty bool, err error)
	Close() (source error, database error)
}

// MigrationEngine opens a Migrator for the embedded migrations against databaseURL.
type MigrationEngine func(databaseURL string) (Migrator, error)

// DefaultEngine reads migrations from the binary.
func DefaultEngine(databaseURL string) (Migrator, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open migrator: %w", err)
	}
	return m, nil
}

// Migrate brings the remote schema up to date.
func Migrate(databaseURL string, engine MigrationEngine, logger *events.Logger) (err error) {
	if engine == nil {
		engine = DefaultEngine
	}

	m, err := engine(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		serr, dberr := m.Close()
		if serr != nil {
			err = errors.Join(err, fmt.Errorf("migration source: %w", serr))
		}
		if dberr != nil {
			err = errors.Join(err, fmt.Errorf("migration database: %w", dberr))
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("Remote schema up to date")
			return nil
		}
		return fmt.Errorf("migrate up: %w", err)
	}

	version, dirty, verr := m.Version()
	if verr == nil {
		logger.WithFields(map[string]interface{}{
			"version": version,
			"dirty":   dirty,
		}).Info("Remote schema migrated")
	}
	return nil
}
