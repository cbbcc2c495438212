package storage

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mongodb"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/seml-project/seml/pkg/config"
)

//go:embed migrations/*.json
var migrationsFS embed.FS

// Migrate applies every pending index migration to the configured
// database. It is idempotent: re-running it against an already-migrated
// database is a no-op (migrate.ErrNoChange), grounded on teacher
// `pkg/database/migrations.go`'s index-bootstrap role, generalized from
// Postgres GIN indexes to Mongo collection indexes (status, batch_id, the
// Slurm placement compound index ClaimForRun's Slurm-task predicate
// depends on, and the Source Snapshot Store's path index).
func Migrate(cfg *config.Config) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("opening embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, mongoMigrateURL(cfg))
	if err != nil {
		return fmt.Errorf("initializing migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// mongoMigrateURL builds the database URL golang-migrate's mongodb driver
// expects: the connection URI with the target database name as its path,
// since MongoURI itself may be a bare host/replica-set string.
func mongoMigrateURL(cfg *config.Config) string {
	uri := strings.TrimSuffix(cfg.MongoURI, "/")
	return fmt.Sprintf("%s/%s", uri, cfg.MongoDatabase)
}
