package postgres

import (
	"embed"
	"errors"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationResult reports the schema version after Migrate.
type MigrationResult struct {
	Version uint
	Dirty   bool
}

// Migrate applies the embedded migrations over a dedicated database/sql connection.
func Migrate(dsn string) (MigrationResult, error) {
	db, err := otelsql.Open("postgres", dsn, otelsql.WithAttributes(
		attribute.String("db.system", "postgresql"),
	))
	if err != nil {
		return MigrationResult{}, fmt.Errorf("open db for migrations: %w", err)
	}
	defer db.Close()

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return MigrationResult{}, fmt.Errorf("create migration source: %w", err)
	}
	dbDriver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return MigrationResult{}, fmt.Errorf("create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return MigrationResult{}, fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return MigrationResult{}, fmt.Errorf("read migration version: %w", err)
	}
	return MigrationResult{Version: version, Dirty: dirty}, nil
}
