// Package migration applies the embedded schema of the SQL stores with golang-migrate.
package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/database"
	gormadapter "github.com/tigerroll/onboarding/pkg/onboarding/adapter/database/gorm"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// MigrationsTable tracks applied schema versions.
const MigrationsTable = "onboarding_schema_migrations"

//go:embed resource
var resourceFS embed.FS

// Migrator handles database schema migrations.
type Migrator interface {
	// Up applies all pending migrations.
	Up(ctx context.Context) error
	// Down rolls back all applied migrations.
	Down(ctx context.Context) error
	// Version returns the applied version and whether the schema is dirty.
	Version(ctx context.Context) (uint, bool, error)
}

type migratorImpl struct {
	conn   database.DBConnection
	dbType string
	fsys   fs.FS
}

// NewMigrator creates a Migrator for conn using the embedded schema of its database type.
func NewMigrator(conn database.DBConnection) Migrator {
	return &migratorImpl{conn: conn, dbType: conn.Type(), fsys: resourceFS}
}

// SourcePath returns the embedded directory holding the migrations of dbType.
func SourcePath(dbType string) (string, error) {
	switch dbType {
	case "sqlite", "postgres", "mysql":
		return "resource/" + dbType, nil
	}
	return "", fmt.Errorf("unsupported database type for migration: %s", dbType)
}

func (m *migratorImpl) databaseDriver(sqlDB *sql.DB) (migratedb.Driver, error) {
	switch m.dbType {
	case "postgres":
		return postgres.WithInstance(sqlDB, &postgres.Config{MigrationsTable: MigrationsTable})
	case "mysql":
		return mysql.WithInstance(sqlDB, &mysql.Config{MigrationsTable: MigrationsTable})
	case "sqlite":
		return sqlite.WithInstance(sqlDB, &sqlite.Config{MigrationsTable: MigrationsTable})
	}
	return nil, fmt.Errorf("unsupported database type for migration: %s", m.dbType)
}

func (m *migratorImpl) instance() (*migrate.Migrate, error) {
	path, err := SourcePath(m.dbType)
	if err != nil {
		return nil, err
	}
	// The migrate instance closes its database on Close, so it gets a pool of its own.
	db, err := gormadapter.Open(m.conn.Config())
	if err != nil {
		return nil, fmt.Errorf("failed to open migration connection: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	source, err := iofs.New(m.fsys, path)
	if err != nil {
		return nil, fmt.Errorf("failed to create iofs source driver for path %s: %w", path, err)
	}
	driver, err := m.databaseDriver(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}
	inst, err := migrate.NewWithInstance("iofs", source, m.dbType, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return inst, nil
}

func (m *migratorImpl) run(command string, step func(*migrate.Migrate) error) error {
	logger.Infof("Executing migration '%s' on '%s' (%s).", command, m.conn.Name(), m.dbType)
	inst, err := m.instance()
	if err != nil {
		return err
	}
	defer inst.Close()

	if err := step(inst); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration '%s' failed (DB: %s): %w", command, m.dbType, err)
	}
	logger.Infof("Migration '%s' completed successfully.", command)
	return nil
}

func (m *migratorImpl) Up(ctx context.Context) error {
	return m.run("up", func(inst *migrate.Migrate) error { return inst.Up() })
}

func (m *migratorImpl) Down(ctx context.Context) error {
	return m.run("down", func(inst *migrate.Migrate) error { return inst.Down() })
}

func (m *migratorImpl) Version(ctx context.Context) (uint, bool, error) {
	inst, err := m.instance()
	if err != nil {
		return 0, false, err
	}
	defer inst.Close()
	v, dirty, err := inst.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}
