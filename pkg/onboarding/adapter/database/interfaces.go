// Package database defines the relational connection contracts used by the SQL stores.
package database

import (
	"context"
	"database/sql"

	"gorm.io/gorm"

	dbconfig "github.com/tigerroll/onboarding/pkg/onboarding/adapter/database/config"
	coreAdapter "github.com/tigerroll/onboarding/pkg/onboarding/core/adapter"
)

// DBConnection represents a named gorm connection.
type DBConnection interface {
	coreAdapter.ResourceConnection

	// DB returns the gorm handle bound to ctx.
	DB(ctx context.Context) *gorm.DB
	// GetSQLDB returns the underlying *sql.DB connection.
	GetSQLDB() (*sql.DB, error)
	// Config returns the database configuration associated with this connection.
	Config() dbconfig.DatabaseConfig
	// IsDuplicateKeyError reports whether err is a primary or unique key violation.
	IsDuplicateKeyError(err error) bool
}

// DBProvider is responsible for providing database connections of one type.
type DBProvider interface {
	// GetConnection retrieves a database connection with the specified name.
	GetConnection(name string) (DBConnection, error)
	// CloseAll closes all connections managed by this provider.
	CloseAll() error
	// Type returns the database type handled by this provider.
	Type() string
}

// DBConnectionResolver resolves a named connection to the provider of its configured type.
type DBConnectionResolver interface {
	ResolveDBConnection(ctx context.Context, name string) (DBConnection, error)
}

// DBProviderGroup is the fx value group collecting every DBProvider.
const DBProviderGroup = `group:"db_providers"`
