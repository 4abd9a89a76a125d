// Package sqlite provides a GORM DBProvider implementation for SQLite databases.
package sqlite

import (
	"errors"

	sqlite3 "github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/database"
	dbconfig "github.com/tigerroll/onboarding/pkg/onboarding/adapter/database/config"
	gormadapter "github.com/tigerroll/onboarding/pkg/onboarding/adapter/database/gorm"
	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
)

// ProviderType is the database type served by this package.
const ProviderType = "sqlite"

// init registers the SQLite dialector factory with the GORM adapter.
func init() {
	gormadapter.RegisterDialector(ProviderType, func(cfg dbconfig.DatabaseConfig) (gorm.Dialector, error) {
		if cfg.Database == "" {
			return nil, errors.New("SQLite database path cannot be empty")
		}
		return sqlite.Open(ConnectionString(cfg)), nil
	})
	gormadapter.RegisterDuplicateKeyDetector(ProviderType, IsDuplicateKeyError)
}

// ConnectionString returns the DSN of cfg. Foreign keys and a busy timeout are always enabled.
func ConnectionString(c dbconfig.DatabaseConfig) string {
	if c.Database == ":memory:" {
		return "file::memory:?cache=shared&_foreign_keys=1"
	}
	return c.Database + "?_busy_timeout=5000&_foreign_keys=1"
}

// IsDuplicateKeyError reports primary key and unique constraint violations.
func IsDuplicateKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// NewProvider creates a new database.DBProvider for SQLite.
func NewProvider(cfg *config.Config) database.DBProvider {
	return gormadapter.NewBaseProvider(cfg, ProviderType)
}
