// Package mysql provides a GORM DBProvider implementation for MySQL databases.
package mysql

import (
	"errors"
	"fmt"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/database"
	dbconfig "github.com/tigerroll/onboarding/pkg/onboarding/adapter/database/config"
	gormadapter "github.com/tigerroll/onboarding/pkg/onboarding/adapter/database/gorm"
	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
)

// ProviderType is the database type served by this package.
const ProviderType = "mysql"

const errDupEntry = 1062

func init() {
	gormadapter.RegisterDialector(ProviderType, func(cfg dbconfig.DatabaseConfig) (gorm.Dialector, error) {
		return mysql.Open(ConnectionString(cfg)), nil
	})
	gormadapter.RegisterDuplicateKeyDetector(ProviderType, IsDuplicateKeyError)
}

// ConnectionString formats the DSN with parseTime enabled so DATETIME columns scan into time.Time.
func ConnectionString(c dbconfig.DatabaseConfig) string {
	dsn := mysqldriver.NewConfig()
	dsn.User = c.User
	dsn.Passwd = c.Password
	dsn.Net = "tcp"
	dsn.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	dsn.DBName = c.Database
	dsn.ParseTime = true
	// Report matched rather than changed rows so idempotent conditional writes succeed.
	dsn.ClientFoundRows = true
	// Embedded migrations hold several statements per file.
	dsn.MultiStatements = true
	dsn.Params = map[string]string{"charset": "utf8mb4"}
	return dsn.FormatDSN()
}

// IsDuplicateKeyError reports ER_DUP_ENTRY.
func IsDuplicateKeyError(err error) bool {
	var myErr *mysqldriver.MySQLError
	return errors.As(err, &myErr) && myErr.Number == errDupEntry
}

// NewProvider creates a new database.DBProvider for MySQL.
func NewProvider(cfg *config.Config) database.DBProvider {
	return gormadapter.NewBaseProvider(cfg, ProviderType)
}
