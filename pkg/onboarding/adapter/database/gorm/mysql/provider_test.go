package mysql

import (
	"testing"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"

	dbconfig "github.com/tigerroll/onboarding/pkg/onboarding/adapter/database/config"
)

func TestConnectionString(t *testing.T) {
	dsn := ConnectionString(dbconfig.DatabaseConfig{Host: "db", Port: 3306, User: "u", Password: "p", Database: "onboarding"})
	parsed, err := mysqldriver.ParseDSN(dsn)
	assert.NoError(t, err)
	assert.Equal(t, "db:3306", parsed.Addr)
	assert.Equal(t, "onboarding", parsed.DBName)
	assert.True(t, parsed.ParseTime)
	assert.True(t, parsed.ClientFoundRows)
	assert.True(t, parsed.MultiStatements)
}

func TestIsDuplicateKeyError(t *testing.T) {
	assert.True(t, IsDuplicateKeyError(&mysqldriver.MySQLError{Number: 1062}))
	assert.False(t, IsDuplicateKeyError(&mysqldriver.MySQLError{Number: 1213}))
}
