package postgres

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	dbconfig "github.com/tigerroll/onboarding/pkg/onboarding/adapter/database/config"
)

func TestConnectionStringDefaultsSSLMode(t *testing.T) {
	dsn := ConnectionString(dbconfig.DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "onboarding"})
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=onboarding sslmode=disable", dsn)
}

func TestIsDuplicateKeyError(t *testing.T) {
	assert.True(t, IsDuplicateKeyError(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsDuplicateKeyError(&pgconn.PgError{Code: "40001"}))
}
