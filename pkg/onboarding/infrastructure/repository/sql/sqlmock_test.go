package sql

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/database"
	dbconfig "github.com/tigerroll/onboarding/pkg/onboarding/adapter/database/config"
	gormadapter "github.com/tigerroll/onboarding/pkg/onboarding/adapter/database/gorm"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/domain/repository"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

func newMockConn(t *testing.T) (database.DBConnection, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db, err := gorm.Open(gormmysql.New(gormmysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}),
		&gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	conn, err := gormadapter.NewGormDBAdapter(db, dbconfig.DatabaseConfig{Type: "mysql"}, "metadata")
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, mock.ExpectationsWereMet()) })
	return conn, mock
}

func TestRenderCondition(t *testing.T) {
	clause, args, err := renderCondition(repository.OutputKeyUpdate("results/a.csv").Condition)
	require.NoError(t, err)
	assert.Equal(t, "(status = ? AND (output_key IS NULL OR output_key = ?))", clause)
	assert.Equal(t, []interface{}{"SUCCESS", "results/a.csv"}, args)

	clause, _, err = renderCondition(repository.AttributeExists(repository.FieldExecutionArn))
	require.NoError(t, err)
	assert.Equal(t, "(execution_arn IS NOT NULL AND execution_arn <> '')", clause)

	_, _, err = renderCondition(repository.Equals("nope", "x"))
	assert.Error(t, err)
}

func TestConditionalUpdateRendersSingleStatement(t *testing.T) {
	conn, mock := newMockConn(t)
	store := NewSessionStore(conn)

	mock.ExpectExec("UPDATE `onboarding_sessions` SET `output_key`=\\? WHERE session_id = \\? AND \\(\\(status = \\? AND \\(output_key IS NULL OR output_key = \\?\\)\\)\\)").
		WithArgs("results/a.csv", "s1", "SUCCESS", "results/a.csv").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.ConditionalUpdate(context.Background(), "s1", repository.OutputKeyUpdate("results/a.csv")))
}

func TestConditionalUpdateDistinguishesMissingFromRejected(t *testing.T) {
	conn, mock := newMockConn(t)
	store := NewSessionStore(conn)

	mock.ExpectExec("UPDATE `onboarding_sessions`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `onboarding_sessions` WHERE session_id = \\?").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	err := store.ConditionalUpdate(context.Background(), "s1", repository.OutputKeyUpdate("k"))
	assert.True(t, exception.IsConditionFailed(err))

	mock.ExpectExec("UPDATE `onboarding_sessions`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `onboarding_sessions`").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	err = store.ConditionalUpdate(context.Background(), "s1", repository.StatusUpdate(model.SessionRunning, time.Now()))
	assert.ErrorIs(t, err, repository.ErrSessionNotFound)
}

func TestExecutionSaveChecksVersion(t *testing.T) {
	conn, mock := newMockConn(t)
	store := NewExecutionStore(conn)
	x := model.NewExecution("m", "A", nil, time.Now())
	x.Version = 4

	mock.ExpectExec("UPDATE `onboarding_executions` SET .* WHERE id = \\? AND version = \\?").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `onboarding_executions` WHERE id = \\?").
		WithArgs(x.ID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := store.Save(context.Background(), x)
	assert.True(t, exception.IsOptimisticLockingFailure(err))
	assert.Equal(t, 4, x.Version)
}
