// Package app wires the categorization orchestrator with uber-fx. It selects the store
// backends, resolves the metadata database and the object storage, and assembles the
// workflow engine from configuration.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/fx"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/database"
	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/database/gorm/mysql"
	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/database/gorm/postgres"
	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/database/gorm/sqlite"
	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage"
	"github.com/tigerroll/onboarding/pkg/onboarding/component/images"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/application/port"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/application/usecase"
	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/domain/repository"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/metrics"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/statemachine"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/workflow"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/fanout"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/pipeline"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/reducer"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/retry"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/semaphore"
	infraMetrics "github.com/tigerroll/onboarding/pkg/onboarding/infrastructure/metrics"
	"github.com/tigerroll/onboarding/pkg/onboarding/infrastructure/migration"
	"github.com/tigerroll/onboarding/pkg/onboarding/infrastructure/repository/inmemory"
	redisstore "github.com/tigerroll/onboarding/pkg/onboarding/infrastructure/repository/redis"
	sqlstore "github.com/tigerroll/onboarding/pkg/onboarding/infrastructure/repository/sql"
	"github.com/tigerroll/onboarding/pkg/onboarding/infrastructure/telemetry"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// Store backends accepted by onboarding.infrastructure.
const (
	BackendSQL    = "sql"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// DBProviderMap is used by main.go to select the database providers to register.
var DBProviderMap = map[string]fx.Option{
	"sqlite":   sqlite.Module,
	"postgres": postgres.Module,
	"mysql":    mysql.Module,
}

// MetadataDB resolves the configured metadata connection on first use, so processes backed
// only by in-memory stores never open a database.
type MetadataDB struct {
	resolver database.DBConnectionResolver
	name     string

	once sync.Once
	conn database.DBConnection
	err  error
}

// NewMetadataDB creates a MetadataDB for onboarding.infrastructure.database_ref.
func NewMetadataDB(resolver database.DBConnectionResolver, cfg *config.Config) *MetadataDB {
	return &MetadataDB{resolver: resolver, name: cfg.Onboarding.Infrastructure.DatabaseRef}
}

// Connection returns the resolved connection.
func (m *MetadataDB) Connection(ctx context.Context) (database.DBConnection, error) {
	m.once.Do(func() {
		m.conn, m.err = m.resolver.ResolveDBConnection(ctx, m.name)
		if m.err == nil {
			logger.Infof("Metadata database '%s' (%s) resolved.", m.name, m.conn.Type())
		}
	})
	return m.conn, m.err
}

// UsesSQL reports whether any store is backed by the metadata database.
func UsesSQL(cfg *config.Config) bool {
	infra := cfg.Onboarding.Infrastructure
	return infra.SessionStore == BackendSQL || infra.ExecutionStore == BackendSQL || infra.LeaseStore == BackendSQL
}

func unsupportedBackend(store, backend string) error {
	return exception.NewOnboardingErrorf("app", "unsupported %s backend '%s'", store, backend)
}

func newSessionStore(cfg *config.Config, db *MetadataDB) (repository.SessionStore, error) {
	switch backend := cfg.Onboarding.Infrastructure.SessionStore; backend {
	case BackendMemory:
		return inmemory.NewSessionStore(), nil
	case BackendSQL:
		conn, err := db.Connection(context.Background())
		if err != nil {
			return nil, err
		}
		return sqlstore.NewSessionStore(conn), nil
	default:
		return nil, unsupportedBackend("session store", backend)
	}
}

func newExecutionStore(cfg *config.Config, db *MetadataDB) (repository.ExecutionStore, error) {
	switch backend := cfg.Onboarding.Infrastructure.ExecutionStore; backend {
	case BackendMemory:
		return inmemory.NewExecutionStore(), nil
	case BackendSQL:
		conn, err := db.Connection(context.Background())
		if err != nil {
			return nil, err
		}
		return sqlstore.NewExecutionStore(conn), nil
	default:
		return nil, unsupportedBackend("execution store", backend)
	}
}

func newLeaseStore(lc fx.Lifecycle, cfg *config.Config, db *MetadataDB) (repository.LeaseStore, error) {
	switch backend := cfg.Onboarding.Infrastructure.LeaseStore; backend {
	case BackendMemory:
		return inmemory.NewLeaseStore(), nil
	case BackendSQL:
		conn, err := db.Connection(context.Background())
		if err != nil {
			return nil, err
		}
		return sqlstore.NewLeaseStore(conn), nil
	case BackendRedis:
		client := redisstore.NewClient(cfg.Onboarding.Redis)
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error { return client.Ping(ctx).Err() },
			OnStop:  func(ctx context.Context) error { return client.Close() },
		})
		return redisstore.NewLeaseStore(client, cfg.Onboarding.Redis.KeyPrefix), nil
	default:
		return nil, unsupportedBackend("lease store", backend)
	}
}

// newStorageConnection resolves onboarding.infrastructure.storage_ref. The concrete
// connection is returned so optional capabilities (Presigner, Notifier) stay visible.
func newStorageConnection(resolver storage.StorageConnectionResolver, cfg *config.Config) (storage.StorageExecutor, error) {
	name := cfg.Onboarding.Infrastructure.StorageRef
	conn, err := resolver.ResolveStorageConnection(context.Background(), name)
	if err != nil {
		return nil, err
	}
	logger.Infof("Storage '%s' (%s) resolved.", name, conn.Type())
	return conn, nil
}

// registerMigrations applies the schema before any other start hook runs.
func registerMigrations(lc fx.Lifecycle, cfg *config.Config, db *MetadataDB) {
	if !cfg.Onboarding.Infrastructure.AutoMigrate || !UsesSQL(cfg) {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			conn, err := db.Connection(ctx)
			if err != nil {
				return err
			}
			return migration.NewMigrator(conn).Up(ctx)
		},
	})
}

func newRetryTable(cfg *config.Config) (*retry.Table, error) {
	if len(cfg.Onboarding.Retry.Policies) == 0 {
		return retry.DefaultTable(), nil
	}
	return retry.NewTableFromConfig(cfg.Onboarding.Retry.Policies)
}

func newRetryRunner(table *retry.Table, recorder metrics.MetricRecorder) *retry.Runner {
	return retry.NewRunner(table, retry.WithListener(
		func(step string, class exception.Classification, attempt int, delay time.Duration, err error) {
			logger.Debugf("Retrying step '%s' (%s, attempt %d) in %v: %v", step, class, attempt, delay, err)
			recorder.RecordRetry(context.Background(), step, class.String())
		},
	))
}

func newPipeline(remote pipeline.Collaborators, runner *retry.Runner, cfg *config.Config) *pipeline.Pipeline {
	return pipeline.NewPipeline(remote, runner, cfg.Onboarding.Pipeline)
}

func newFanout(conn storage.StorageExecutor, processor *pipeline.Pipeline, cfg *config.Config, recorder metrics.MetricRecorder, tracer metrics.Tracer) *fanout.Executor {
	return fanout.NewExecutor(conn, processor, cfg.Onboarding.Fanout,
		fanout.WithRecorder(recorder),
		fanout.WithTracer(tracer),
	)
}

func newReducer(conn storage.StorageExecutor, cfg *config.Config) (*reducer.Reducer, error) {
	return reducer.NewReducer(conn, cfg.Onboarding.Reducer)
}

func newSemaphore(store repository.LeaseStore, cfg *config.Config, recorder metrics.MetricRecorder) *semaphore.Semaphore {
	return semaphore.NewSemaphore(store, cfg.Onboarding.Workflow, semaphore.WithRecorder(recorder))
}

func newReaper(store repository.LeaseStore, cfg *config.Config, recorder metrics.MetricRecorder) *semaphore.Reaper {
	return semaphore.NewReaper(store, cfg.Onboarding.Workflow, semaphore.WithRecorder(recorder))
}

func newImageExtractor(conn storage.StorageExecutor, cfg *config.Config) port.ImageExtractor {
	return images.NewZipExtractor(conn, cfg.Onboarding.Workflow.InputBucket, cfg.Onboarding.Pipeline.ImageWorkers)
}

// DefinitionParams defines the dependencies of the categorization definition.
type DefinitionParams struct {
	fx.In
	Cfg       *config.Config
	Sessions  repository.SessionStore
	Semaphore *semaphore.Semaphore
	Fanout    *fanout.Executor
	Reducer   *reducer.Reducer
	Images    port.ImageExtractor
	Retry     *retry.Table
	Recorder  metrics.MetricRecorder
}

func newDefinition(p DefinitionParams) (*statemachine.Definition, error) {
	return workflow.NewCategorization(workflow.Dependencies{
		Sessions:  p.Sessions,
		Semaphore: p.Semaphore,
		Fanout:    p.Fanout,
		Reducer:   p.Reducer,
		Images:    p.Images,
		Retry:     p.Retry,
		Recorder:  p.Recorder,
	}, p.Cfg.Onboarding.Workflow, p.Cfg.Onboarding.Pipeline)
}

func newInterpreter(store repository.ExecutionStore, def *statemachine.Definition, cfg *config.Config, recorder metrics.MetricRecorder, tracer metrics.Tracer) *statemachine.Interpreter {
	interp := statemachine.NewInterpreter(store,
		statemachine.WithRecorder(recorder),
		statemachine.WithTracer(tracer),
		statemachine.WithSuspendThreshold(cfg.Onboarding.Retry.SuspendThreshold),
	)
	interp.Register(def)
	return interp
}

func newScheduler(interp *statemachine.Interpreter, store repository.ExecutionStore, cfg *config.Config) *statemachine.Scheduler {
	return statemachine.NewScheduler(interp, store, cfg.Onboarding.Workflow)
}

func newStarter(interp *statemachine.Interpreter, scheduler *statemachine.Scheduler, cfg *config.Config) port.ExecutionStarter {
	return usecase.NewWorkflowStarter(interp, cfg.Onboarding.Workflow.MachineName, scheduler.Notify)
}

// selectRecorder replaces the no-op recorder with the backend named by
// onboarding.metrics.type.
func selectRecorder(cfg *config.Config, noop metrics.MetricRecorder, prom *infraMetrics.PrometheusRecorder, otel *telemetry.OTelRecorder) (metrics.MetricRecorder, error) {
	switch t := cfg.Onboarding.Metrics.Type; t {
	case infraMetrics.MetricsType:
		return prom, nil
	case telemetry.MetricsType:
		return otel, nil
	case "noop", "":
		return noop, nil
	default:
		return nil, fmt.Errorf("unsupported metrics type '%s'", t)
	}
}

func selectTracer(cfg *config.Config, noop metrics.Tracer, otel *telemetry.OpenTelemetryTracer) metrics.Tracer {
	if cfg.Onboarding.Tracing.Enabled {
		return otel
	}
	return noop
}

// Module provides the orchestrator: stores, storage, the retry engine, the per-item
// pipeline, the workflow definition and its interpreter, and the session service.
var Module = fx.Options(
	fx.Provide(
		NewMetadataDB,
		newSessionStore,
		newExecutionStore,
		newLeaseStore,
		newStorageConnection,
		newRetryTable,
		newRetryRunner,
		newPipeline,
		newFanout,
		newReducer,
		newSemaphore,
		newReaper,
		newImageExtractor,
		newDefinition,
		newInterpreter,
		newScheduler,
		newStarter,
	),
	fx.Decorate(selectRecorder),
	fx.Decorate(selectTracer),
	fx.Invoke(registerMigrations),
	usecase.Module,
)
