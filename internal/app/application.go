package app

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/fx"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/database/gorm"
	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/remote/anthropic"
	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage"
	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage/gcs"
	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage/local"
	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage/minio"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/application/usecase"
	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/metrics"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/statemachine"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/semaphore"
	infraMetrics "github.com/tigerroll/onboarding/pkg/onboarding/infrastructure/metrics"
	"github.com/tigerroll/onboarding/pkg/onboarding/infrastructure/migration"
	"github.com/tigerroll/onboarding/pkg/onboarding/infrastructure/telemetry"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// Options returns the application graph shared by the worker and the commands.
func Options(appCtx context.Context, envFilePath string, embeddedConfig config.EmbeddedConfig, dbProviderOptions []fx.Option) fx.Option {
	return fx.Options(
		fx.Supply(
			embeddedConfig,
			fx.Annotate(envFilePath, fx.ResultTags(`name:"envFilePath"`)),
			fx.Annotate(
				appCtx,
				fx.As(new(context.Context)),
				fx.ResultTags(`name:"appCtx"`),
			),
		),

		fx.Options(dbProviderOptions...),
		logger.Module,
		config.Module,
		metrics.Module,
		infraMetrics.Module,
		telemetry.Module,

		gorm.Module,
		storage.Module,
		local.Module,
		minio.Module,
		gcs.Module,

		anthropic.Module,
		Module,
	)
}

// RunWorker runs the orchestrator until appCtx is cancelled or a background loop fails.
func RunWorker(appCtx context.Context, envFilePath string, embeddedConfig config.EmbeddedConfig, dbProviderOptions []fx.Option) error {
	app := fx.New(
		Options(appCtx, envFilePath, embeddedConfig, dbProviderOptions),
		fx.Invoke(fx.Annotate(startWorker, fx.ParamTags(
			"",              // lc fx.Lifecycle
			"",              // shutdowner fx.Shutdowner
			"",              // scheduler *statemachine.Scheduler
			"",              // reaper *semaphore.Reaper
			"",              // watcher *usecase.Watcher
			"",              // cfg *config.Config
			`name:"appCtx"`, // appCtx context.Context
		))),
	)
	app.Run()
	return app.Err()
}

// startWorker recovers executions interrupted by a previous process, then runs the
// scheduler, the lease reaper and, when enabled, the upload watcher.
func startWorker(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	scheduler *statemachine.Scheduler,
	reaper *semaphore.Reaper,
	watcher *usecase.Watcher,
	cfg *config.Config,
	appCtx context.Context,
) {
	runCtx, cancel := context.WithCancel(appCtx)
	var wg sync.WaitGroup

	run := func(name string, loop func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("Panic recovered in %s: %v", name, r)
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			logger.Infof("Starting %s.", name)
			if err := loop(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("%s stopped: %v", name, err)
				_ = shutdowner.Shutdown(fx.ExitCode(1))
				return
			}
			logger.Debugf("%s stopped.", name)
		}()
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			n, err := scheduler.Recover(ctx)
			if err != nil {
				cancel()
				return err
			}
			logger.Infof("Recovered %d execution(s) on startup.", n)

			run("scheduler", scheduler.Run)
			run("lease reaper", reaper.Run)
			if cfg.Onboarding.Trigger.Enabled {
				run("upload watcher", watcher.Run)
			}

			go func() {
				<-runCtx.Done()
				if appCtx.Err() != nil {
					logger.Infof("Application context cancelled. Requesting shutdown.")
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Infof("Application is shutting down.")
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				logger.Warnf("Background loops did not stop before the shutdown deadline.")
				return ctx.Err()
			}
		},
	})
}

// Toolbox is the surface the one-shot commands run against.
type Toolbox struct {
	Config   *config.Config
	Sessions usecase.SessionService
	db       *MetadataDB
}

func newToolbox(cfg *config.Config, sessions usecase.SessionService, db *MetadataDB) *Toolbox {
	if cfg.Onboarding.Infrastructure.SessionStore == BackendMemory {
		logger.Warnf("The session store is in-memory; sessions created by this command are not visible to a worker.")
	}
	return &Toolbox{Config: cfg, Sessions: sessions, db: db}
}

// Migrate applies every pending schema migration of the metadata database.
func (t *Toolbox) Migrate(ctx context.Context) error {
	conn, err := t.db.Connection(ctx)
	if err != nil {
		return err
	}
	return migration.NewMigrator(conn).Up(ctx)
}

// withoutMetricsServer keeps one-shot commands from binding the worker's metrics port.
func withoutMetricsServer(cfg *config.Config) *config.Config {
	c := *cfg
	c.Onboarding.Metrics.ListenAddress = ""
	return &c
}

// RunCommand starts the application graph without the background loops, runs command and
// stops the graph again.
func RunCommand(appCtx context.Context, envFilePath string, embeddedConfig config.EmbeddedConfig, dbProviderOptions []fx.Option, command func(ctx context.Context, tools *Toolbox) error) error {
	var tools *Toolbox
	app := fx.New(
		Options(appCtx, envFilePath, embeddedConfig, dbProviderOptions),
		fx.Decorate(withoutMetricsServer),
		fx.Provide(newToolbox),
		fx.Populate(&tools),
	)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(appCtx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	cmdErr := command(appCtx, tools)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		logger.Warnf("Failed to stop the application cleanly: %v", err)
	}
	return cmdErr
}
