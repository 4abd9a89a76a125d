package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "embed"

	"go.uber.org/fx"

	"github.com/tigerroll/onboarding/internal/app"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// embeddedConfig embeds the application's YAML configuration file.
//
//go:embed resources/application.yaml
var embeddedConfig []byte

// command parses its arguments and returns the action run against the started graph.
type command func(args []string) (func(ctx context.Context, tools *app.Toolbox) error, error)

var commands = map[string]command{
	"submit":   submitCommand,
	"status":   statusCommand,
	"list":     listCommand,
	"download": downloadCommand,
	"migrate":  migrateCommand,
}

const usage = `usage: onboarding <command> [flags]

commands:
  worker                           run the scheduler, the lease reaper and the upload watcher
  submit -input KEY [-images KEY]  start a batch for an uploaded CSV and image archive
  status SESSION_ID                print one session
  list [-from T] [-to T]           print the sessions created within a range
  download [-expiry D] SESSION_ID  print a download URL of a finished session's result
  migrate [-timeout D]             apply the schema of the metadata database
`

// getDBProviderOptions selects the DB providers named by DB_ADAPTORS (comma-separated).
// All providers are registered when it is unset.
func getDBProviderOptions() []fx.Option {
	adaptors := os.Getenv("DB_ADAPTORS")
	if adaptors == "" {
		adaptors = "sqlite,postgres,mysql"
	}

	options := make([]fx.Option, 0)
	for _, name := range strings.Split(adaptors, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if module, ok := app.DBProviderMap[name]; ok {
			options = append(options, module)
			logger.Debugf("DB Provider '%s' selected and registered.", name)
		} else {
			logger.Warnf("DB Provider '%s' is configured but not recognized/supported. Skipping.", name)
		}
	}
	return options
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Warnf("Received signal '%v'. Shutting down...", sig)
		cancel()
	}()

	envFilePath := os.Getenv("ENV_FILE_PATH")
	if envFilePath == "" {
		envFilePath = ".env"
	}
	dbProviderOptions := getDBProviderOptions()

	name := os.Args[1]
	var err error
	switch name {
	case "worker":
		err = app.RunWorker(ctx, envFilePath, embeddedConfig, dbProviderOptions)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		cmd, ok := commands[name]
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
			os.Exit(2)
		}
		action, parseErr := cmd(os.Args[2:])
		if parseErr != nil {
			if errors.Is(parseErr, flag.ErrHelp) {
				return
			}
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, parseErr)
			os.Exit(2)
		}
		err = app.RunCommand(ctx, envFilePath, embeddedConfig, dbProviderOptions, action)
	}
	if err != nil {
		logger.Errorf("%s failed: %v", name, err)
		os.Exit(1)
	}
}

func submitCommand(args []string) (func(ctx context.Context, tools *app.Toolbox) error, error) {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	input := fs.String("input", "", "object key of the product CSV in the input bucket")
	images := fs.String("images", "", "object key of the image archive in the input bucket")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *input == "" {
		return nil, errors.New("-input is required")
	}
	return func(ctx context.Context, tools *app.Toolbox) error {
		session, err := tools.Sessions.CreateBatchExecution(ctx, model.BatchInput{
			InputFile:            *input,
			CompressedImagesFile: *images,
		})
		if session != nil {
			if printErr := printJSON(session); printErr != nil {
				return printErr
			}
		}
		return err
	}, nil
}

func statusCommand(args []string) (func(ctx context.Context, tools *app.Toolbox) error, error) {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		return nil, errors.New("exactly one session id is required")
	}
	id := fs.Arg(0)
	return func(ctx context.Context, tools *app.Toolbox) error {
		session, err := tools.Sessions.GetBatchExecution(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(session)
	}, nil
}

func listCommand(args []string) (func(ctx context.Context, tools *app.Toolbox) error, error) {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	from := fs.String("from", "", "start of the range (ISO-8601 date or timestamp)")
	to := fs.String("to", "", "end of the range (ISO-8601 date or timestamp)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return func(ctx context.Context, tools *app.Toolbox) error {
		sessions, err := tools.Sessions.ListBatchExecutions(ctx, *from, *to)
		if err != nil {
			return err
		}
		if sessions == nil {
			sessions = []*model.Session{}
		}
		return printJSON(sessions)
	}, nil
}

func downloadCommand(args []string) (func(ctx context.Context, tools *app.Toolbox) error, error) {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	expiry := fs.Duration("expiry", 0, "lifetime of the URL; zero uses onboarding.session.download_expiry")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		return nil, errors.New("exactly one session id is required")
	}
	id := fs.Arg(0)
	return func(ctx context.Context, tools *app.Toolbox) error {
		session, err := tools.Sessions.GetBatchExecution(ctx, id)
		if err != nil {
			return err
		}
		if session.Status != model.SessionSuccess || session.OutputKey == nil {
			return fmt.Errorf("session %s has no result (status %s)", id, session.Status)
		}
		url, err := tools.Sessions.DownloadURL(ctx, *session.OutputKey, *expiry)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, url)
		return nil
	}, nil
}

func migrateCommand(args []string) (func(ctx context.Context, tools *app.Toolbox) error, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 5*time.Minute, "upper bound of the migration run")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return func(ctx context.Context, tools *app.Toolbox) error {
		ctx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		if err := tools.Migrate(ctx); err != nil {
			return err
		}
		logger.Infof("Schema of '%s' is up to date.", tools.Config.Onboarding.Infrastructure.DatabaseRef)
		return nil
	}, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
