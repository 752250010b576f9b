package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"kassette.ai/sailthru-writer/backendconfig"
	"kassette.ai/sailthru-writer/misc"
	"kassette.ai/sailthru-writer/runner"
	"kassette.ai/sailthru-writer/utils/logger"
)

var version = "dev"

const defaultDataDir = "/data/"

type appDeps struct {
	execute func(ctx context.Context, dataDir string, cfg *backendconfig.ComponentConfigT) error
}

func defaultDeps() appDeps {
	return appDeps{
		execute: func(ctx context.Context, dataDir string, cfg *backendconfig.ComponentConfigT) error {
			r := &runner.HandleT{}
			r.Setup(ctx, dataDir, cfg)
			return r.Execute(ctx)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stderr, defaultDeps())
	stop()
	logger.Sync()
	os.Exit(code)
}

// runMain returns the process exit code: 0 on success, 1 for user errors and 2 for
// anything unexpected, panics and usage errors included.
func runMain(ctx context.Context, args []string, stderr io.Writer, deps appDeps) (code int) {
	flags := flag.NewFlagSet("sailthru-writer", flag.ContinueOnError)
	flags.SetOutput(stderr)
	dataDir := flags.String("data-dir", "", "data folder with config.json and in/tables (default $KBC_DATADIR or "+defaultDataDir+")")
	envFile := flags.String("env-file", ".env", "optional dotenv file loaded before start")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "load %s: %v\n", *envFile, err)
		return 2
	}
	if *dataDir == "" {
		*dataDir = misc.GetEnvOrDefault("KBC_DATADIR", defaultDataDir)
	}

	restore := logger.With(zap.String("run_id", uuid.New().String()))
	defer restore()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error(err.Error(), zap.Stack("stack"))
			misc.NotifyError(err)
			code = 2
		}
	}()
	misc.SetupErrorReporting(version)

	cfg, err := backendconfig.Load(*dataDir)
	if err != nil {
		return exitCode(err)
	}
	logger.SetDebug(cfg.Parameters.Debug)
	defer logger.SetDebug(false)
	logger.Info(fmt.Sprintf("Sailthru writer %s started, action: %s", version, cfg.Action))

	return exitCode(deps.execute(ctx, *dataDir, cfg))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case misc.IsUserError(err):
		logger.Error(err.Error())
		return 1
	default:
		logger.Error(fmt.Sprintf("Unexpected error: %s", err.Error()))
		misc.NotifyError(err)
		return 2
	}
}
