package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"kassette.ai/sailthru-writer/backendconfig"
	"kassette.ai/sailthru-writer/integrations/sailthru"
	jobsdb "kassette.ai/sailthru-writer/jobs"
	"kassette.ai/sailthru-writer/misc"
	"kassette.ai/sailthru-writer/processor"
	"kassette.ai/sailthru-writer/router"
	stats "kassette.ai/sailthru-writer/services"
	"kassette.ai/sailthru-writer/sources"
	"kassette.ai/sailthru-writer/utils/logger"
)

const (
	ResultLogName = "result_log.csv"

	featureGatesEnv = "KBC_PROJECT_FEATURE_GATES"
	queueV2Gate     = "queuev2"

	NoInputTableMsg    = "There is no table specified on the input mapping! You must provide one input table!"
	ManyInputTablesMsg = "There is more than one table specified on the input mapping! You must provide one input table!"
	OldQueueMsg        = "Running on old queue, result log will not be stored unless continue on failure is selected"
	ExecutionFailedMsg = "Execution failed with errors. See the result log table for details."
)

// HandleT drives one execution of the writer against a data folder.
type HandleT struct {
	DataDir string
	Config  *backendconfig.ComponentConfigT
	Client  router.ApiClientI
	Stats   *stats.WriterStats

	getenv func(string) string
}

func (runner *HandleT) Setup(ctx context.Context, dataDir string, config *backendconfig.ComponentConfigT) {
	runner.DataDir = dataDir
	runner.Config = config
	runner.getenv = os.Getenv

	client := &sailthru.HandleT{}
	client.Init(config.Parameters.ApiUrl, config.Parameters.ApiKey, config.Parameters.Secret)
	runner.Client = client
	runner.Stats = stats.NewStat(ctx, "sailthru-writer", "mode:"+string(config.Parameters.Destination.Mode))
}

// Execute dispatches on the configured action.
func (runner *HandleT) Execute(ctx context.Context) error {
	switch runner.Config.Action {
	case backendconfig.ActionRun, "":
		return runner.Run(ctx)
	case backendconfig.ActionTestConnection:
		return runner.TestConnection(ctx)
	}
	return misc.NewUserError("unsupported action %q", runner.Config.Action)
}

// TestConnection checks the credentials with a settings request.
func (runner *HandleT) TestConnection(ctx context.Context) error {
	response, err := runner.Client.ApiGet(ctx, "settings", nil)
	if err != nil {
		return misc.WrapUserError(err, "connection to Sailthru failed")
	}
	if !response.IsOk() {
		return misc.NewUserError("connection to Sailthru failed: %s", response.GetError().Message)
	}
	logger.Info("Connection to Sailthru succeeded")
	return nil
}

// Run writes the single input table to the configured destination. The result log and its
// manifest are written even when the run fails.
func (runner *HandleT) Run(ctx context.Context) (err error) {
	logger.Info("Processing input mapping.")
	params := runner.Config.Parameters

	tables, err := sources.GetInputTables(runner.DataDir)
	if err != nil {
		return err
	}
	if len(tables) == 0 {
		return misc.NewUserError(NoInputTableMsg)
	}
	if len(tables) > 1 {
		logger.Warn(ManyInputTablesMsg)
	}
	table := tables[0]
	logger.Info(fmt.Sprintf("Writing table %s", table.Name))

	logPath := filepath.Join(runner.DataDir, "out", "tables", ResultLogName)
	resultLog, err := jobsdb.NewResultLog(logPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := runner.finishResultLog(resultLog); cerr != nil && err == nil {
			err = cerr
		}
	}()

	input, err := sources.OpenTable(table, params.InputEncoding)
	if err != nil {
		return err
	}
	defer input.Close()

	mapping := params.JsonMapping
	converter := processor.NewConverter(mapping.NestingDelimiter, mapping.ColumnDataTypes.Autodetect, mapping.ColumnDataTypes.Overrides())
	stream, err := converter.ConvertStream(input.Header, input.Reader)
	if err != nil {
		return err
	}

	dispatcher := &router.HandleT{}
	dispatcher.Setup(runner.Client, params.Destination, resultLog, runner.Stats)
	failed, err := dispatcher.Route(ctx, stream)
	if ferr := runner.Stats.Flush(); ferr != nil {
		logger.Warn(fmt.Sprintf("Failed to submit run statistics: %v", ferr))
	}
	if err != nil {
		return err
	}
	if failed {
		return misc.NewUserError(ExecutionFailedMsg)
	}
	logger.Info(fmt.Sprintf("Finished, %d result log records written", resultLog.Written()))
	return nil
}

func (runner *HandleT) finishResultLog(resultLog *jobsdb.ResultLogT) error {
	if err := resultLog.Close(); err != nil {
		return err
	}
	writeAlways := strings.Contains(runner.getenv(featureGatesEnv), queueV2Gate)
	if !writeAlways {
		logger.Warn(OldQueueMsg)
	}
	return jobsdb.WriteManifest(resultLog.Path, writeAlways)
}
