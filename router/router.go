package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"kassette.ai/sailthru-writer/backendconfig"
	"kassette.ai/sailthru-writer/integrations/sailthru"
	jobsdb "kassette.ai/sailthru-writer/jobs"
	"kassette.ai/sailthru-writer/misc"
	"kassette.ai/sailthru-writer/processor"
	stats "kassette.ai/sailthru-writer/services"
	"kassette.ai/sailthru-writer/utils/logger"
)

type ApiClientI interface {
	ApiGet(ctx context.Context, action string, data json.RawMessage) (*sailthru.ResponseT, error)
	ApiPost(ctx context.Context, action string, data json.RawMessage) (*sailthru.ResponseT, error)
	ApiDelete(ctx context.Context, action string, data json.RawMessage) (*sailthru.ResponseT, error)
	ApiPostMultipart(ctx context.Context, action string, data json.RawMessage, fileParam string, filePath string) (*sailthru.ResponseT, error)
}

type ResultLogI interface {
	WriteRecord(rowID string, status string, detail string) error
}

// RecordStreamI yields converted records until io.EOF.
type RecordStreamI interface {
	Next() (processor.RecordT, error)
}

// HandleT sends converted records to the configured destination.
type HandleT struct {
	Client      ApiClientI
	Destination backendconfig.DestinationT
	ResultLog   ResultLogI
	Stats       *stats.WriterStats

	tempDir string
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

func (router *HandleT) Setup(client ApiClientI, destination backendconfig.DestinationT, resultLog ResultLogI, writerStats *stats.WriterStats) {
	router.Client = client
	router.Destination = destination
	router.ResultLog = resultLog
	router.Stats = writerStats
	router.tempDir = os.TempDir()
	router.sleep = sleepCtx
	router.now = time.Now
	logger.Info(fmt.Sprintf("Router set up in %s mode", destination.Mode))
}

// Route consumes the stream. failed reports row or job level API errors, err is returned
// for errors that abort the run.
func (router *HandleT) Route(ctx context.Context, stream RecordStreamI) (failed bool, err error) {
	if router.Destination.Mode == backendconfig.LoadModeUsersBulk {
		return router.routeBatch(ctx, stream)
	}
	return router.routeDirect(ctx, stream)
}

func (router *HandleT) routeDirect(ctx context.Context, stream RecordStreamI) (bool, error) {
	endpoint := string(router.Destination.Endpoint)
	failed := false
	for {
		record, err := stream.Next()
		if err == io.EOF {
			return failed, nil
		}
		if err != nil {
			return failed, asUserError(err, "failed to convert input row")
		}
		if !record.HasRowID() {
			return failed, misc.NewUserError("row %d has no %q column", record.Line, processor.RowIDKey)
		}
		rowID := record.RowID()
		payload, err := record.Strip()
		if err != nil {
			return failed, fmt.Errorf("row %d: %w", record.Line, err)
		}

		response, err := router.send(ctx, endpoint, payload)
		if err != nil {
			return failed, misc.WrapUserError(err, fmt.Sprintf("request for row %s failed", rowID))
		}

		if response.IsOk() {
			logger.Debug(fmt.Sprintf("Row %s sent to %s", rowID, endpoint))
			router.Stats.Increment(stats.Success, 1)
			err = router.ResultLog.WriteRecord(rowID, jobsdb.SucceededStatus, "")
		} else {
			failed = true
			message := response.GetError().Message
			logger.Debug(fmt.Sprintf("Row %s rejected: %s", rowID, message))
			router.Stats.Increment(stats.Failed, 1)
			err = router.ResultLog.WriteRecord(rowID, jobsdb.FailedStatus, message)
		}
		if err != nil {
			return failed, err
		}
	}
}

func (router *HandleT) send(ctx context.Context, endpoint string, payload []byte) (*sailthru.ResponseT, error) {
	if router.Destination.Method == backendconfig.MethodDelete {
		return router.Client.ApiDelete(ctx, endpoint, payload)
	}
	return router.Client.ApiPost(ctx, endpoint, payload)
}

func asUserError(err error, msg string) error {
	if misc.IsUserError(err) {
		return err
	}
	return misc.WrapUserError(err, msg)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
