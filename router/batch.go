package router

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"kassette.ai/sailthru-writer/backendconfig"
	jobsdb "kassette.ai/sailthru-writer/jobs"
	"kassette.ai/sailthru-writer/misc"
	stats "kassette.ai/sailthru-writer/services"
	"kassette.ai/sailthru-writer/utils/logger"
)

const (
	jobAction     = "job"
	jobFileParam  = "file"
	jobUpdateType = "update"
	pollLogEvery  = 4
)

var jsonfast = jsoniter.ConfigCompatibleWithStandardLibrary

func (router *HandleT) routeBatch(ctx context.Context, stream RecordStreamI) (bool, error) {
	path, count, err := router.buildPayload(stream)
	if path != "" {
		defer func() {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.Warn(fmt.Sprintf("Failed to remove bulk payload %s: %v", path, err))
			}
		}()
	}
	if err != nil {
		return false, err
	}
	if count == 0 {
		logger.Info("No records to upload, bulk job not created")
		return false, nil
	}

	job, err := router.submitJob(ctx, path, count)
	if err != nil {
		return false, err
	}
	return router.pollJob(ctx, job)
}

// buildPayload writes every record, row_id stripped, as one line of a temporary NDJSON file.
func (router *HandleT) buildPayload(stream RecordStreamI) (string, int, error) {
	path := filepath.Join(router.tempDir, "users_bulk_"+uuid.New().String()+".json")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("create bulk payload: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	count := 0
	for {
		record, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return path, count, asUserError(err, "failed to convert input row")
		}
		payload, err := record.Strip()
		if err != nil {
			return path, count, fmt.Errorf("row %d: %w", record.Line, err)
		}
		if _, err := w.Write(payload); err != nil {
			return path, count, fmt.Errorf("write bulk payload: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return path, count, fmt.Errorf("write bulk payload: %w", err)
		}
		count++
	}
	if err := w.Flush(); err != nil {
		return path, count, fmt.Errorf("write bulk payload: %w", err)
	}
	logger.Debug(fmt.Sprintf("Bulk payload %s holds %d records", path, count))
	return path, count, nil
}

func (router *HandleT) submitJob(ctx context.Context, path string, count int) (*jobsdb.JobT, error) {
	data, err := jsonfast.Marshal(map[string]string{"job": jobUpdateType})
	if err != nil {
		return nil, err
	}
	logger.Info(fmt.Sprintf("Submitting bulk %s job with %d records", jobUpdateType, count))
	response, err := router.Client.ApiPostMultipart(ctx, jobAction, data, jobFileParam, path)
	if err != nil {
		return nil, misc.WrapUserError(err, "failed to submit bulk job")
	}
	if !response.IsOk() {
		return nil, misc.NewUserError("failed to create bulk job: %s", response.GetError().Message)
	}
	jobID := response.Get("job_id").String()
	if jobID == "" {
		return nil, misc.NewUserError("bulk job response has no job_id: %s", misc.TruncateStr(string(response.GetBody()), 1000))
	}
	logger.Info(fmt.Sprintf("Bulk job %s created", jobID))
	return &jobsdb.JobT{JobID: jobID, JobState: jobsdb.PendingState, CreatedAt: router.now()}, nil
}

// pollJob checks the job status every poll interval until it is terminal. A transport error,
// a rejected status request, cancellation or the poll timeout end the run.
func (router *HandleT) pollJob(ctx context.Context, job *jobsdb.JobT) (bool, error) {
	interval := router.Destination.PollInterval
	if interval <= 0 {
		interval = backendconfig.DefaultPollInterval
	}
	pollCtx := ctx
	if timeout := router.Destination.PollTimeout; timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	data, err := jsonfast.Marshal(map[string]string{"job_id": job.JobID})
	if err != nil {
		return false, err
	}
	for {
		if err := router.sleep(pollCtx, interval); err != nil {
			return false, router.pollAborted(ctx, job, err)
		}
		job.Polls++
		router.Stats.Increment(stats.Waiting, 1)

		response, err := router.Client.ApiGet(pollCtx, jobAction, data)
		if err != nil {
			if pollCtx.Err() != nil {
				return false, router.pollAborted(ctx, job, pollCtx.Err())
			}
			return false, misc.WrapUserError(err, fmt.Sprintf("failed to get status of bulk job %s", job.JobID))
		}
		if !response.IsOk() {
			return false, misc.NewUserError("failed to get status of bulk job %s: %s", job.JobID, response.GetError().Message)
		}

		job.JobState = response.Get("status").String()
		if job.IsTerminal() {
			elapsed := router.now().Sub(job.CreatedAt).Round(time.Second)
			if job.JobState == jobsdb.ErrorState {
				logger.Error(fmt.Sprintf("Bulk job %s failed after %s: %s", job.JobID, elapsed, string(response.GetBody())))
				return true, nil
			}
			logger.Info(fmt.Sprintf("Bulk job %s completed after %d checks in %s", job.JobID, job.Polls, elapsed))
			return false, nil
		}
		if job.Polls%pollLogEvery == 0 {
			logger.Info(fmt.Sprintf("Waiting for bulk job %s, status %q after %d checks", job.JobID, job.JobState, job.Polls))
		}
	}
}

func (router *HandleT) pollAborted(ctx context.Context, job *jobsdb.JobT, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return misc.NewUserError("bulk job %s did not finish within %s, last status %q",
			job.JobID, router.Destination.PollTimeout, job.JobState)
	}
	return misc.WrapUserError(err, fmt.Sprintf("polling of bulk job %s interrupted", job.JobID))
}
