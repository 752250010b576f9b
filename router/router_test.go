package router

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"kassette.ai/sailthru-writer/backendconfig"
	"kassette.ai/sailthru-writer/integrations/sailthru"
	jobsdb "kassette.ai/sailthru-writer/jobs"
	"kassette.ai/sailthru-writer/misc"
	"kassette.ai/sailthru-writer/processor"
	stats "kassette.ai/sailthru-writer/services"
	"kassette.ai/sailthru-writer/utils/logger"
)

type callT struct {
	method string
	action string
	data   string
}

type fakeClient struct {
	calls []callT

	direct       func(data string) (*sailthru.ResponseT, error)
	createJob    *sailthru.ResponseT
	createJobErr error
	statuses     []string
	pollErr      error
	uploaded     string
	uploadedPath string
}

func okResponse(body string) *sailthru.ResponseT {
	return &sailthru.ResponseT{StatusCode: http.StatusOK, Body: []byte(body)}
}

func (f *fakeClient) ApiGet(ctx context.Context, action string, data json.RawMessage) (*sailthru.ResponseT, error) {
	f.calls = append(f.calls, callT{method: http.MethodGet, action: action, data: string(data)})
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	status := "pending"
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		f.statuses = f.statuses[1:]
	}
	return okResponse(`{"job_id":"job-1","status":"` + status + `"}`), nil
}

func (f *fakeClient) ApiPost(ctx context.Context, action string, data json.RawMessage) (*sailthru.ResponseT, error) {
	f.calls = append(f.calls, callT{method: http.MethodPost, action: action, data: string(data)})
	return f.direct(string(data))
}

func (f *fakeClient) ApiDelete(ctx context.Context, action string, data json.RawMessage) (*sailthru.ResponseT, error) {
	f.calls = append(f.calls, callT{method: http.MethodDelete, action: action, data: string(data)})
	return f.direct(string(data))
}

func (f *fakeClient) ApiPostMultipart(ctx context.Context, action string, data json.RawMessage, fileParam string, filePath string) (*sailthru.ResponseT, error) {
	f.calls = append(f.calls, callT{method: "MULTIPART", action: action, data: string(data)})
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	f.uploaded = string(content)
	f.uploadedPath = filePath
	if f.createJobErr != nil {
		return nil, f.createJobErr
	}
	return f.createJob, nil
}

func (f *fakeClient) count(method string) int {
	n := 0
	for _, c := range f.calls {
		if c.method == method {
			n++
		}
	}
	return n
}

type sliceStream struct {
	records []processor.RecordT
	err     error
}

func (s *sliceStream) Next() (processor.RecordT, error) {
	if len(s.records) == 0 {
		if s.err != nil {
			return processor.RecordT{}, s.err
		}
		return processor.RecordT{}, io.EOF
	}
	rec := s.records[0]
	s.records = s.records[1:]
	return rec, nil
}

func streamOf(payloads ...string) *sliceStream {
	s := &sliceStream{}
	for i, p := range payloads {
		s.records = append(s.records, processor.RecordT{Line: i + 2, Payload: []byte(p)})
	}
	return s
}

type memLog struct {
	records [][]string
}

func (m *memLog) WriteRecord(rowID string, status string, detail string) error {
	m.records = append(m.records, []string{rowID, status, detail})
	return nil
}

type routerFixture struct {
	router *HandleT
	client *fakeClient
	log    *memLog
	stats  *stats.WriterStats
	slept  []time.Duration
}

func newFixture(t *testing.T, destination backendconfig.DestinationT) *routerFixture {
	t.Helper()
	t.Setenv("DD_API_KEY", "")
	fx := &routerFixture{client: &fakeClient{}, log: &memLog{}, stats: stats.NewStat(context.Background(), "test")}
	fx.router = &HandleT{}
	fx.router.Setup(fx.client, destination, fx.log, fx.stats)
	fx.router.tempDir = t.TempDir()
	fx.router.sleep = func(ctx context.Context, d time.Duration) error {
		fx.slept = append(fx.slept, d)
		return ctx.Err()
	}
	return fx
}

func directDestination(method backendconfig.ApiMethodT) backendconfig.DestinationT {
	return backendconfig.DestinationT{
		Mode:     backendconfig.LoadModeEndpoint,
		Endpoint: backendconfig.EndpointUser,
		Method:   method,
	}
}

func bulkDestination() backendconfig.DestinationT {
	return backendconfig.DestinationT{
		Mode:         backendconfig.LoadModeUsersBulk,
		PollInterval: 30 * time.Second,
	}
}

func TestRouteDirectPartialFailure(t *testing.T) {
	fx := newFixture(t, directDestination(backendconfig.MethodPost))
	fx.client.direct = func(data string) (*sailthru.ResponseT, error) {
		if gjson.Get(data, "name.first").String() == "Bob" {
			return &sailthru.ResponseT{StatusCode: http.StatusBadRequest, Body: []byte(`{"error":11,"errormsg":"Invalid email"}`)}, nil
		}
		return okResponse(`{"ok":true}`), nil
	}
	logPath := filepath.Join(t.TempDir(), "out", "tables", "result_log.csv")
	resultLog, err := jobsdb.NewResultLog(logPath)
	require.NoError(t, err)
	fx.router.ResultLog = resultLog

	failed, err := fx.router.Route(context.Background(), streamOf(
		`{"row_id":"1","name":{"first":"Ann"}}`,
		`{"row_id":"2","name":{"first":"Bob"}}`,
	))
	require.NoError(t, err)
	require.NoError(t, resultLog.Close())

	assert.True(t, failed)
	require.Len(t, fx.client.calls, 2)
	for _, call := range fx.client.calls {
		assert.Equal(t, http.MethodPost, call.method)
		assert.Equal(t, "user", call.action)
		assert.False(t, gjson.Get(call.data, "row_id").Exists())
	}
	assert.JSONEq(t, `{"name":{"first":"Ann"}}`, fx.client.calls[0].data)

	f, err := os.Open(logPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"1", "success", ""}, rows[1][:3])
	assert.Equal(t, []string{"2", "error", "Invalid email"}, rows[2][:3])

	assert.Equal(t, 1, fx.stats.Count(stats.Success))
	assert.Equal(t, 1, fx.stats.Count(stats.Failed))
}

func TestRouteDirectLogsEveryRow(t *testing.T) {
	fx := newFixture(t, directDestination(backendconfig.MethodPost))
	n := 0
	fx.client.direct = func(data string) (*sailthru.ResponseT, error) {
		n++
		if n%3 == 0 {
			return &sailthru.ResponseT{StatusCode: http.StatusOK, Body: []byte(`{"error":2,"errormsg":"nope"}`)}, nil
		}
		return okResponse(`{}`), nil
	}
	var payloads []string
	for i := 0; i < 10; i++ {
		payloads = append(payloads, `{"row_id":`+string(rune('0'+i))+`}`)
	}

	failed, err := fx.router.Route(context.Background(), streamOf(payloads...))

	require.NoError(t, err)
	assert.True(t, failed)
	require.Len(t, fx.log.records, 10)
	assert.Equal(t, []string{"0", "success", ""}, fx.log.records[0])
	assert.Equal(t, []string{"2", "error", "nope"}, fx.log.records[2])
}

func TestRouteDirectAllSucceeded(t *testing.T) {
	fx := newFixture(t, directDestination(backendconfig.MethodPost))
	fx.client.direct = func(string) (*sailthru.ResponseT, error) { return okResponse(`{}`), nil }

	failed, err := fx.router.Route(context.Background(), streamOf(`{"row_id":"a"}`, `{"row_id":"b"}`))

	require.NoError(t, err)
	assert.False(t, failed)
	assert.Equal(t, [][]string{{"a", "success", ""}, {"b", "success", ""}}, fx.log.records)
}

func TestRouteDirectDelete(t *testing.T) {
	fx := newFixture(t, directDestination(backendconfig.MethodDelete))
	fx.client.direct = func(string) (*sailthru.ResponseT, error) { return okResponse(`{}`), nil }

	_, err := fx.router.Route(context.Background(), streamOf(`{"row_id":"1","id":"a@example.com"}`))

	require.NoError(t, err)
	require.Len(t, fx.client.calls, 1)
	assert.Equal(t, http.MethodDelete, fx.client.calls[0].method)
	assert.JSONEq(t, `{"id":"a@example.com"}`, fx.client.calls[0].data)
}

func TestRouteDirectEmptyStream(t *testing.T) {
	fx := newFixture(t, directDestination(backendconfig.MethodPost))

	failed, err := fx.router.Route(context.Background(), streamOf())

	require.NoError(t, err)
	assert.False(t, failed)
	assert.Empty(t, fx.client.calls)
	assert.Empty(t, fx.log.records)
}

func TestRouteDirectTransportErrorIsFatal(t *testing.T) {
	fx := newFixture(t, directDestination(backendconfig.MethodPost))
	fx.client.direct = func(string) (*sailthru.ResponseT, error) { return nil, errors.New("connection refused") }

	_, err := fx.router.Route(context.Background(), streamOf(`{"row_id":"1"}`, `{"row_id":"2"}`))

	require.Error(t, err)
	assert.True(t, misc.IsUserError(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Len(t, fx.client.calls, 1)
	assert.Empty(t, fx.log.records)
}

func TestRouteDirectMissingRowID(t *testing.T) {
	fx := newFixture(t, directDestination(backendconfig.MethodPost))

	_, err := fx.router.Route(context.Background(), streamOf(`{"email":"a@example.com"}`))

	require.Error(t, err)
	assert.True(t, misc.IsUserError(err))
	assert.Empty(t, fx.client.calls)
}

func TestRouteDirectStreamErrorIsFatal(t *testing.T) {
	fx := newFixture(t, directDestination(backendconfig.MethodPost))
	fx.client.direct = func(string) (*sailthru.ResponseT, error) { return okResponse(`{}`), nil }
	stream := streamOf(`{"row_id":"1"}`)
	stream.err = misc.NewUserError(`row 3, column "age": invalid number`)

	_, err := fx.router.Route(context.Background(), stream)

	require.Error(t, err)
	assert.Equal(t, `row 3, column "age": invalid number`, err.Error())
	assert.Len(t, fx.log.records, 1)
}

func TestRouteBatchCompleted(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	defer logger.ReplaceCore(core)()

	fx := newFixture(t, bulkDestination())
	fx.client.createJob = okResponse(`{"job_id":"job-1","name":"Bulk update"}`)
	fx.client.statuses = []string{"pending", "pending", "processing", "pending", "pending", "completed"}

	failed, err := fx.router.Route(context.Background(), streamOf(
		`{"row_id":"1","id":"a@example.com","vars":{"city":"Prague"}}`,
		`{"row_id":"2","id":"b@example.com"}`,
	))

	require.NoError(t, err)
	assert.False(t, failed)

	lines := strings.Split(strings.TrimSuffix(fx.client.uploaded, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"id":"a@example.com","vars":{"city":"Prague"}}`, lines[0])
	assert.JSONEq(t, `{"id":"b@example.com"}`, lines[1])
	assert.True(t, strings.HasPrefix(filepath.Base(fx.client.uploadedPath), "users_bulk_"))
	_, statErr := os.Stat(fx.client.uploadedPath)
	assert.True(t, os.IsNotExist(statErr))

	require.Equal(t, "MULTIPART", fx.client.calls[0].method)
	assert.JSONEq(t, `{"job":"update"}`, fx.client.calls[0].data)
	assert.Equal(t, 6, fx.client.count(http.MethodGet))
	assert.JSONEq(t, `{"job_id":"job-1"}`, fx.client.calls[1].data)
	assert.Len(t, fx.slept, 6)
	for _, d := range fx.slept {
		assert.Equal(t, 30*time.Second, d)
	}
	assert.Equal(t, 6, fx.stats.Count(stats.Waiting))

	waiting := logs.FilterMessageSnippet("Waiting for bulk job").All()
	require.Len(t, waiting, 1)
	assert.Contains(t, waiting[0].Message, "after 4 checks")
	assert.Empty(t, fx.log.records)
}

func TestRouteBatchEmptyStreamSkipsApi(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	defer logger.ReplaceCore(core)()

	fx := newFixture(t, bulkDestination())

	failed, err := fx.router.Route(context.Background(), streamOf())

	require.NoError(t, err)
	assert.False(t, failed)
	assert.Empty(t, fx.client.calls)
	assert.Empty(t, fx.slept)
	assert.Equal(t, 1, logs.FilterMessage("No records to upload, bulk job not created").Len())
	entries, readErr := os.ReadDir(fx.router.tempDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestRouteBatchReportsJobDuration(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	defer logger.ReplaceCore(core)()

	fx := newFixture(t, bulkDestination())
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := []time.Time{start, start.Add(90 * time.Second)}
	fx.router.now = func() time.Time {
		now := clock[0]
		if len(clock) > 1 {
			clock = clock[1:]
		}
		return now
	}
	fx.client.createJob = okResponse(`{"job_id":"job-1"}`)
	fx.client.statuses = []string{"pending", "completed"}

	failed, err := fx.router.Route(context.Background(), streamOf(`{"row_id":"1","id":"a@example.com"}`))

	require.NoError(t, err)
	assert.False(t, failed)
	assert.Equal(t, 1, logs.FilterMessage("Bulk job job-1 completed after 2 checks in 1m30s").Len())
}

func TestRouteBatchJobError(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	defer logger.ReplaceCore(core)()

	fx := newFixture(t, bulkDestination())
	fx.client.createJob = okResponse(`{"job_id":"job-1"}`)
	fx.client.statuses = []string{"pending", "error"}

	failed, err := fx.router.Route(context.Background(), streamOf(`{"row_id":"1","id":"a@example.com"}`))

	require.NoError(t, err)
	assert.True(t, failed)
	assert.Equal(t, 2, fx.client.count(http.MethodGet))
	errorsLogged := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, errorsLogged, 1)
	assert.Contains(t, errorsLogged[0].Message, `"status":"error"`)
}

func TestRouteBatchCreateRejected(t *testing.T) {
	fx := newFixture(t, bulkDestination())
	fx.client.createJob = &sailthru.ResponseT{StatusCode: http.StatusBadRequest, Body: []byte(`{"error":99,"errormsg":"Invalid job"}`)}

	failed, err := fx.router.Route(context.Background(), streamOf(`{"row_id":"1","id":"a@example.com"}`))

	require.Error(t, err)
	assert.False(t, failed)
	assert.True(t, misc.IsUserError(err))
	assert.Contains(t, err.Error(), "Invalid job")
	assert.Zero(t, fx.client.count(http.MethodGet))
	assert.Empty(t, fx.slept)
	_, statErr := os.Stat(fx.client.uploadedPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRouteBatchCreateTransportError(t *testing.T) {
	fx := newFixture(t, bulkDestination())
	fx.client.createJobErr = errors.New("connection reset")

	_, err := fx.router.Route(context.Background(), streamOf(`{"row_id":"1"}`))

	require.Error(t, err)
	assert.True(t, misc.IsUserError(err))
	assert.Zero(t, fx.client.count(http.MethodGet))
}

func TestRouteBatchMissingJobID(t *testing.T) {
	fx := newFixture(t, bulkDestination())
	fx.client.createJob = okResponse(`{"name":"Bulk update"}`)

	_, err := fx.router.Route(context.Background(), streamOf(`{"row_id":"1"}`))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no job_id")
	assert.Zero(t, fx.client.count(http.MethodGet))
}

func TestRouteBatchPollTransportErrorIsFatal(t *testing.T) {
	fx := newFixture(t, bulkDestination())
	fx.client.createJob = okResponse(`{"job_id":"job-1"}`)
	fx.client.pollErr = errors.New("timeout awaiting headers")

	failed, err := fx.router.Route(context.Background(), streamOf(`{"row_id":"1"}`))

	require.Error(t, err)
	assert.False(t, failed)
	assert.True(t, misc.IsUserError(err))
	assert.Contains(t, err.Error(), "failed to get status of bulk job job-1")
	assert.Equal(t, 1, fx.client.count(http.MethodGet))
}

func TestRouteBatchStreamErrorSubmitsNothing(t *testing.T) {
	fx := newFixture(t, bulkDestination())
	stream := streamOf(`{"row_id":"1"}`)
	stream.err = misc.NewUserError("row 3 has 1 values but the header has 2 columns")

	_, err := fx.router.Route(context.Background(), stream)

	require.Error(t, err)
	assert.Empty(t, fx.client.calls)
	entries, readErr := os.ReadDir(fx.router.tempDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestRouteBatchPollTimeout(t *testing.T) {
	destination := bulkDestination()
	destination.PollInterval = 5 * time.Millisecond
	destination.PollTimeout = 50 * time.Millisecond
	fx := newFixture(t, destination)
	fx.router.sleep = sleepCtx
	fx.client.createJob = okResponse(`{"job_id":"job-1"}`)

	failed, err := fx.router.Route(context.Background(), streamOf(`{"row_id":"1"}`))

	require.Error(t, err)
	assert.False(t, failed)
	assert.True(t, misc.IsUserError(err))
	assert.Contains(t, err.Error(), "did not finish within 50ms")
	assert.Greater(t, fx.client.count(http.MethodGet), 0)
}

func TestRouteBatchCancelled(t *testing.T) {
	fx := newFixture(t, bulkDestination())
	fx.client.createJob = okResponse(`{"job_id":"job-1"}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.router.Route(ctx, streamOf(`{"row_id":"1"}`))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "interrupted")
}

func TestSleepCtx(t *testing.T) {
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
