package stats

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
	"kassette.ai/sailthru-writer/utils/logger"
)

const metricPrefix = "sailthru_writer"

type StatCode int64

const (
	Success StatCode = iota
	Failed
	Waiting
)

func (s StatCode) String() string {
	switch s {
	case Success:
		return "success"
	case Failed:
		return "failed"
	case Waiting:
		return "waiting"
	}
	return "unknown"
}

type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// WriterStats counts rows and bulk job polls of a run. Counts are submitted to Datadog on
// Flush when DD_API_KEY is set, otherwise Flush only logs them.
type WriterStats struct {
	Name     string
	baseTags []string

	ctx       context.Context
	submitter metricsSubmitter
	now       func() time.Time

	mu     sync.Mutex
	counts map[StatCode]int
}

func NewStat(ctx context.Context, name string, tags ...string) *WriterStats {
	kStats := &WriterStats{
		Name:     name,
		baseTags: append([]string{envTag(), "job:" + name}, tags...),
		ctx:      ctx,
		now:      time.Now,
		counts:   map[StatCode]int{},
	}
	if strings.TrimSpace(os.Getenv("DD_API_KEY")) != "" {
		kStats.ctx = dd.NewDefaultContext(ctx)
		kStats.submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}
	return kStats
}

func envTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

func (kStats *WriterStats) Increment(code StatCode, count int) {
	if kStats == nil || count <= 0 {
		return
	}
	kStats.mu.Lock()
	defer kStats.mu.Unlock()
	kStats.counts[code] += count
}

func (kStats *WriterStats) Count(code StatCode) int {
	if kStats == nil {
		return 0
	}
	kStats.mu.Lock()
	defer kStats.mu.Unlock()
	return kStats.counts[code]
}

// Flush logs the counts, submits them when a submitter is configured and resets them.
func (kStats *WriterStats) Flush() error {
	if kStats == nil {
		return nil
	}
	kStats.mu.Lock()
	counts := kStats.counts
	kStats.counts = map[StatCode]int{}
	kStats.mu.Unlock()

	if len(counts) == 0 {
		return nil
	}
	logger.Info(fmt.Sprintf("%s: %d succeeded, %d failed, %d job polls",
		kStats.Name, counts[Success], counts[Failed], counts[Waiting]))
	if kStats.submitter == nil {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: kStats.buildSeries(counts, kStats.now().Unix())}
	if _, _, err := kStats.submitter.SubmitMetrics(kStats.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters()); err != nil {
		return fmt.Errorf("submit run metrics: %w", err)
	}
	return nil
}

func (kStats *WriterStats) buildSeries(counts map[StatCode]int, nowUnix int64) []datadogV2.MetricSeries {
	codes := make([]StatCode, 0, len(counts))
	for code := range counts {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	series := make([]datadogV2.MetricSeries, 0, len(codes))
	for _, code := range codes {
		metric := metricPrefix + ".rows.total"
		tags := append(append([]string{}, kStats.baseTags...), "status:"+code.String())
		if code == Waiting {
			metric = metricPrefix + ".job.polls.total"
			tags = append([]string{}, kStats.baseTags...)
		}
		series = append(series, datadogV2.MetricSeries{
			Metric: metric,
			Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
			Points: []datadogV2.MetricPoint{
				{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(float64(counts[code]))},
			},
			Tags: tags,
		})
	}
	return series
}
