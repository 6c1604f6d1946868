package dispatcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/3leaps/worklets"

// Metric names exported by the dispatcher.
const (
	MetricDispatchDuration = "worklets.dispatch.duration"
	MetricDispatchJobs     = "worklets.dispatch.jobs"
)

type metrics struct {
	duration metric.Float64Histogram
	jobs     metric.Int64Counter
}

// newMetrics creates the dispatcher instruments. The OTel API hands back
// no-op instruments alongside any error, so failures only lose telemetry.
func newMetrics(m metric.Meter) *metrics {
	duration, _ := m.Float64Histogram(MetricDispatchDuration,
		metric.WithDescription("Time from Dispatch to completion callback"),
		metric.WithUnit("s"),
	)
	jobs, _ := m.Int64Counter(MetricDispatchJobs,
		metric.WithDescription("Jobs handled per dispatch, split by painted"),
		metric.WithUnit("{job}"),
	)
	return &metrics{duration: duration, jobs: jobs}
}

func (m *metrics) record(elapsed time.Duration, painted, unpainted int) {
	ctx := context.Background()
	m.duration.Record(ctx, elapsed.Seconds())
	if painted > 0 {
		m.jobs.Add(ctx, int64(painted), metric.WithAttributes(attribute.Bool("painted", true)))
	}
	if unpainted > 0 {
		m.jobs.Add(ctx, int64(unpainted), metric.WithAttributes(attribute.Bool("painted", false)))
	}
}
