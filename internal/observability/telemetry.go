package observability

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
)

// InstrumentationName scopes every meter created by this module.
const InstrumentationName = "github.com/3leaps/worklets"

var (
	// TelemetrySystem is the process meter provider, nil until InitTelemetry.
	TelemetrySystem *sdkmetric.MeterProvider

	// MetricsReader collects TelemetrySystem on demand for the metrics
	// endpoint.
	MetricsReader *sdkmetric.ManualReader

	telemetryMu sync.Mutex
)

// InitTelemetry installs a meter provider backed by a manual reader and
// makes it the global OTel provider. Calling it again is a no-op.
func InitTelemetry(serviceName string) {
	telemetryMu.Lock()
	defer telemetryMu.Unlock()
	if TelemetrySystem != nil {
		return
	}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)
	otel.SetMeterProvider(provider)

	TelemetrySystem = provider
	MetricsReader = reader
}

// ShutdownTelemetry flushes and releases the meter provider.
func ShutdownTelemetry(ctx context.Context) error {
	telemetryMu.Lock()
	provider := TelemetrySystem
	TelemetrySystem = nil
	MetricsReader = nil
	telemetryMu.Unlock()

	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}

// Meter returns the module meter from the global provider.
func Meter() metric.Meter {
	return otel.Meter(InstrumentationName)
}

// MetricPoint is one flattened data point of a collected metric.
type MetricPoint struct {
	Name       string            `json:"name"`
	Unit       string            `json:"unit,omitempty"`
	Kind       string            `json:"kind"`
	Attributes map[string]string `json:"attributes,omitempty"`

	// Value is set for sums.
	Value float64 `json:"value,omitempty"`

	// Count and Sum are set for histograms.
	Count uint64  `json:"count,omitempty"`
	Sum   float64 `json:"sum,omitempty"`
}

// ErrTelemetryNotInitialized is returned by Snapshot before InitTelemetry.
var ErrTelemetryNotInitialized = errors.New("telemetry system not initialized")

// Snapshot collects the current metrics, sorted by name.
func Snapshot(ctx context.Context) ([]MetricPoint, error) {
	telemetryMu.Lock()
	reader := MetricsReader
	telemetryMu.Unlock()
	if reader == nil {
		return nil, ErrTelemetryNotInitialized
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	return Flatten(rm), nil
}

// Flatten turns collected resource metrics into points. Aggregations other
// than sums and histograms are skipped.
func Flatten(rm metricdata.ResourceMetrics) []MetricPoint {
	var points []MetricPoint
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					points = append(points, MetricPoint{Name: m.Name, Unit: m.Unit, Kind: "sum", Attributes: attrs(dp.Attributes), Value: float64(dp.Value)})
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					points = append(points, MetricPoint{Name: m.Name, Unit: m.Unit, Kind: "sum", Attributes: attrs(dp.Attributes), Value: dp.Value})
				}
			case metricdata.Histogram[int64]:
				for _, dp := range data.DataPoints {
					points = append(points, MetricPoint{Name: m.Name, Unit: m.Unit, Kind: "histogram", Attributes: attrs(dp.Attributes), Count: dp.Count, Sum: float64(dp.Sum)})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					points = append(points, MetricPoint{Name: m.Name, Unit: m.Unit, Kind: "histogram", Attributes: attrs(dp.Attributes), Count: dp.Count, Sum: dp.Sum})
				}
			}
		}
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Name < points[j].Name })
	return points
}

func attrs(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	out := make(map[string]string, set.Len())
	iter := set.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}
