package observe

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"maestro.stage.duration", m.StageDuration},
		{"maestro.pipeline.duration", m.PipelineDuration},
		{"maestro.admission.wait", m.AdmissionWait},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 42)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

// sumFor returns the value of the data point carrying key=value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q: data point with %s=%s not found", name, key, value)
	return 0
}

func TestCounterIncrement(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	attrs := metric.WithAttributes(
		attribute.String("stage", "generate"),
		attribute.String("status", "ok"),
	)
	m.StageRequests.Add(ctx, 1, attrs)
	m.StageRequests.Add(ctx, 1, attrs)
	m.RecordStageRequest(ctx, "generate", "error")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "maestro.stage.requests", "status", "ok"); got != 2 {
		t.Errorf("counter value = %d, want 2", got)
	}
	if got := sumFor(t, rm, "maestro.stage.requests", "status", "error"); got != 1 {
		t.Errorf("counter value = %d, want 1", got)
	}
}

func TestCacheCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCacheLookup(ctx, "transcribe", "hit")
	m.RecordCacheLookup(ctx, "transcribe", "hit")
	m.RecordCacheLookup(ctx, "transcribe", "miss")
	m.RecordCacheEviction(ctx, "synthesize")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "maestro.cache.lookups", "outcome", "hit"); got != 2 {
		t.Errorf("hits = %d, want 2", got)
	}
	if got := sumFor(t, rm, "maestro.cache.evictions", "stage", "synthesize"); got != 1 {
		t.Errorf("evictions = %d, want 1", got)
	}
}

func TestStageErrorsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStageError(ctx, "transcribe", "upstream")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "maestro.stage.errors", "kind", "upstream"); got != 1 {
		t.Errorf("counter value = %d, want 1", got)
	}
}

func TestRecordPipelineRun(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPipelineRun(ctx, "200", "rest", 1.5)
	m.RecordPipelineRun(ctx, "502", "grpc", 0.2)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "maestro.pipeline.runs", "binding", "rest"); got != 1 {
		t.Errorf("rest runs = %d, want 1", got)
	}
	met := findMetric(rm, "maestro.pipeline.duration")
	if met == nil {
		t.Fatal("pipeline duration not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 2 {
		t.Errorf("duration samples = %d, want 2", total)
	}
}

func TestRecordEventPublish(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordEventPublish(ctx, "maestro.pipeline", nil)
	m.RecordEventPublish(ctx, "maestro.pipeline", errors.New("broker down"))

	rm := collect(t, reader)
	if got := sumFor(t, rm, "maestro.events.published", "status", "ok"); got != 1 {
		t.Errorf("ok = %d, want 1", got)
	}
	if got := sumFor(t, rm, "maestro.events.published", "status", "error"); got != 1 {
		t.Errorf("error = %d, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.AdmissionInFlight.Add(ctx, 3)
	m.AdmissionInFlight.Add(ctx, -1)
	m.AdmissionWaiting.Add(ctx, 4)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"maestro.admission.in_flight", 2},
		{"maestro.admission.waiting", 4},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "POST"),
			attribute.String("path", "/assist"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "maestro.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
