// Package observe provides application-wide observability primitives for
// Maestro: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Maestro metrics.
const meterName = "github.com/MrWong99/maestro"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StageDuration tracks the latency of one stage as seen by the pipeline,
	// including cache hits. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("cache", ...)
	StageDuration metric.Float64Histogram

	// PipelineDuration tracks end-to-end execution latency. Use with attribute:
	//   attribute.String("status", ...)
	PipelineDuration metric.Float64Histogram

	// AdmissionWait tracks how long executions waited for a permit.
	AdmissionWait metric.Float64Histogram

	// --- Counters ---

	// StageRequests counts remote stage calls. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("status", ...)
	StageRequests metric.Int64Counter

	// StageErrors counts stage failures. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("kind", ...)
	StageErrors metric.Int64Counter

	// CacheLookups counts stage cache lookups. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("outcome", ...)
	CacheLookups metric.Int64Counter

	// CacheEvictions counts entries evicted from a stage cache. Use with
	// attribute: attribute.String("stage", ...)
	CacheEvictions metric.Int64Counter

	// PipelineRuns counts finished executions. Use with attributes:
	//   attribute.String("status", ...), attribute.String("binding", ...)
	PipelineRuns metric.Int64Counter

	// EventsPublished counts pipeline events handed to the event sink. Use
	// with attributes: attribute.String("topic", ...), attribute.String("status", ...)
	EventsPublished metric.Int64Counter

	// --- Gauges ---

	// AdmissionInFlight tracks the number of executions holding a permit.
	AdmissionInFlight metric.Int64UpDownCounter

	// AdmissionWaiting tracks the number of executions waiting for a permit.
	AdmissionWaiting metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Cache hits
// land in the millisecond buckets; CPU-bound transcription and synthesis can
// take minutes.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("maestro.stage.duration",
		metric.WithDescription("Latency of a pipeline stage by stage and cache outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = m.Float64Histogram("maestro.pipeline.duration",
		metric.WithDescription("End-to-end latency of a pipeline execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AdmissionWait, err = m.Float64Histogram("maestro.admission.wait",
		metric.WithDescription("Time spent waiting for an admission permit."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.StageRequests, err = m.Int64Counter("maestro.stage.requests",
		metric.WithDescription("Total remote stage calls by stage and status."),
	); err != nil {
		return nil, err
	}
	if met.StageErrors, err = m.Int64Counter("maestro.stage.errors",
		metric.WithDescription("Total stage failures by stage and kind."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("maestro.cache.lookups",
		metric.WithDescription("Total stage cache lookups by stage and outcome."),
	); err != nil {
		return nil, err
	}
	if met.CacheEvictions, err = m.Int64Counter("maestro.cache.evictions",
		metric.WithDescription("Total stage cache evictions by stage."),
	); err != nil {
		return nil, err
	}
	if met.PipelineRuns, err = m.Int64Counter("maestro.pipeline.runs",
		metric.WithDescription("Total pipeline executions by status and binding."),
	); err != nil {
		return nil, err
	}

	if met.EventsPublished, err = m.Int64Counter("maestro.events.published",
		metric.WithDescription("Total pipeline events published by topic and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.AdmissionInFlight, err = m.Int64UpDownCounter("maestro.admission.in_flight",
		metric.WithDescription("Number of executions holding an admission permit."),
	); err != nil {
		return nil, err
	}
	if met.AdmissionWaiting, err = m.Int64UpDownCounter("maestro.admission.waiting",
		metric.WithDescription("Number of executions waiting for an admission permit."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("maestro.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStageRequest records one remote stage call with the standard
// attribute set.
func (m *Metrics) RecordStageRequest(ctx context.Context, stage, status string) {
	m.StageRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
}

// RecordStageError records one stage failure.
func (m *Metrics) RecordStageError(ctx context.Context, stage, kind string) {
	m.StageErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("kind", kind),
		),
	)
}

// RecordCacheLookup records one cache lookup and its outcome.
func (m *Metrics) RecordCacheLookup(ctx context.Context, stage, outcome string) {
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordCacheEviction records one evicted cache entry.
func (m *Metrics) RecordCacheEviction(ctx context.Context, stage string) {
	m.CacheEvictions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordPipelineRun records a finished execution.
func (m *Metrics) RecordPipelineRun(ctx context.Context, status, binding string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("binding", binding),
	)
	m.PipelineRuns.Add(ctx, 1, attrs)
	m.PipelineDuration.Record(ctx, seconds, attrs)
}

// RecordEventPublish records one published event. A nil err is recorded as
// status "ok".
func (m *Metrics) RecordEventPublish(ctx context.Context, topic string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EventsPublished.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("status", status),
		),
	)
}
