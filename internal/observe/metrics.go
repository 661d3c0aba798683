// Package observe provides application-wide observability primitives for
// kikitori: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all kikitori metrics.
const meterName = "github.com/kikitori/kikitori"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscriptionDuration tracks one cumulative transcription pass.
	TranscriptionDuration metric.Float64Histogram

	// NormalizationDuration tracks kana normalization latency.
	NormalizationDuration metric.Float64Histogram

	// TranslationDuration tracks JA→EN translation latency, including
	// retries.
	TranslationDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksReceived counts audio chunks accepted into session buffers.
	ChunksReceived metric.Int64Counter

	// Revisions counts transcription passes that contradicted already
	// confirmed text.
	Revisions metric.Int64Counter

	// StageErrors counts pipeline stage failures. Use with attribute:
	//   attribute.String("stage", ...)
	StageErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live transcription sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for speech-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("kikitori.transcription.duration",
		metric.WithDescription("Latency of one cumulative transcription pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.NormalizationDuration, err = m.Float64Histogram("kikitori.normalization.duration",
		metric.WithDescription("Latency of kana normalization."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranslationDuration, err = m.Float64Histogram("kikitori.translation.duration",
		metric.WithDescription("Latency of translation including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksReceived, err = m.Int64Counter("kikitori.chunks.received",
		metric.WithDescription("Total audio chunks accepted into session buffers."),
	); err != nil {
		return nil, err
	}
	if met.Revisions, err = m.Int64Counter("kikitori.transcript.revisions",
		metric.WithDescription("Total passes that contradicted already confirmed text."),
	); err != nil {
		return nil, err
	}
	if met.StageErrors, err = m.Int64Counter("kikitori.stage.errors",
		metric.WithDescription("Total pipeline stage failures by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("kikitori.active_sessions",
		metric.WithDescription("Number of live transcription sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("kikitori.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordTranscription records one pass duration and, on failure, a stage
// error.
func (m *Metrics) RecordTranscription(ctx context.Context, seconds float64, err error) {
	m.TranscriptionDuration.Record(ctx, seconds)
	if err != nil {
		m.recordStageError(ctx, "transcribe")
	}
}

// RecordNormalization records a normalization duration and outcome.
func (m *Metrics) RecordNormalization(ctx context.Context, seconds float64, err error) {
	m.NormalizationDuration.Record(ctx, seconds)
	if err != nil {
		m.recordStageError(ctx, "normalize")
	}
}

// RecordTranslation records a translation duration and outcome.
func (m *Metrics) RecordTranslation(ctx context.Context, seconds float64, err error) {
	m.TranslationDuration.Record(ctx, seconds)
	if err != nil {
		m.recordStageError(ctx, "translate")
	}
}

// RecordChunk counts one accepted audio chunk.
func (m *Metrics) RecordChunk(ctx context.Context) {
	m.ChunksReceived.Add(ctx, 1)
}

// RecordRevision counts one confirmed-text contradiction.
func (m *Metrics) RecordRevision(ctx context.Context) {
	m.Revisions.Add(ctx, 1)
}

// AddActiveSessions moves the live-session gauge by delta.
func (m *Metrics) AddActiveSessions(ctx context.Context, delta int64) {
	m.ActiveSessions.Add(ctx, delta)
}

func (m *Metrics) recordStageError(ctx context.Context, stage string) {
	m.StageErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
