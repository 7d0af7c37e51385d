// Package observe provides application-wide observability primitives for
// susurrus: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all susurrus metrics.
const meterName = "github.com/MrWong99/susurrus"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// InferenceDuration tracks the latency of a single speech-to-text
	// inference pass. Use with attribute:
	//   attribute.String("status", ...) ("ok" or "error")
	InferenceDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// AudioSeconds counts seconds of audio accepted for transcription.
	AudioSeconds metric.Float64Counter

	// Deltas counts emitted transcript updates. Use with attribute:
	//   attribute.String("kind", ...) ("delta" or "final")
	Deltas metric.Int64Counter

	// VADFinalizes counts window resets triggered by the silence gate.
	VADFinalizes metric.Int64Counter

	// Corrections counts transcript corrections. Use with attribute:
	//   attribute.String("method", ...) ("exact", "phonetic", "fuzzy", "polish")
	Corrections metric.Int64Counter

	// --- Error counters ---

	// ArchiveErrors counts failed archive operations. Use with attribute:
	//   attribute.String("op", ...)
	ArchiveErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live transcription sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for streaming transcription latencies.
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
	if met.InferenceDuration, err = m.Float64Histogram("susurrus.inference.duration",
		metric.WithDescription("Latency of a single speech-to-text inference pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("susurrus.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioSeconds, err = m.Float64Counter("susurrus.audio.seconds",
		metric.WithDescription("Seconds of audio accepted for transcription."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.Deltas, err = m.Int64Counter("susurrus.transcript.deltas",
		metric.WithDescription("Total transcript updates emitted by kind."),
	); err != nil {
		return nil, err
	}
	if met.VADFinalizes, err = m.Int64Counter("susurrus.vad.finalizes",
		metric.WithDescription("Total window resets triggered by the silence gate."),
	); err != nil {
		return nil, err
	}
	if met.Corrections, err = m.Int64Counter("susurrus.transcript.corrections",
		metric.WithDescription("Total transcript corrections applied by method."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ArchiveErrors, err = m.Int64Counter("susurrus.archive.errors",
		metric.WithDescription("Total failed archive operations by op."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("susurrus.active_sessions",
		metric.WithDescription("Number of live transcription sessions."),
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

// RecordInference is a convenience method that records an inference latency
// observation with the standard attribute set.
func (m *Metrics) RecordInference(ctx context.Context, seconds float64, status string) {
	m.InferenceDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordDelta is a convenience method that records a transcript update
// counter increment with the standard attribute set.
func (m *Metrics) RecordDelta(ctx context.Context, kind string) {
	m.Deltas.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordCorrection is a convenience method that records a correction counter
// increment with the standard attribute set.
func (m *Metrics) RecordCorrection(ctx context.Context, method string) {
	m.Corrections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("method", method)),
	)
}

// RecordArchiveError is a convenience method that records an archive error
// counter increment with the standard attribute set.
func (m *Metrics) RecordArchiveError(ctx context.Context, op string) {
	m.ArchiveErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("op", op)),
	)
}
