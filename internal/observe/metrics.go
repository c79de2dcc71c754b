// Package observe provides application-wide observability primitives for
// voxgate: OpenTelemetry metrics, tracing helpers, and the Prometheus
// exporter bridge.
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

// meterName is the instrumentation scope name used for all voxgate metrics.
const meterName = "github.com/MrWong99/voxgate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// SessionDuration tracks total session length from accept to teardown.
	SessionDuration metric.Float64Histogram

	// EnrollmentDuration tracks the length of the full enrollment phase.
	EnrollmentDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts normalized utterances. Use with attribute:
	//   attribute.String("kind", "final"|"interim")
	Utterances metric.Int64Counter

	// AudioBytes counts audio bytes forwarded to the recognition engine.
	AudioBytes metric.Int64Counter

	// SpeakerMappings counts speaker-to-profile mappings. Use with attribute:
	//   attribute.String("source", "enrollment"|"auto"|"manual")
	SpeakerMappings metric.Int64Counter

	// Timeouts counts session terminations by the cost guard. Use with
	// attribute: attribute.String("reason", ...)
	Timeouts metric.Int64Counter

	// ProtocolErrors counts errors reported to clients. Use with attribute:
	//   attribute.String("code", ...)
	ProtocolErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// durationBuckets defines histogram bucket boundaries (in seconds) covering
// enrollment phases up to multi-hour sessions.
var durationBuckets = []float64{
	1, 5, 15, 60, 300, 900, 1800, 3600, 7200, 14400,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionDuration, err = m.Float64Histogram("voxgate.session.duration",
		metric.WithDescription("Total session length from accept to teardown."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EnrollmentDuration, err = m.Float64Histogram("voxgate.enrollment.duration",
		metric.WithDescription("Length of the enrollment phase."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Utterances, err = m.Int64Counter("voxgate.utterances",
		metric.WithDescription("Normalized utterances by kind (final or interim)."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("voxgate.audio.bytes",
		metric.WithDescription("Audio bytes forwarded to the recognition engine."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.SpeakerMappings, err = m.Int64Counter("voxgate.speaker.mappings",
		metric.WithDescription("Speaker-to-profile mappings by source."),
	); err != nil {
		return nil, err
	}
	if met.Timeouts, err = m.Int64Counter("voxgate.timeouts",
		metric.WithDescription("Session terminations by the cost guard, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("voxgate.protocol.errors",
		metric.WithDescription("Errors reported to clients, by code."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxgate.active_sessions",
		metric.WithDescription("Number of live sessions."),
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

// RecordUtterance records one normalized utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, final bool) {
	kind := "interim"
	if final {
		kind = "final"
	}
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordMapping records one speaker-to-profile mapping.
func (m *Metrics) RecordMapping(ctx context.Context, source string) {
	m.SpeakerMappings.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordTimeout records one cost-guard termination.
func (m *Metrics) RecordTimeout(ctx context.Context, reason string) {
	m.Timeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordProtocolError records one error reported to a client.
func (m *Metrics) RecordProtocolError(ctx context.Context, code string) {
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}
