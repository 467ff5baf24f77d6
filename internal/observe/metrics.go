// Package observe provides application-wide observability primitives for
// livevoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all livevoice metrics.
const meterName = "github.com/MrWong99/livevoice"

// Drop reasons for [Metrics.RecordFrameDropped].
const (
	DropInactive     = "inactive"
	DropBackpressure = "backpressure"
	DropMalformed    = "malformed"
)

// Start results for [Metrics.RecordSessionStart].
const (
	StartOK         = "ok"
	StartPermission = "permission"
	StartTransport  = "transport"
	StartDevice     = "device"
	StartCancelled  = "cancelled"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// HandshakeDuration tracks the time from Connecting to the remote open
	// acknowledgement.
	HandshakeDuration metric.Float64Histogram

	// TeardownDuration tracks how long releasing a session's resources takes.
	TeardownDuration metric.Float64Histogram

	// --- Counters ---

	// SessionStarts counts start attempts. Use with attribute:
	//   attribute.String("result", ...)
	SessionStarts metric.Int64Counter

	// FramesCaptured counts frames produced by the capture pipeline.
	FramesCaptured metric.Int64Counter

	// FramesSent counts frames handed to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames that were never sent. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// ChunksScheduled counts decoded chunks placed on the output timeline.
	ChunksScheduled metric.Int64Counter

	// Interruptions counts barge-in flushes of the playback queue.
	Interruptions metric.Int64Counter

	// --- Error counters ---

	// DecodeErrors counts inbound audio chunks that could not be decoded.
	DecodeErrors metric.Int64Counter

	// TeardownErrors counts failing resource releases. Use with attribute:
	//   attribute.String("resource", ...)
	TeardownErrors metric.Int64Counter

	// TransportErrors counts fatal transport failures.
	TransportErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions in the Active state.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection handshakes and teardown.
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
	if met.HandshakeDuration, err = m.Float64Histogram("livevoice.session.handshake.duration",
		metric.WithDescription("Time from connect to the remote open acknowledgement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TeardownDuration, err = m.Float64Histogram("livevoice.session.teardown.duration",
		metric.WithDescription("Time to release every resource of a session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionStarts, err = m.Int64Counter("livevoice.session.starts",
		metric.WithDescription("Session start attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.FramesCaptured, err = m.Int64Counter("livevoice.capture.frames",
		metric.WithDescription("Audio frames produced by the capture pipeline."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("livevoice.transport.frames_sent",
		metric.WithDescription("Audio frames handed to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livevoice.capture.frames_dropped",
		metric.WithDescription("Captured frames never sent, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("livevoice.playback.chunks_scheduled",
		metric.WithDescription("Decoded chunks placed on the output timeline."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("livevoice.playback.interruptions",
		metric.WithDescription("Barge-in flushes of the playback queue."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DecodeErrors, err = m.Int64Counter("livevoice.playback.decode_errors",
		metric.WithDescription("Inbound audio chunks that could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.TeardownErrors, err = m.Int64Counter("livevoice.teardown.errors",
		metric.WithDescription("Failing resource releases by resource."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("livevoice.transport.errors",
		metric.WithDescription("Fatal transport failures."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livevoice.active_sessions",
		metric.WithDescription("Number of sessions in the Active state."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livevoice.http.request.duration",
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

// RecordFrameDropped increments the dropped-frame counter for reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTeardownError increments the teardown error counter for resource.
func (m *Metrics) RecordTeardownError(ctx context.Context, resource string) {
	m.TeardownErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", resource)))
}

// RecordSessionStart increments the start counter for result.
func (m *Metrics) RecordSessionStart(ctx context.Context, result string) {
	m.SessionStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
