// Package observe provides application-wide observability primitives for
// EchoStream: OpenTelemetry metrics, tracing helpers, and structured logging
// enrichment.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all EchoStream metrics.
const meterName = "github.com/echolabs/echostream"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Pipeline counters ---

	// FramesSent counts audio frames handed to the transport socket.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames evicted from the outbound queue under
	// backpressure. Every drop is a sequence gap the backend will observe.
	FramesDropped metric.Int64Counter

	// DecodeDrops counts raw chunks discarded by the frame decoder
	// (shorter than the family padding, or unknown family).
	DecodeDrops metric.Int64Counter

	// SequenceGaps counts discontinuities observed in frame sequence
	// numbers at the socket boundary.
	SequenceGaps metric.Int64Counter

	// ReconnectAttempts counts transport reconnection attempts. Use with
	// attribute.String("result", "ok"|"fail").
	ReconnectAttempts metric.Int64Counter

	// PingsAnswered counts keep-alive pings answered with a pong.
	PingsAnswered metric.Int64Counter

	// FramesIngested counts audio frames accepted by the ingest service.
	FramesIngested metric.Int64Counter

	// --- Latency histograms ---

	// SendLatency tracks the time a frame spends between Send and the
	// wire write.
	SendLatency metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of live socket sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveLinks tracks the number of connected device links.
	ActiveLinks metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for live-audio transport latencies.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("echostream.frames.sent",
		metric.WithDescription("Total audio frames handed to the transport socket."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("echostream.frames.dropped",
		metric.WithDescription("Total frames evicted from the outbound queue under backpressure."),
	); err != nil {
		return nil, err
	}
	if met.DecodeDrops, err = m.Int64Counter("echostream.decode.drops",
		metric.WithDescription("Total raw chunks discarded by the frame decoder."),
	); err != nil {
		return nil, err
	}
	if met.SequenceGaps, err = m.Int64Counter("echostream.sequence.gaps",
		metric.WithDescription("Total sequence-number discontinuities observed at the socket."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("echostream.transport.reconnects",
		metric.WithDescription("Total transport reconnection attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.PingsAnswered, err = m.Int64Counter("echostream.transport.pings_answered",
		metric.WithDescription("Total keep-alive pings answered with a pong."),
	); err != nil {
		return nil, err
	}
	if met.FramesIngested, err = m.Int64Counter("echostream.ingest.frames",
		metric.WithDescription("Total audio frames accepted by the ingest service."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.SendLatency, err = m.Float64Histogram("echostream.transport.send.duration",
		metric.WithDescription("Time a frame spends between Send and the wire write."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("echostream.active_sessions",
		metric.WithDescription("Number of live socket sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveLinks, err = m.Int64UpDownCounter("echostream.active_links",
		metric.WithDescription("Number of connected device links."),
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
