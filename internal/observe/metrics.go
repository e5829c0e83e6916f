// Package observe provides the observability primitives of the assistant:
// OpenTelemetry metrics, tracing, trace-aware logging and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping via a Prometheus exporter bridge set up by [InitProvider]. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/alexa"

// Capture frame outcomes, used as the "outcome" attribute of
// [Metrics.CaptureFrames].
const (
	FrameSent    = "sent"
	FrameMuted   = "muted"
	FrameDropped = "dropped"
	FrameFailed  = "failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Realtime session ---

	// DialDuration tracks how long a realtime connect takes until the setup
	// is acknowledged.
	DialDuration metric.Float64Histogram

	// RealtimeConnects counts connect attempts. Use with attribute:
	//   attribute.String("status", "opened"|"failed")
	RealtimeConnects metric.Int64Counter

	// ReconnectAttempts counts scheduled backoff retries.
	ReconnectAttempts metric.Int64Counter

	// ActiveSessions tracks the number of open realtime sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// --- Audio ---

	// CaptureFrames counts microphone frames by outcome. Use with attribute:
	//   attribute.String("outcome", FrameSent|FrameMuted|FrameDropped|FrameFailed)
	CaptureFrames metric.Int64Counter

	// PlaybackChunks counts synthesised audio chunks scheduled for playback.
	PlaybackChunks metric.Int64Counter

	// Interruptions counts barge-in events that cut playback short.
	Interruptions metric.Int64Counter

	// --- Side-channel chat ---

	// ChatDuration tracks chat exchange latency.
	ChatDuration metric.Float64Histogram

	// ChatRequests counts chat exchanges. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"rejected")
	ChatRequests metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for remote
// model latencies, which range from sub-second handshakes to long grounded
// answers.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DialDuration, err = m.Float64Histogram("alexa.realtime.dial.duration",
		metric.WithDescription("Latency of realtime connects until setup is acknowledged."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChatDuration, err = m.Float64Histogram("alexa.chat.duration",
		metric.WithDescription("Latency of side-channel chat exchanges."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.RealtimeConnects, err = m.Int64Counter("alexa.realtime.connects",
		metric.WithDescription("Total realtime connect attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("alexa.realtime.reconnect_attempts",
		metric.WithDescription("Total automatic reconnect attempts scheduled."),
	); err != nil {
		return nil, err
	}
	if met.CaptureFrames, err = m.Int64Counter("alexa.capture.frames",
		metric.WithDescription("Total microphone frames by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("alexa.playback.chunks",
		metric.WithDescription("Total synthesised audio chunks scheduled."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("alexa.playback.interruptions",
		metric.WithDescription("Total barge-in interruptions."),
	); err != nil {
		return nil, err
	}
	if met.ChatRequests, err = m.Int64Counter("alexa.chat.requests",
		metric.WithDescription("Total side-channel chat exchanges by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("alexa.realtime.active_sessions",
		metric.WithDescription("Number of open realtime sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("alexa.http.request.duration",
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

// RecordConnect records the outcome and latency of one realtime connect.
func (m *Metrics) RecordConnect(ctx context.Context, status string, d time.Duration) {
	m.RealtimeConnects.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.DialDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// RecordCaptureFrame counts one microphone frame with the given outcome.
func (m *Metrics) RecordCaptureFrame(ctx context.Context, outcome string) {
	m.CaptureFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordChat records one chat exchange.
func (m *Metrics) RecordChat(ctx context.Context, status string, d time.Duration) {
	m.ChatRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if status != "rejected" {
		m.ChatDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
	}
}
