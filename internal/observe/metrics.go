// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware for the ops server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to a Prometheus exporter so they can be scraped from /metrics.
// A package-level [DefaultMetrics] instance is provided for convenience; tests
// should use [NewMetrics] with their own [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Capture ---

	// CaptureFrames counts frames delivered by the input device.
	CaptureFrames metric.Int64Counter

	// CaptureSendErrors counts encoded frames the channel refused.
	CaptureSendErrors metric.Int64Counter

	// --- Playback ---

	// PlaybackUnits counts units placed on the output line.
	PlaybackUnits metric.Int64Counter

	// PlaybackUnderruns counts units that started later than the previous
	// unit ended.
	PlaybackUnderruns metric.Int64Counter

	// PlaybackFlushes counts barge-in flushes.
	PlaybackFlushes metric.Int64Counter

	// PlaybackDecodeErrors counts dropped malformed inbound chunks.
	PlaybackDecodeErrors metric.Int64Counter

	// PlaybackLead tracks how far ahead of the device clock each unit was
	// scheduled, in seconds.
	PlaybackLead metric.Float64Histogram

	// --- Session ---

	// ConnectDuration tracks how long Start took to reach Listening. Use
	// with attribute.String("status", ...).
	ConnectDuration metric.Float64Histogram

	// ActiveSessions tracks sessions currently in Listening.
	ActiveSessions metric.Int64UpDownCounter

	// SessionErrors counts sessions that ended in the Error state. Use with
	// attribute.String("kind", ...).
	SessionErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks ops-server request time. Use with
	// attributes:
	//   attribute.String("route", ...), attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// leadBuckets covers the playback lead from "already late" to several
// seconds of buffered speech.
var leadBuckets = []float64{
	0, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture.
	if met.CaptureFrames, err = m.Int64Counter("parley.capture.frames",
		metric.WithDescription("Capture frames delivered by the input device."),
	); err != nil {
		return nil, err
	}
	if met.CaptureSendErrors, err = m.Int64Counter("parley.capture.send_errors",
		metric.WithDescription("Encoded capture frames the channel refused."),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.PlaybackUnits, err = m.Int64Counter("parley.playback.units",
		metric.WithDescription("Playback units scheduled on the output line."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnderruns, err = m.Int64Counter("parley.playback.underruns",
		metric.WithDescription("Playback units that started after the previous unit ended."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFlushes, err = m.Int64Counter("parley.playback.flushes",
		metric.WithDescription("Playback flushes caused by interruptions."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDecodeErrors, err = m.Int64Counter("parley.playback.decode_errors",
		metric.WithDescription("Inbound chunks dropped as malformed."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("parley.playback.lead",
		metric.WithDescription("Time between scheduling a unit and its start on the device clock."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(leadBuckets...),
	); err != nil {
		return nil, err
	}

	// Session.
	if met.ConnectDuration, err = m.Float64Histogram("parley.session.connect.duration",
		metric.WithDescription("Time from Start to Listening, or to failure."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.session.active",
		metric.WithDescription("Sessions currently listening."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("parley.session.errors",
		metric.WithDescription("Sessions that ended in the error state, by kind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("Ops server request latency by route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConnect records a Start attempt's duration in seconds with its
// outcome ("ok", "error" or "cancelled").
func (m *Metrics) RecordConnect(ctx context.Context, seconds float64, status string) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSessionError counts a session that ended in the error state. kind is
// a short classification such as "device", "connect" or "channel".
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
