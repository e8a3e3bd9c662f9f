// Package observe provides application-wide observability primitives for
// voxmood: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] and served by
// [MetricsHandler]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxmood metrics.
const meterName = "github.com/MrWong99/voxmood"

// Hop outcome labels used with [Metrics.RecordHop].
const (
	OutcomeVoiced  = "voiced"
	OutcomeSilence = "silence"
	OutcomeFailed  = "failed"
	OutcomeStale   = "stale"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// InferenceDuration tracks preprocessing plus model invocation time per
	// voiced hop.
	InferenceDuration metric.Float64Histogram

	// --- Counters ---

	// Hops counts hop outcomes. Use with attribute:
	//   attribute.String("outcome", voiced|silence|failed|stale)
	Hops metric.Int64Counter

	// Predictions counts emitted predictions by dominant label. Use with
	// attribute:
	//   attribute.String("label", ...)
	Predictions metric.Int64Counter

	// DroppedSamples counts samples lost to ring buffer overflow.
	DroppedSamples metric.Int64Counter

	// DroppedEvents counts capture events discarded on a full event channel.
	DroppedEvents metric.Int64Counter

	// ModelErrors counts failed model invocations. Use with attribute:
	//   attribute.String("kind", run|circuit_open|shape)
	ModelErrors metric.Int64Counter

	// StoreErrors counts prediction rows the timeline store failed to
	// persist or had to drop.
	StoreErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live capture sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time, and the full
	// lifetime of upgraded audio streams. Attributes: method, route (the mux
	// pattern, never the raw path), status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// per-hop inference latency. A hop is scheduled every 150 ms, so anything
// past that is a problem worth seeing.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.InferenceDuration, err = m.Float64Histogram("voxmood.inference.duration",
		metric.WithDescription("Latency of window preprocessing and model invocation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Hops, err = m.Int64Counter("voxmood.hops",
		metric.WithDescription("Total inference hops by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Predictions, err = m.Int64Counter("voxmood.predictions",
		metric.WithDescription("Total predictions delivered by dominant label."),
	); err != nil {
		return nil, err
	}
	if met.DroppedSamples, err = m.Int64Counter("voxmood.ring.dropped_samples",
		metric.WithDescription("Samples dropped because the ring buffer was full."),
	); err != nil {
		return nil, err
	}
	if met.DroppedEvents, err = m.Int64Counter("voxmood.capture.dropped_events",
		metric.WithDescription("Capture events dropped because the event channel was full."),
	); err != nil {
		return nil, err
	}
	if met.ModelErrors, err = m.Int64Counter("voxmood.model.errors",
		metric.WithDescription("Failed model invocations by kind."),
	); err != nil {
		return nil, err
	}
	if met.StoreErrors, err = m.Int64Counter("voxmood.store.errors",
		metric.WithDescription("Predictions the timeline store failed to persist."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxmood.active_sessions",
		metric.WithDescription("Number of live capture sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxmood.http.request.duration",
		metric.WithDescription("HTTP request and stream duration by method, route and status."),
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

// RecordHop counts one hop with the given outcome.
func (m *Metrics) RecordHop(ctx context.Context, outcome string) {
	m.Hops.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPrediction counts a delivered prediction by dominant label.
func (m *Metrics) RecordPrediction(ctx context.Context, label string) {
	m.Predictions.Add(ctx, 1, metric.WithAttributes(attribute.String("label", label)))
}

// RecordInference records the duration of one voiced hop in seconds.
func (m *Metrics) RecordInference(ctx context.Context, seconds float64) {
	m.InferenceDuration.Record(ctx, seconds)
}

// RecordModelError counts a failed model invocation.
func (m *Metrics) RecordModelError(ctx context.Context, kind string) {
	m.ModelErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDroppedSamples adds n to the ring overflow counter.
func (m *Metrics) RecordDroppedSamples(ctx context.Context, sessionID string, n int) {
	if n <= 0 {
		return
	}
	m.DroppedSamples.Add(ctx, int64(n), metric.WithAttributes(attribute.String("session_id", sessionID)))
}

// RecordDroppedEvents adds n to the dropped capture event counter.
func (m *Metrics) RecordDroppedEvents(ctx context.Context, n uint64) {
	if n == 0 {
		return
	}
	m.DroppedEvents.Add(ctx, int64(n))
}
