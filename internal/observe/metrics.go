// Package observe holds callbridge's telemetry: the OpenTelemetry metric
// instruments recorded by the bridge and HTTP layer, span helpers, a
// trace-aware logger and the request middleware.
//
// [InitProvider] installs SDK providers and a Prometheus scrape handler.
// Code that has no [Metrics] injected falls back to [DefaultMetrics], which
// records through whatever global provider is installed. Tests build their own
// with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all callbridge metrics.
const meterName = "github.com/MrWong99/callbridge"

// Frame directions used as the "direction" attribute.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Metrics is the set of instruments callbridge records. Safe for concurrent
// use.
type Metrics struct {
	// --- Calls ---

	// ActiveCalls tracks the number of live call bridges.
	ActiveCalls metric.Int64UpDownCounter

	// CallDuration tracks wall-clock call length. Use with attribute:
	//   attribute.String("reason", ...)
	CallDuration metric.Float64Histogram

	// --- Audio relay ---

	// FramesRelayed counts audio frames forwarded between legs. Use with
	// attribute: attribute.String("direction", ...)
	FramesRelayed metric.Int64Counter

	// FramesDropped counts audio frames discarded because the destination leg
	// was not ready. Use with attribute: attribute.String("direction", ...)
	FramesDropped metric.Int64Counter

	// BargeIns counts caller interruptions of assistant speech.
	BargeIns metric.Int64Counter

	// ClockDrift records local-minus-remote session clock offset at each
	// speech start, in milliseconds.
	ClockDrift metric.Float64Histogram

	// --- Silent requests ---

	// SilentRequests counts hidden text-only queries. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	SilentRequests metric.Int64Counter

	// SilentRequestDuration tracks time from issue to completion.
	SilentRequestDuration metric.Float64Histogram

	// --- Prompt resolution ---

	// PromptResolveDuration tracks instruction lookup latency. Use with
	// attribute: attribute.String("source", ...) (cache, store, default)
	PromptResolveDuration metric.Float64Histogram

	// --- Error counters ---

	// ProviderErrors counts errors reported by or about an upstream leg. Use
	// with attributes: attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration is recorded by [Middleware] with method, path and
	// status attributes.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request-scoped latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// callBuckets covers call lengths from a few seconds to the default limit.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200,
}

// driftBuckets is symmetric around zero, in milliseconds.
var driftBuckets = []float64{
	-1000, -250, -100, -50, -20, 0, 20, 50, 100, 250, 1000,
}

// NewMetrics registers every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveCalls, err = m.Int64UpDownCounter("callbridge.active_calls",
		metric.WithDescription("Number of live call bridges."),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("callbridge.call.duration",
		metric.WithDescription("Wall-clock call duration by close reason."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesRelayed, err = m.Int64Counter("callbridge.frames.relayed",
		metric.WithDescription("Audio frames relayed between legs by direction."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("callbridge.frames.dropped",
		metric.WithDescription("Audio frames dropped before the destination leg was ready."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("callbridge.barge_ins",
		metric.WithDescription("Caller interruptions of assistant speech."),
	); err != nil {
		return nil, err
	}
	if met.ClockDrift, err = m.Float64Histogram("callbridge.clock_drift",
		metric.WithDescription("Local minus remote session clock offset at speech start."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(driftBuckets...),
	); err != nil {
		return nil, err
	}

	if met.SilentRequests, err = m.Int64Counter("callbridge.silent_requests",
		metric.WithDescription("Hidden text-only queries by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.SilentRequestDuration, err = m.Float64Histogram("callbridge.silent_request.duration",
		metric.WithDescription("Latency of hidden text-only queries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.PromptResolveDuration, err = m.Float64Histogram("callbridge.prompt.resolve.duration",
		metric.WithDescription("Latency of instruction lookup by source."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderErrors, err = m.Int64Counter("callbridge.provider.errors",
		metric.WithDescription("Upstream leg failures by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("callbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method, path and status."),
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

// DefaultMetrics returns a process-wide [Metrics] bound to
// [otel.GetMeterProvider] at first use.
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

// RecordFrame counts one relayed audio frame.
func (m *Metrics) RecordFrame(ctx context.Context, direction string) {
	m.FramesRelayed.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordDroppedFrame counts one dropped audio frame.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, direction string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordBargeIn counts an interruption and records the measured drift.
func (m *Metrics) RecordBargeIn(ctx context.Context, driftMs int64) {
	m.BargeIns.Add(ctx, 1)
	m.ClockDrift.Record(ctx, float64(driftMs))
}

// RecordSilentRequest records the outcome and latency of one hidden query.
func (m *Metrics) RecordSilentRequest(ctx context.Context, kind, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	)
	m.SilentRequests.Add(ctx, 1, attrs)
	m.SilentRequestDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordPromptResolve records how long an instruction lookup took and which
// source answered it.
func (m *Metrics) RecordPromptResolve(ctx context.Context, source string, d time.Duration) {
	m.PromptResolveDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordCallStart increments the active call gauge.
func (m *Metrics) RecordCallStart(ctx context.Context) {
	m.ActiveCalls.Add(ctx, 1)
}

// RecordCallEnd decrements the active call gauge and records the call length.
func (m *Metrics) RecordCallEnd(ctx context.Context, reason string, d time.Duration) {
	m.ActiveCalls.Add(ctx, -1)
	m.CallDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordProviderError counts one failure of an upstream leg.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
