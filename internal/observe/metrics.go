// Package observe provides application-wide observability primitives for
// toolrelay: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all toolrelay metrics.
const meterName = "github.com/MrWong99/toolrelay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks the wall time of one ProcessTurn invocation.
	TurnDuration metric.Float64Histogram

	// LLMDuration tracks one streamed model round-trip, first byte to last.
	LLMDuration metric.Float64Histogram

	// ToolExecutionDuration tracks MCP tool execution latency. Use with
	// attribute.String("server", ...).
	ToolExecutionDuration metric.Float64Histogram

	// ConnectDuration tracks how long connection attempts take to reach ready.
	ConnectDuration metric.Float64Histogram

	// TurnHops records how many tool-execution rounds a turn needed.
	TurnHops metric.Int64Histogram

	// --- Counters ---

	// ProviderRequests counts gateway calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// RegistryRebuilds counts published catalog snapshots.
	RegistryRebuilds metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts gateway errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ConnectErrors counts failed connection attempts. Use with attributes:
	//   attribute.String("server", ...), attribute.String("kind", ...)
	ConnectErrors metric.Int64Counter

	// --- Gauges ---

	// ReadyConnections tracks the number of tool servers in the ready state.
	ReadyConnections metric.Int64UpDownCounter

	// ActiveTurns tracks the number of turns currently being processed.
	ActiveTurns metric.Int64UpDownCounter

	// CatalogTools is the number of tools in the last published catalog.
	CatalogTools metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Turns and
// handshakes can run for tens of seconds, so the tail is wider than usual.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("toolrelay.turn.duration",
		metric.WithDescription("Wall time of a full assistant turn including tool hops."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("toolrelay.llm.duration",
		metric.WithDescription("Latency of one streamed model round-trip."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("toolrelay.tool_execution.duration",
		metric.WithDescription("Latency of MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("toolrelay.connect.duration",
		metric.WithDescription("Time for a tool server connection to become ready."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnHops, err = m.Int64Histogram("toolrelay.turn.hops",
		metric.WithDescription("Tool-execution rounds per turn."),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 3, 5, 8, 13),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("toolrelay.provider.requests",
		metric.WithDescription("Total model gateway requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("toolrelay.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.RegistryRebuilds, err = m.Int64Counter("toolrelay.registry.rebuilds",
		metric.WithDescription("Total tool catalog snapshots published."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("toolrelay.provider.errors",
		metric.WithDescription("Total model gateway errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ConnectErrors, err = m.Int64Counter("toolrelay.connect.errors",
		metric.WithDescription("Total failed tool server connection attempts by server and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ReadyConnections, err = m.Int64UpDownCounter("toolrelay.connections.ready",
		metric.WithDescription("Number of tool server connections in the ready state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTurns, err = m.Int64UpDownCounter("toolrelay.turns.active",
		metric.WithDescription("Number of turns currently in progress."),
	); err != nil {
		return nil, err
	}
	if met.CatalogTools, err = m.Int64Gauge("toolrelay.catalog.tools",
		metric.WithDescription("Number of tools in the published catalog."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("toolrelay.http.request.duration",
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

// RecordProviderRequest records a gateway request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a gateway error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordConnectError records a failed connection attempt.
func (m *Metrics) RecordConnectError(ctx context.Context, server, kind string) {
	m.ConnectErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("kind", kind),
		),
	)
}
