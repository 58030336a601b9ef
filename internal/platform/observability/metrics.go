package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// MetricsConfig selects how metrics are exported
type MetricsConfig struct {
	ServiceName string
	Enabled     bool

	// Exporter is "prometheus" (scraped from Handler) or "otlp" (pushed to OTLPEndpoint)
	Exporter       string
	OTLPEndpoint   string
	ExportInterval time.Duration
}

// Metrics holds all application instruments. Instruments are never nil: a
// disabled Metrics is backed by the otel noop meter.
type Metrics struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider

	// Read-through cache
	CacheRequests    metric.Int64Counter
	ProducerDuration metric.Float64Histogram
	SharedFlights    metric.Int64Counter
	StoreErrors      metric.Int64Counter
	Invalidations    metric.Int64Counter
	StaleWritebacks  metric.Int64Counter

	// Cache store layers
	StoreLayerHits   metric.Int64Counter
	StoreLayerMisses metric.Int64Counter

	// Upstream RPC
	RPCCalls          metric.Int64Counter
	RPCDuration       metric.Float64Histogram
	RPCEndpointHealth metric.Int64Gauge

	// Chain event watcher
	ChainEvents       metric.Int64Counter
	WatcherConnected  metric.Int64Gauge
	WatcherReconnects metric.Int64Counter

	// Degraded responses served from documented defaults
	DegradedResponses metric.Int64Counter

	// Outbound messaging
	PublishCalls metric.Int64Counter

	CircuitBreakerState metric.Int64Gauge
}

// NewMetrics creates a Metrics instance for the configured exporter
func NewMetrics(ctx context.Context, cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return NewNopMetrics(), nil
	}

	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var reader sdkmetric.Reader
	switch cfg.Exporter {
	case "otlp":
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		interval := cfg.ExportInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))
	default:
		exp, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
		}
		reader = exp
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	m := &Metrics{
		meter:    provider.Meter(cfg.ServiceName),
		provider: provider,
	}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return m, nil
}

// NewNopMetrics returns Metrics whose instruments record nothing
func NewNopMetrics() *Metrics {
	m := &Metrics{meter: noop.NewMeterProvider().Meter("nop")}
	// The noop meter never returns an error.
	_ = m.initMetrics()
	return m
}

func (m *Metrics) initMetrics() error {
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.CacheRequests, "dashboard.cache.requests", "Read-through requests by computation and result"},
		{&m.SharedFlights, "dashboard.cache.flights.shared", "Callers that attached to an in-flight production"},
		{&m.StoreErrors, "dashboard.cache.store.errors", "Cache store failures recovered by failing open"},
		{&m.Invalidations, "dashboard.cache.invalidations", "Cache invalidations by kind"},
		{&m.StaleWritebacks, "dashboard.cache.stale_writebacks", "Productions whose write-back was suppressed by an invalidation"},
		{&m.StoreLayerHits, "dashboard.cache.layer.hits", "Store hits per layer"},
		{&m.StoreLayerMisses, "dashboard.cache.layer.misses", "Store misses per layer"},
		{&m.RPCCalls, "dashboard.rpc.calls", "Upstream RPC calls"},
		{&m.ChainEvents, "dashboard.chain.events", "Pool events observed on chain"},
		{&m.WatcherReconnects, "dashboard.watcher.reconnections", "Log subscription reconnections"},
		{&m.DegradedResponses, "dashboard.degraded.responses", "Computations answered with a documented default"},
		{&m.PublishCalls, "dashboard.publish.calls", "Invalidation notifications published"},
	}
	for _, c := range counters {
		inst, err := m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return err
		}
		*c.dst = inst
	}

	gauges := []struct {
		dst  *metric.Int64Gauge
		name string
		desc string
	}{
		{&m.RPCEndpointHealth, "dashboard.rpc.endpoint.health", "RPC endpoint health (1=healthy, 0=unhealthy)"},
		{&m.WatcherConnected, "dashboard.watcher.connected", "Log subscription status (1=connected, 0=disconnected)"},
		{&m.CircuitBreakerState, "dashboard.circuit_breaker.state", "Circuit breaker state (0=closed, 1=open, 2=half-open)"},
	}
	for _, g := range gauges {
		inst, err := m.meter.Int64Gauge(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return err
		}
		*g.dst = inst
	}

	var err error
	m.ProducerDuration, err = m.meter.Float64Histogram(
		"dashboard.cache.producer.duration",
		metric.WithDescription("Producer invocation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	m.RPCDuration, err = m.meter.Float64Histogram(
		"dashboard.rpc.duration",
		metric.WithDescription("Upstream RPC call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	return err
}

// RecordCacheRequest records a read-through lookup. result is hit, miss or error.
func (m *Metrics) RecordCacheRequest(ctx context.Context, computation, result string) {
	m.CacheRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("computation", computation),
		attribute.String("result", result),
	))
}

// RecordProducer records one producer invocation
func (m *Metrics) RecordProducer(ctx context.Context, computation string, duration time.Duration, success bool) {
	m.ProducerDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
		attribute.String("computation", computation),
		attribute.Bool("success", success),
	))
}

// RecordSharedFlight records a caller that received another caller's production
func (m *Metrics) RecordSharedFlight(ctx context.Context, computation string) {
	m.SharedFlights.Add(ctx, 1, metric.WithAttributes(attribute.String("computation", computation)))
}

// RecordStoreError records a swallowed store failure. op is get, set or health.
func (m *Metrics) RecordStoreError(ctx context.Context, op string) {
	m.StoreErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordInvalidation records an invalidation. kind is key or pattern.
func (m *Metrics) RecordInvalidation(ctx context.Context, kind string, success bool) {
	m.Invalidations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
	))
}

// RecordStaleWriteback records a production that was not written back
func (m *Metrics) RecordStaleWriteback(ctx context.Context, computation string) {
	m.StaleWritebacks.Add(ctx, 1, metric.WithAttributes(attribute.String("computation", computation)))
}

// RecordCacheHit records a store hit on a layer
func (m *Metrics) RecordCacheHit(ctx context.Context, layer string) {
	m.StoreLayerHits.Add(ctx, 1, metric.WithAttributes(attribute.String("layer", layer)))
}

// RecordCacheMiss records a store miss on a layer
func (m *Metrics) RecordCacheMiss(ctx context.Context, layer string) {
	m.StoreLayerMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("layer", layer)))
}

// RecordRPCCall records an upstream RPC call
func (m *Metrics) RecordRPCCall(ctx context.Context, method, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("status", status),
	)
	m.RPCCalls.Add(ctx, 1, attrs)
	m.RPCDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordRPCEndpointHealth records RPC endpoint health status
func (m *Metrics) RecordRPCEndpointHealth(ctx context.Context, url string, healthy bool) {
	m.RPCEndpointHealth.Record(ctx, boolToInt(healthy), metric.WithAttributes(attribute.String("url", url)))
}

// RecordChainEvent records a pool event seen by the watcher
func (m *Metrics) RecordChainEvent(ctx context.Context, kind string) {
	m.ChainEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// SetWatcherConnected records the log subscription status
func (m *Metrics) SetWatcherConnected(ctx context.Context, connected bool) {
	m.WatcherConnected.Record(ctx, boolToInt(connected))
}

// RecordWatcherReconnect records a log subscription reconnection
func (m *Metrics) RecordWatcherReconnect(ctx context.Context, attempts int) {
	m.WatcherReconnects.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempts", attempts)))
}

// RecordDegraded records a computation answered with its documented default
func (m *Metrics) RecordDegraded(ctx context.Context, computation string) {
	m.DegradedResponses.Add(ctx, 1, metric.WithAttributes(attribute.String("computation", computation)))
}

// RecordPublish records an outbound notification
func (m *Metrics) RecordPublish(ctx context.Context, target, status string) {
	m.PublishCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("status", status),
	))
}

// SetCircuitBreakerState sets circuit breaker state
// 0 = closed, 1 = open, 2 = half-open
func (m *Metrics) SetCircuitBreakerState(ctx context.Context, service string, state int64) {
	m.CircuitBreakerState.Record(ctx, state, metric.WithAttributes(attribute.String("service", service)))
}

// Shutdown flushes and stops the meter provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// Handler returns the HTTP handler for Prometheus metrics.
// The otel Prometheus exporter registers with the default registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
