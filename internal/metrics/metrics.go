package metrics

import (
	"context"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type Metrics struct {
	HTTPRequests      metric.Int64Counter
	HTTPDuration      metric.Float64Histogram
	ActiveConnections metric.Int64UpDownCounter

	LockTransitions   metric.Int64Counter
	LockRejections    metric.Int64Counter
	RelayerPolls      metric.Int64Counter
	RelayerDetections metric.Int64Counter
}

// Setup builds the meters on a private Prometheus registry and returns the
// handler that exposes it.
func Setup(serviceName string) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	registry.MustRegister(
		promclient.NewGoCollector(),
		promclient.NewProcessCollector(promclient.ProcessCollectorOpts{}),
	)

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	m := &Metrics{}

	m.HTTPRequests, err = meter.Int64Counter(
		"bridge_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"bridge_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter(
		"bridge_websocket_connections",
		metric.WithDescription("Number of active WebSocket connections"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.LockTransitions, err = meter.Int64Counter(
		"bridge_lock_transitions_total",
		metric.WithDescription("Persisted lock transitions by chain and type"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.LockRejections, err = meter.Int64Counter(
		"bridge_lock_rejections_total",
		metric.WithDescription("Lock operations refused by validation"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RelayerPolls, err = meter.Int64Counter(
		"bridge_relayer_polls_total",
		metric.WithDescription("Relayer poll cycles by chain and outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RelayerDetections, err = meter.Int64Counter(
		"bridge_relayer_detections_total",
		metric.WithDescription("Inbound locks accepted from relayer polls"),
	)
	if err != nil {
		return nil, nil, err
	}

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m, handler, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)

	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) IncrementConnections(ctx context.Context) {
	m.ActiveConnections.Add(ctx, 1)
}

func (m *Metrics) DecrementConnections(ctx context.Context) {
	m.ActiveConnections.Add(ctx, -1)
}

func (m *Metrics) RecordLockTransition(ctx context.Context, chain, transition string) {
	m.LockTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("chain", chain),
		attribute.String("transition", transition),
	))
}

func (m *Metrics) RecordLockRejected(ctx context.Context, operation, reason string) {
	m.LockRejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) RecordRelayerPoll(ctx context.Context, chain, outcome string) {
	m.RelayerPolls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("chain", chain),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordRelayerDetection(ctx context.Context, chain string) {
	m.RelayerDetections.Add(ctx, 1, metric.WithAttributes(attribute.String("chain", chain)))
}
