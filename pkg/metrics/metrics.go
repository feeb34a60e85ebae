// Package metrics exposes turn, tool, model and webhook metrics in Prometheus format.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records through an OpenTelemetry meter backed by a Prometheus registry.
// A nil *Metrics ignores every call.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	turns          metric.Int64Counter
	rounds         metric.Int64Histogram
	toolCalls      metric.Int64Counter
	toolDuration   metric.Float64Histogram
	modelLatency   metric.Float64Histogram
	modelErrors    metric.Int64Counter
	webhookResults metric.Int64Counter
}

func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("pharmacy")

	m := &Metrics{registry: registry, provider: provider}

	if m.turns, err = meter.Int64Counter("pharmacy_turns_total",
		metric.WithDescription("Conversation turns by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create turns counter: %w", err)
	}
	if m.rounds, err = meter.Int64Histogram("pharmacy_turn_rounds",
		metric.WithDescription("Model rounds used per turn"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5, 6, 8)); err != nil {
		return nil, fmt.Errorf("failed to create rounds histogram: %w", err)
	}
	if m.toolCalls, err = meter.Int64Counter("pharmacy_tool_calls_total",
		metric.WithDescription("Tool invocations by tool and outcome")); err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}
	if m.toolDuration, err = meter.Float64Histogram("pharmacy_tool_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds")); err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}
	if m.modelLatency, err = meter.Float64Histogram("pharmacy_model_latency_seconds",
		metric.WithDescription("Model request latency in seconds")); err != nil {
		return nil, fmt.Errorf("failed to create model latency histogram: %w", err)
	}
	if m.modelErrors, err = meter.Int64Counter("pharmacy_model_errors_total",
		metric.WithDescription("Failed model requests")); err != nil {
		return nil, fmt.Errorf("failed to create model errors counter: %w", err)
	}
	if m.webhookResults, err = meter.Int64Counter("pharmacy_webhook_deliveries_total",
		metric.WithDescription("Order webhook deliveries by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create webhook counter: %w", err)
	}
	return m, nil
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func (m *Metrics) RecordTurn(ctx context.Context, outcome string, rounds int) {
	if m == nil {
		return
	}
	m.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if rounds > 0 {
		m.rounds.Record(ctx, int64(rounds))
	}
}

func (m *Metrics) RecordTool(ctx context.Context, tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool), attribute.String("outcome", outcome))
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
}

func (m *Metrics) RecordModel(ctx context.Context, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.modelLatency.Record(ctx, d.Seconds())
	if err != nil {
		m.modelErrors.Add(ctx, 1)
	}
}

func (m *Metrics) RecordWebhook(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.webhookResults.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
