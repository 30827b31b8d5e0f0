// Package telemetry exposes oral test metrics through OpenTelemetry with a
// Prometheus exporter.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/model"
	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/oral"
)

const meterName = "github.com/samirabawad/Grado-Cerrado-App-sub000/internal/oral"

// Telemetry owns the meter provider and the instruments of oral tests.
type Telemetry struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler

	responses metric.Float64Histogram
	outcomes  metric.Int64Counter
	active    metric.Int64UpDownCounter
}

var _ oral.Metrics = (*Telemetry)(nil)

// New creates the meter provider with its own Prometheus registry.
func New(serviceName string, logger *slog.Logger) (*Telemetry, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	meter := provider.Meter(meterName)

	t := &Telemetry{
		provider: provider,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	if t.responses, err = meter.Float64Histogram("gradocerrado.oral.response_time",
		metric.WithUnit("s"),
		metric.WithDescription("Time from the end of a prompt to an evaluated answer."),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 20, 30, 60, 120),
	); err != nil {
		return nil, err
	}
	if t.outcomes, err = meter.Int64Counter("gradocerrado.oral.answers",
		metric.WithDescription("Answer attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if t.active, err = meter.Int64UpDownCounter("gradocerrado.oral.active_tests",
		metric.WithDescription("Oral tests currently running."),
	); err != nil {
		return nil, err
	}
	logger.Info("telemetry initialized", slog.String("exporter", "prometheus"))
	return t, nil
}

// Handler serves the Prometheus scrape endpoint.
func (t *Telemetry) Handler() http.Handler {
	return t.handler
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// RecordResponse implements oral.Metrics.
func (t *Telemetry) RecordResponse(ctx context.Context, area model.Area, d time.Duration) {
	t.responses.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("area", string(area))))
}

// RecordOutcome implements oral.Metrics.
func (t *Telemetry) RecordOutcome(ctx context.Context, area model.Area, outcome oral.Outcome) {
	t.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("area", string(area)),
		attribute.String("outcome", string(outcome)),
	))
}

// TestStarted counts a running oral test.
func (t *Telemetry) TestStarted(ctx context.Context, area model.Area) {
	t.active.Add(ctx, 1, metric.WithAttributes(attribute.String("area", string(area))))
}

// TestFinished uncounts a running oral test.
func (t *Telemetry) TestFinished(ctx context.Context, area model.Area) {
	t.active.Add(ctx, -1, metric.WithAttributes(attribute.String("area", string(area))))
}
