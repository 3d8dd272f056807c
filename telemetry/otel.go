// Package telemetry provides the OpenTelemetry rendering of the
// core.Metrics interface and optional OTLP trace export.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/flowmesh/orchestrator/core"
)

// OTelMetrics implements core.Metrics on the global meter provider.
// Instruments are created lazily and cached by name.
type OTelMetrics struct {
	meter  metric.Meter
	logger core.Logger

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// NewOTelMetrics creates the orchestrator meter
func NewOTelMetrics(logger core.Logger) *OTelMetrics {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &OTelMetrics{
		meter:      otel.Meter("orchestrator"),
		logger:     logger,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// Count increments a counter
func (m *OTelMetrics) Count(ctx context.Context, name string, delta int64, labels map[string]string) {
	counter, err := m.counter(name)
	if err != nil {
		return
	}
	counter.Add(ctx, delta, metric.WithAttributes(attributes(labels)...))
}

// Observe records a histogram sample
func (m *OTelMetrics) Observe(ctx context.Context, name string, value float64, labels map[string]string) {
	histogram, err := m.histogram(name)
	if err != nil {
		return
	}
	histogram.Record(ctx, value, metric.WithAttributes(attributes(labels)...))
}

func (m *OTelMetrics) counter(name string) (metric.Int64Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c, nil
	}
	c, err := m.meter.Int64Counter(name)
	if err != nil {
		m.logger.Warn("Counter creation failed", map[string]interface{}{
			"metric": name,
			"error":  err.Error(),
		})
		return nil, err
	}
	m.counters[name] = c
	return c, nil
}

func (m *OTelMetrics) histogram(name string) (metric.Float64Histogram, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h, nil
	}
	h, err := m.meter.Float64Histogram(name)
	if err != nil {
		m.logger.Warn("Histogram creation failed", map[string]interface{}{
			"metric": name,
			"error":  err.Error(),
		})
		return nil, err
	}
	m.histograms[name] = h
	return h, nil
}

func attributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// InitTracing installs an OTLP gRPC trace exporter when
// OTEL_EXPORTER_OTLP_ENDPOINT is set; otherwise tracing stays a no-op.
// The returned shutdown flushes pending spans.
func InitTracing(ctx context.Context, serviceName string, logger core.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res := sdkresource.NewSchemaless(
		attribute.String("service.name", serviceName),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	logger.Info("Trace export enabled", map[string]interface{}{
		"endpoint":     endpoint,
		"service_name": serviceName,
	})
	return provider.Shutdown, nil
}
