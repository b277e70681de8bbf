// Package telemetry wires OpenTelemetry metrics into a Prometheus
// registry so instrumented packages surface on the /metrics endpoint.
package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Telemetry manages the metrics pipeline for chatd.
//
// Instrumented packages obtain meters through otel.Meter; the provider
// installed here exports them via a Prometheus registry that the HTTP
// server scrapes. Telemetry failures do not crash the application; they
// degrade gracefully to no-op instruments.
type Telemetry struct {
	config *Config

	meterProvider *sdkmetric.MeterProvider
	registry      *prometheus.Registry

	healthy  atomic.Bool
	degraded atomic.Bool
}

// New creates a Telemetry instance and installs the global meter provider.
//
// If telemetry is disabled in config, returns a no-op instance. Exporter
// initialization errors degrade the instance rather than failing startup.
func New(_ context.Context, cfg *Config) (*Telemetry, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	t := &Telemetry{config: cfg}
	t.healthy.Store(true)

	if !cfg.Enabled {
		return t, nil
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		t.setDegraded()
		return t, nil
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = mp
	t.registry = registry
	otel.SetMeterProvider(mp)

	return t, nil
}

// Meter returns a meter for the given instrumentation scope.
//
// Returns a no-op meter if telemetry is disabled or degraded.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// Registry returns the Prometheus registry backing the exporter.
//
// Returns nil when telemetry is disabled or degraded; callers should
// fall back to serving an empty metrics page.
func (t *Telemetry) Registry() *prometheus.Registry {
	if t == nil {
		return nil
	}
	return t.registry
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.healthy.Store(false)
	if t.meterProvider == nil {
		return nil
	}
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("meter provider shutdown: %w", err)
	}
	return nil
}

// IsEnabled returns true if telemetry is enabled and healthy.
func (t *Telemetry) IsEnabled() bool {
	if t == nil || t.config == nil {
		return false
	}
	return t.config.Enabled && t.healthy.Load()
}

// IsDegraded reports whether initialization partially failed.
func (t *Telemetry) IsDegraded() bool {
	if t == nil {
		return true
	}
	return t.degraded.Load()
}

func (t *Telemetry) setDegraded() {
	t.degraded.Store(true)
}
