// Package otel wraps the OpenTelemetry meter provider used for fleet
// metrics. When disabled, every instrument is a no-op with zero overhead.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MeterName is the instrumentation scope for fleet metrics.
const MeterName = "clubfleet"

// Config toggles metrics and names the reporting service.
type Config struct {
	Enabled     bool
	ServiceName string
}

// Provider wraps the meter provider with cleanup.
type Provider struct {
	MeterProvider metric.MeterProvider
	Meter         metric.Meter
	shutdown      func(context.Context) error
}

// Init sets up the meter provider. Disabled config returns a no-op provider.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			MeterProvider: mp,
			Meter:         mp.Meter(MeterName),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "clubfleet"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	return &Provider{
		MeterProvider: mp,
		Meter:         mp.Meter(MeterName),
		shutdown:      mp.Shutdown,
	}, nil
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}
