// Package telemetry installs the OTLP metric pipeline that backs the pool's
// instruments.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/use-agent/cardrender/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
)

const serviceName = "cardrender"

// NewMeterProvider builds a meter provider that periodically pushes to the
// OTLP/gRPC collector at cfg.Endpoint and installs it as the global
// provider. It returns nil, nil when cfg.Endpoint is empty.
//
// The exporter connects lazily, so an unreachable collector does not fail
// startup; exports are retried on every interval.
func NewMeterProvider(ctx context.Context, cfg config.TelemetryConfig, version string) (*sdkmetric.MeterProvider, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}

	exp, err := newMetricExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: can't initialize metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(newResource(version)),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp,
			sdkmetric.WithInterval(cfg.Interval),
		)),
	)
	otel.SetMeterProvider(mp)

	slog.Info("metric export enabled",
		"endpoint", cfg.Endpoint,
		"interval", cfg.Interval,
	)
	return mp, nil
}

func newMetricExporter(ctx context.Context, cfg config.TelemetryConfig) (*otlpmetricgrpc.Exporter, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func newResource(version string) *sdkresource.Resource {
	return sdkresource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	)
}
