package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/use-agent/cardrender/engine"

// instruments groups the pool's OpenTelemetry instruments. With the default
// global provider they are no-ops until the embedding process installs a
// real MeterProvider.
type instruments struct {
	renders  metric.Int64Counter
	recycles metric.Int64Counter
	inflight metric.Int64UpDownCounter
	duration metric.Float64Histogram
}

func newInstruments(mp metric.MeterProvider) (*instruments, error) {
	meter := mp.Meter(meterName)

	renders, err := meter.Int64Counter("cardrender.renders",
		metric.WithDescription("Render operations by outcome code."),
	)
	if err != nil {
		return nil, err
	}
	recycles, err := meter.Int64Counter("cardrender.recycles",
		metric.WithDescription("Backend recycles by reason and result."),
	)
	if err != nil {
		return nil, err
	}
	inflight, err := meter.Int64UpDownCounter("cardrender.renders.active",
		metric.WithDescription("Render operations currently holding a gate token."),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("cardrender.render.duration",
		metric.WithDescription("End-to-end render latency including gate wait."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &instruments{
		renders:  renders,
		recycles: recycles,
		inflight: inflight,
		duration: duration,
	}, nil
}

func (m *instruments) recordRender(ctx context.Context, outcome string, start time.Time) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.renders.Add(ctx, 1, attrs)
	m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
}

func (m *instruments) recordRecycle(ctx context.Context, reason string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.recycles.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("result", result),
	))
}
