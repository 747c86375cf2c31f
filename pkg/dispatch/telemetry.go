package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/bturcanu/toolmesh/pkg/dispatch"

type telemetry struct {
	tracer      trace.Tracer
	invocations metric.Int64Counter
	duration    metric.Float64Histogram
	denials     metric.Int64Counter
}

func newTelemetry() (*telemetry, error) {
	meter := otel.Meter(instrumentationName)
	invocations, err := meter.Int64Counter("toolmesh.invocations",
		metric.WithDescription("Tool invocations by connector, tool and status."))
	if err != nil {
		return nil, fmt.Errorf("dispatch telemetry invocations: %w", err)
	}
	duration, err := meter.Float64Histogram("toolmesh.invocation.duration",
		metric.WithDescription("Tool execution time."),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("dispatch telemetry duration: %w", err)
	}
	denials, err := meter.Int64Counter("toolmesh.policy.denials",
		metric.WithDescription("Invocations denied by policy."))
	if err != nil {
		return nil, fmt.Errorf("dispatch telemetry denials: %w", err)
	}
	return &telemetry{
		tracer:      otel.Tracer(instrumentationName),
		invocations: invocations,
		duration:    duration,
		denials:     denials,
	}, nil
}

func (t *telemetry) executed(ctx context.Context, connector, toolName, status string, took time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("connector", connector),
		attribute.String("tool", toolName),
		attribute.String("status", status),
	)
	t.invocations.Add(ctx, 1, attrs)
	t.duration.Record(ctx, float64(took.Microseconds())/1000, attrs)
}

func (t *telemetry) denied(ctx context.Context, connector, toolName string) {
	t.denials.Add(ctx, 1, metric.WithAttributes(
		attribute.String("connector", connector),
		attribute.String("tool", toolName),
	))
}
