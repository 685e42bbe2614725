// Package telemetry wires the process's OpenTelemetry tracer and meter
// providers and exposes the RED (Rate, Errors, Duration) instrumentation
// spec.md §5/§9 calls for on lock-scoped transactions and scheduled-task
// runs. Adapted from the teacher's pkg/observability, narrowed from its
// OTLP/gRPC collector export path to stdout exporters — this system has
// one operator desk and no fleet to aggregate a collector for.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the provider. Enabled lets a developer run fully
// offline without a trace/metric sink writing to stderr.
type Config struct {
	ServiceName string
	Environment string
	Enabled     bool
}

// Provider holds the process-wide tracer, meter, and RED instruments.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	runCounter       metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter
}

// New builds a Provider. When cfg.Enabled is false, the returned Provider's
// methods are all safe no-ops — callers never need an enabled check.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	p := &Provider{logger: logger}
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(p.tracerProvider)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
	if err != nil {
		return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = otel.Tracer("nust-lifeline.ledger")
	p.meter = otel.Meter("nust-lifeline.ledger")

	if err := p.initREDMetrics(); err != nil {
		return nil, fmt.Errorf("telemetry: init RED metrics: %w", err)
	}
	return p, nil
}

func (p *Provider) initREDMetrics() error {
	var err error
	if p.runCounter, err = p.meter.Int64Counter("ledger.runs.total",
		metric.WithDescription("total lock-scoped transactions and scheduled-task runs")); err != nil {
		return err
	}
	if p.errorCounter, err = p.meter.Int64Counter("ledger.errors.total",
		metric.WithDescription("total failed runs")); err != nil {
		return err
	}
	if p.durationHist, err = p.meter.Float64Histogram("ledger.run.duration",
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30)); err != nil {
		return err
	}
	if p.activeOperations, err = p.meter.Int64UpDownCounter("ledger.runs.active"); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops both providers. Safe to call on a disabled
// Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.Error("telemetry: trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.Error("telemetry: meter provider shutdown failed", "error", err)
		}
	}
	return nil
}

// TrackRun wraps one lock-scoped transaction or scheduled-task run: starts
// a span named name, records the RED metrics, and returns the span-carrying
// context plus a completion func the caller defers with the run's error
// (nil on success).
func (p *Provider) TrackRun(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if p.tracer == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if p.runCounter != nil {
		p.runCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			if p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
			}
		}
		span.End()
	}
}
