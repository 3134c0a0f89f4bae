// Package telemetry wires up OpenTelemetry providers for circuitd: a
// MeterProvider monitor.Monitor records gauge observations against, and a
// TracerProvider circuit.Engine spans its circuit builds under.
//
// Grounded on atvirokodosprendimai-wgmesh/pkg/otel/otel.go's
// endpoint-gated Init (env var present → real OTLP exporters; absent →
// noop providers, zero overhead), adapted from its gRPC exporter variants
// to the HTTP ones actually present in that repo's own go.mod
// (otlpmetrichttp/otlptracehttp) and with the log pipeline dropped — this
// module's ambient logging is log/slog directly (spec.md's own choice),
// not an OTel log bridge.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// EndpointEnvVar is the environment variable that gates whether Init
// configures real exporters or returns noop providers.
const EndpointEnvVar = "OTEL_EXPORTER_OTLP_ENDPOINT"

// Providers bundles the two provider kinds circuitcore's components need.
type Providers struct {
	Meter    metric.MeterProvider
	Tracer   trace.TracerProvider
	Shutdown func(context.Context) error
}

// Init builds Providers for serviceName/serviceVersion. When
// EndpointEnvVar is unset, both providers are noop and Shutdown is a
// no-op — circuitd is fully runnable without an external collector.
func Init(ctx context.Context, serviceName, serviceVersion string, logger *slog.Logger) (Providers, error) {
	if logger == nil {
		logger = slog.Default()
	}
	endpoint := os.Getenv(EndpointEnvVar)
	if endpoint == "" {
		return Providers{
			Meter:    noop.NewMeterProvider(),
			Tracer:   tracenoop.NewTracerProvider(),
			Shutdown: func(context.Context) error { return nil },
		}, nil
	}

	res, err := buildResource(ctx, serviceName, serviceVersion)
	if err != nil {
		return Providers{}, fmt.Errorf("telemetry: build resource: %w", err)
	}

	traceExporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return Providers{}, fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	metricExporter, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return Providers{}, fmt.Errorf("telemetry: metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	logger.Info("telemetry: OTLP exporters configured", "endpoint", endpoint, "service", serviceName)

	return Providers{
		Meter:  mp,
		Tracer: tp,
		Shutdown: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			tErr := tp.Shutdown(shutdownCtx)
			mErr := mp.Shutdown(shutdownCtx)
			if tErr != nil {
				return tErr
			}
			return mErr
		},
	}, nil
}

func buildResource(ctx context.Context, serviceName, serviceVersion string) (*resource.Resource, error) {
	hostname, _ := os.Hostname()
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
			semconv.HostName(hostname),
		),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
}
