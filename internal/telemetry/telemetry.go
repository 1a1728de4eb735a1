package telemetry

import (
	"context"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

// Shutdown flushes pending spans.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Setup installs an OTLP trace exporter when OTEL_EXPORTER_OTLP_ENDPOINT is
// set. OTEL_TRACES_SAMPLER_ARG (0..1) sets the parent-based sampling ratio.
func Setup(serviceName string, logger *zap.Logger) Shutdown {
	if logger == nil {
		logger = zap.NewNop()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return noop
	}

	ctx := context.Background()
	exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if insecure, _ := strconv.ParseBool(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		logger.Warn("trace exporter unavailable, tracing disabled", zap.Error(err))
		return noop
	}

	attrs, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithHost(),
	)
	if err != nil {
		logger.Warn("trace resource incomplete", zap.Error(err))
	}

	ratio := samplerRatio(os.Getenv("OTEL_TRACES_SAMPLER_ARG"))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(attrs),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(provider)
	logger.Info("tracing enabled", zap.String("endpoint", endpoint), zap.Float64("sample_ratio", ratio))
	return provider.Shutdown
}

func samplerRatio(raw string) float64 {
	ratio, err := strconv.ParseFloat(raw, 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return 1
	}
	return ratio
}
