// Package traces wires OpenTelemetry tracing for escrow actions and ledger
// calls.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/roborio/roborio"

// Options describe the process being traced.
type Options struct {
	ServiceName string
	Version     string
	// Endpoint is the OTLP gRPC collector. Empty disables export.
	Endpoint string
	// Cluster is recorded on the resource so traces from different
	// networks can be told apart.
	Cluster string
}

// Init installs a global tracer provider exporting to opts.Endpoint and
// returns its shutdown function. With no endpoint it returns a no-op.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(opts.Version),
	}
	if opts.Cluster != "" {
		attrs = append(attrs, Cluster(opts.Cluster))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "cluster", opts.Cluster)
	return tp.Shutdown, nil
}

// StartSpan starts a span named name carrying attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func Action(name string) attribute.KeyValue {
	return attribute.String("escrow.action", name)
}

func EscrowAddress(addr string) attribute.KeyValue {
	return attribute.String("escrow.address", addr)
}

func Wallet(addr string) attribute.KeyValue {
	return attribute.String("wallet", addr)
}

func Cluster(name string) attribute.KeyValue {
	return attribute.String("ledger.cluster", name)
}

func Signature(sig string) attribute.KeyValue {
	return attribute.String("tx.signature", sig)
}

func Instructions(n int) attribute.KeyValue {
	return attribute.Int("tx.instructions", n)
}
