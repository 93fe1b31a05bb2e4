// Package tracing installs the process-wide OpenTelemetry tracer provider.
// Spans are exported with the stdout exporter into a file; writing them to
// descriptor 1 would interleave with captured task output.
package tracing

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer used across jobcell.
const InstrumentationName = "github.com/mattjoyce/jobcell"

var (
	providerOnce sync.Once
	providerErr  error
	shutdown     = func(context.Context) error { return nil }
)

// Init exports spans as JSON into outputFile. An empty outputFile leaves the
// global no-op provider in place. The first call wins; later calls return
// the first call's result.
func Init(serviceName, serviceVersion, outputFile string) (func(context.Context) error, error) {
	if outputFile == "" {
		return func(context.Context) error { return nil }, nil
	}
	providerOnce.Do(func() {
		f, err := os.OpenFile(outputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			providerErr = fmt.Errorf("open trace file: %w", err)
			return
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			_ = f.Close()
			providerErr = fmt.Errorf("create trace exporter: %w", err)
			return
		}
		tp, err := newProvider(serviceName, serviceVersion, exporter)
		if err != nil {
			_ = f.Close()
			providerErr = err
			return
		}
		otel.SetTracerProvider(tp)
		shutdown = func(ctx context.Context) error {
			err := tp.Shutdown(ctx)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			return err
		}
	})
	return shutdown, providerErr
}

func newProvider(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	), nil
}

// Tracer returns the jobcell tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
