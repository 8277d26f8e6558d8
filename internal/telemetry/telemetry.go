package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/curaious/devicedb/internal/config"
)

const instrumentationName = "github.com/curaious/devicedb"

func newExporter(w io.Writer) (trace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithPrettyPrint(),
		stdouttrace.WithoutTimestamps(),
	)
}

// newOTELCollectorExporter creates an exporter that sends traces to an OTEL collector
func newOTELCollectorExporter(endpoint string) (trace.SpanExporter, error) {
	endpointWithProto := strings.Replace(endpoint, "http://", "", 1)
	endpointWithProto = strings.Replace(endpointWithProto, "https://", "", 1)

	return otlptracehttp.New(
		context.Background(),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithEndpoint(endpointWithProto),
	)
}

func newResource() *resource.Resource {
	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	if serviceName == "" {
		serviceName = "devicedb-migrate"
	}

	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion("0.1.0"),
	)
}

// Tracer returns the tracer used for migration spans.
func Tracer() oteltrace.Tracer {
	return otel.Tracer(instrumentationName)
}

// NewProvider installs a global trace provider and returns its teardown func.
//
// Exporter priority:
// 1. OTEL_EXPORTER_OTLP_ENDPOINT - OTEL collector over HTTP
// 2. TRACES_FILE - pretty printed spans written to a file
// 3. Neither set - the default no-op provider is left in place
func NewProvider(conf *config.Config) (func(), error) {
	var (
		exp trace.SpanExporter
		f   *os.File
		err error
	)

	switch {
	case conf.OTEL_EXPORTER_OTLP_ENDPOINT != "":
		exp, err = newOTELCollectorExporter(conf.OTEL_EXPORTER_OTLP_ENDPOINT)
	case conf.TRACES_FILE != "":
		f, err = os.Create(conf.TRACES_FILE)
		if err != nil {
			return func() {}, err
		}
		slog.Info("Using file-based tracing", slog.String("file", conf.TRACES_FILE))
		exp, err = newExporter(f)
	default:
		return func() {}, nil
	}

	if err != nil {
		slog.Error("Unable to create exporter", slog.Any("error", err))
		if f != nil {
			f.Close()
		}
		return func() {}, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(newResource()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			slog.Error("unable to shutdown trace provider", slog.Any("error", err))
		}

		if f != nil {
			if err := f.Close(); err != nil {
				slog.Error("Unable to close traces file", slog.Any("error", err))
			}
		}
	}, nil
}
