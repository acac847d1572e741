// Package tracer wires OpenTelemetry tracing for beacon lifecycle actions and
// the API requests they issue.
package tracer

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"beaconservice/go-beacon-admin/internal/config"
)

const (
	tracerName  = "beaconadmin"
	serviceName = "beaconadmin"
)

// Span attribute keys.
const (
	BeaconID   = attribute.Key("beacon.id")
	Action     = attribute.Key("beacon.action")
	HTTPMethod = attribute.Key("http.method")
	HTTPPath   = attribute.Key("http.path")
	HTTPStatus = attribute.Key("http.status_code")
)

// Setup installs the global TracerProvider and returns its shutdown function.
// Spans are exported to stderr so they never interleave with command output.
func Setup(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	return setup(ctx, cfg, os.Stderr)
}

func setup(_ context.Context, cfg config.TracingConfig, w io.Writer) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }

	exporterName := cfg.Exporter
	if !cfg.Enabled {
		exporterName = "noop"
	}

	var exporter sdktrace.SpanExporter
	switch exporterName {
	case "noop", "":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartRequest starts the span around one outgoing API request. path must
// already have its query string removed.
func StartRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "proximity.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(HTTPMethod.String(method), HTTPPath.String(path)),
	)
}

// StartAction starts the span around a lifecycle action on one beacon.
func StartAction(ctx context.Context, action, beaconID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "beacon."+action,
		trace.WithAttributes(Action.String(action), BeaconID.String(beaconID)),
	)
}

// Finish sets the span status from err and ends it.
func Finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
