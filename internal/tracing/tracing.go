// Package tracing wires OpenTelemetry spans around JobServ's HTTP
// surface and the dispatcher's critical section (SPEC_FULL.md §2
// "ambient stack"). Grounded on the teacher's internal/tracing/otel.go
// TracerProvider setup, scoped down to the stdouttrace exporter already
// in go.mod rather than the teacher's OTLP/Prometheus exporter stack
// (no repo in the pack imports an OTLP exporter — see DESIGN.md).
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider wraps the SDK TracerProvider JobServ installs at startup.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider builds a Provider exporting spans to stdout (pretty
// enough for local development; swap the exporter for an OTLP one in
// deployments that need a real backend).
func NewProvider(serviceName, version string) (*Provider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("tracing: stdout exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// Tracer returns the named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Middleware wraps an http.Handler, starting one span per request named
// "<method> <path>" after the request's raw URL path.
func Middleware(next http.Handler) http.Handler {
	tracer := Tracer("jobserv/httpapi")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)

		sw := &statusCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", sw.status))
		if sw.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

type statusCapture struct {
	http.ResponseWriter
	status int
}

func (s *statusCapture) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// StartSpan starts a child span for a non-HTTP critical section, e.g.
// the dispatcher's claim transaction (spec.md §4.4).
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer("jobserv").Start(ctx, name)
}

// RecordError marks span as failed with err, mirroring the teacher's
// convention of tagging error spans rather than just logging them.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
