package middleware

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"poscore/internal/infrastructure"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Tracing instruments every request with an OpenTelemetry server span and
// basic request metrics.
type Tracing struct {
	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

// NewTracing creates the tracing middleware from the OTel providers.
func NewTracing(providers *infrastructure.OTelProviders) (*Tracing, error) {
	requests, err := providers.Meter.Int64Counter("http.server.requests",
		metric.WithDescription("Total HTTP requests processed"))
	if err != nil {
		return nil, fmt.Errorf("create request counter: %w", err)
	}
	duration, err := providers.Meter.Float64Histogram("http.server.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	return &Tracing{
		tracer:   providers.Tracer,
		requests: requests,
		duration: duration,
	}, nil
}

// Handler returns the middleware handler function.
func (t *Tracing) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := t.tracer.Start(ctx, fmt.Sprintf("%s %s", r.Method, r.URL.Path),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", r.URL.Path),
				attribute.String("user_agent", r.UserAgent()),
			),
		)
		defer span.End()

		ctx = infrastructure.WithTraceID(ctx, span.SpanContext().TraceID().String())

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		elapsed := time.Since(start)

		attrs := metric.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.Int("http.status_code", ww.Status()),
		)
		t.requests.Add(ctx, 1, attrs)
		t.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)

		span.SetAttributes(attribute.Int("http.status_code", ww.Status()))
		if ww.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(ww.Status()))
		}
	})
}
