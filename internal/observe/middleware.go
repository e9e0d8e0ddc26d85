package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests the mux did not route.
const unmatchedRoute = "unmatched"

// Middleware instruments an ops [http.ServeMux]. Requests are labelled by
// the mux pattern they matched, e.g. "GET /metrics", so scans of unknown
// paths collapse into one series. Each request continues an incoming W3C
// traceparent, carries an X-Correlation-ID response header and is logged at
// debug level.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &opsHandler{next: next, metrics: m, prop: propagation.TraceContext{}}
	}
}

type opsHandler struct {
	next    http.Handler
	metrics *Metrics
	prop    propagation.TextMapPropagator
}

func (h *opsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	began := time.Now()

	ctx := h.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, "ops request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(semconv.HTTPRequestMethodKey.String(r.Method)),
	)
	defer span.End()

	if cid := CorrelationID(ctx); cid != "" {
		w.Header().Set("X-Correlation-ID", cid)
	}

	// The mux records the matched pattern on the request it is given.
	req := r.WithContext(ctx)
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	h.next.ServeHTTP(sw, req)

	route := req.Pattern
	if route == "" {
		route = unmatchedRoute
	}
	elapsed := time.Since(began)

	span.SetName("ops " + route)
	span.SetAttributes(
		semconv.HTTPRoute(route),
		semconv.HTTPResponseStatusCode(sw.status),
	)
	h.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("status", strconv.Itoa(sw.status)),
	))
	slog.DebugContext(ctx, "ops request",
		"route", route,
		"path", r.URL.Path,
		"status", sw.status,
		"duration", elapsed,
	)
}

// statusWriter remembers the status code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
