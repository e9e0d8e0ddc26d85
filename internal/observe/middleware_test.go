package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// opsMux mirrors the ops server: one route answering with status and a
// record of the correlation ID its handler saw.
func opsMux(status int, seen *string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		*seen = CorrelationID(r.Context())
		w.WriteHeader(status)
	})
	return mux
}

func serve(t *testing.T, m *Metrics, status int, req *http.Request) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var seen string
	rec := httptest.NewRecorder()
	Middleware(m)(opsMux(status, &seen)).ServeHTTP(rec, req)
	return rec, seen
}

func durationPoints(t *testing.T, reader *sdkmetric.ManualReader) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "parley.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	return met.Data.(metricdata.Histogram[float64]).DataPoints
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	useTracer(t)
	m, _ := newTestMetrics(t)

	rec, seen := serve(t, m, http.StatusOK, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if len(seen) != 32 {
		t.Fatalf("handler saw correlation ID %q", seen)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != seen {
		t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	useTracer(t)
	m, _ := newTestMetrics(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

	_, seen := serve(t, m, http.StatusOK, req)
	if seen != traceID {
		t.Errorf("correlation ID = %q, want %q", seen, traceID)
	}
}

func TestMiddleware_LabelsByRoute(t *testing.T) {
	exp := useTracer(t)
	m, reader := newTestMetrics(t)

	rec, _ := serve(t, m, http.StatusServiceUnavailable, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "ops GET /readyz" {
		t.Fatalf("spans = %v", spans)
	}
	var status int64
	var route string
	for _, a := range spans[0].Attributes {
		switch a.Key {
		case "http.response.status_code":
			status = a.Value.AsInt64()
		case "http.route":
			route = a.Value.AsString()
		}
	}
	if status != http.StatusServiceUnavailable || route != "GET /readyz" {
		t.Errorf("span attributes: status %d route %q", status, route)
	}

	points := durationPoints(t, reader)
	if len(points) != 1 {
		t.Fatalf("got %d data points", len(points))
	}
	attrs := points[0].Attributes
	if v, ok := attrs.Value(attribute.Key("route")); !ok || v.AsString() != "GET /readyz" {
		t.Errorf("route attribute = %v", v)
	}
	if v, ok := attrs.Value(attribute.Key("status")); !ok || v.AsString() != "503" {
		t.Errorf("status attribute = %v", v)
	}
}

func TestMiddleware_UnknownPathsShareOneSeries(t *testing.T) {
	useTracer(t)
	m, reader := newTestMetrics(t)

	for _, path := range []string{"/wp-login.php", "/.env", "/admin"} {
		rec, _ := serve(t, m, http.StatusOK, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d, want 404", path, rec.Code)
		}
	}

	points := durationPoints(t, reader)
	if len(points) != 1 {
		t.Fatalf("got %d series, want 1", len(points))
	}
	if points[0].Count != 3 {
		t.Errorf("count = %d, want 3", points[0].Count)
	}
	if v, _ := points[0].Attributes.Value(attribute.Key("route")); v.AsString() != unmatchedRoute {
		t.Errorf("route attribute = %q, want %q", v.AsString(), unmatchedRoute)
	}
}
