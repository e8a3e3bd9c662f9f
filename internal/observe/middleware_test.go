package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// instrumentedMux serves a mux shaped like the voxmood API through the
// middleware, with in-memory metric and span collection. Tests using it
// swap the global tracer provider and must not run in parallel.
func instrumentedMux(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "missing" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("X-Seen-CID", CorrelationID(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {})
	return Middleware(m)(mux), reader, exp
}

func serve(h http.Handler, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelationID(t *testing.T) {
	const incoming = "4bf92f3577b34da6a3ce929d0e0e4736"

	tests := []struct {
		name   string
		header http.Header
		want   string
	}{
		{name: "new trace"},
		{
			name:   "continues w3c trace",
			header: http.Header{"Traceparent": {"00-" + incoming + "-00f067aa0ba902b7-01"}},
			want:   incoming,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := instrumentedMux(t)
			rec := serve(h, "/v1/sessions/abc", tt.header)

			cid := rec.Header().Get("X-Correlation-ID")
			if len(cid) != 32 {
				t.Fatalf("X-Correlation-ID = %q, want 32 hex chars", cid)
			}
			if seen := rec.Header().Get("X-Seen-CID"); seen != cid {
				t.Errorf("handler saw %q, response carries %q", seen, cid)
			}
			if tt.want != "" && cid != tt.want {
				t.Errorf("X-Correlation-ID = %q, want %q", cid, tt.want)
			}
		})
	}
}

func TestMiddleware_SpanUsesRoute(t *testing.T) {
	h, _, exp := instrumentedMux(t)

	if rec := serve(h, "/v1/sessions/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if got, want := spans[0].Name, "HTTP GET /v1/sessions/{id}"; got != want {
		t.Errorf("span name = %q, want %q", got, want)
	}
	attrs := attribute.NewSet(spans[0].Attributes...)
	if v, _ := attrs.Value("http.route"); v.AsString() != "/v1/sessions/{id}" {
		t.Errorf("http.route = %q", v.AsString())
	}
	if v, _ := attrs.Value("http.response.status_code"); v.AsInt64() != 404 {
		t.Errorf("http.response.status_code = %d", v.AsInt64())
	}
}

func TestMiddleware_DurationKeyedByRoute(t *testing.T) {
	h, reader, _ := instrumentedMux(t)

	for _, target := range []string{"/v1/sessions/a", "/v1/sessions/b", "/v1/sessions/c", "/nowhere"} {
		serve(h, target, nil)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voxmood.http.request.duration")
	if met == nil {
		t.Fatal("voxmood.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data = %T, want histogram", met.Data)
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		rt, _ := dp.Attributes.Value("route")
		counts[rt.AsString()] += dp.Count
	}
	if counts["GET /v1/sessions/{id}"] != 3 {
		t.Errorf("session route count = %d, want 3 (%v)", counts["GET /v1/sessions/{id}"], counts)
	}
	if counts[unmatchedRoute] != 1 {
		t.Errorf("unmatched count = %d, want 1 (%v)", counts[unmatchedRoute], counts)
	}
	if len(counts) != 2 {
		t.Errorf("routes = %v, want exactly two label values", counts)
	}
}

func TestResponseRecorder_HijackUnsupported(t *testing.T) {
	t.Parallel()

	rec := &responseRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	if _, _, err := rec.Hijack(); err == nil {
		t.Fatal("Hijack on a non-hijackable writer succeeded")
	}
	if rec.hijacked {
		t.Error("failed hijack marked the response as a stream")
	}
}
