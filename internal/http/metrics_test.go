package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := newHTTPMetrics(mp, zap.NewNop())

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/api/v1/signals/:id/query", func(c echo.Context) error {
		return c.String(http.StatusOK, "hello")
	})
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/api/v1/suggestions", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "no sources")
	})

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/signals/abc/query"},
		{http.MethodGet, "/api/v1/signals/def/query"},
		{http.MethodGet, "/health"},
		{http.MethodPost, "/api/v1/suggestions"},
	} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(r.method, r.path, nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}

	foundRequests := false
	foundDuration := false
	foundResponseSize := false

	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch md.Name {
			case "faultline.http.requests_total":
				foundRequests = true
				sum, ok := md.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("unexpected data type %T", md.Data)
				}
				byEndpoint := map[string]int64{}
				statuses := map[int64]bool{}
				for _, dp := range sum.DataPoints {
					ep, _ := dp.Attributes.Value(attribute.Key("endpoint"))
					byEndpoint[ep.AsString()] += dp.Value
					st, _ := dp.Attributes.Value(attribute.Key("status"))
					statuses[st.AsInt64()] = true
				}
				if byEndpoint["/api/v1/signals/:id/query"] != 2 {
					t.Errorf("route pattern should fold path params, got %v", byEndpoint)
				}
				if !statuses[http.StatusBadRequest] {
					t.Errorf("expected a 400 data point, got %v", statuses)
				}
			case "faultline.http.request_duration_seconds":
				foundDuration = true
				if hist, ok := md.Data.(metricdata.Histogram[float64]); ok {
					total := uint64(0)
					for _, dp := range hist.DataPoints {
						total += dp.Count
					}
					if total != 4 {
						t.Errorf("expected 4 duration recordings, got %d", total)
					}
				}
			case "faultline.http.response_size_bytes":
				foundResponseSize = true
			}
		}
	}

	if !foundRequests {
		t.Error("requests counter not found")
	}
	if !foundDuration {
		t.Error("duration histogram not found")
	}
	if !foundResponseSize {
		t.Error("response size histogram not found")
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "/"},
		{"/health", "/health"},
		{"/api/v1/signals/:id/query", "/api/v1/signals/:id/query"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
