package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/health":                      "/health",
		"/api/v1/records/bafyabc":      "/api/v1/records/{address}",
		"/api/v1/owners/alice/records": "/api/v1/owners/{owner}/records",
	}
	for in, want := range tests {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestMiddleware_RecordsStatus(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/records/bafyxyz", nil))

	want := `snapfolder_http_requests_total{method="GET",path="/api/v1/records/{address}",status="404"}`
	if !strings.Contains(scrape(t), want) {
		t.Errorf("metrics output missing %s", want)
	}
}

func TestHandler_ExposesRebuildMetrics(t *testing.T) {
	RecordRebuild(0, 2, true)
	if !strings.Contains(scrape(t), "snapfolder_members_dropped_total") {
		t.Error("metrics output missing snapfolder_members_dropped_total")
	}
}
