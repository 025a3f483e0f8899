package httpserver

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onexay/notepub/internal/logger"
	"github.com/onexay/notepub/internal/metrics"
	"github.com/onexay/notepub/internal/service"
	"github.com/onexay/notepub/internal/storage"
)

func TestRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	collector.RecordImportGroup("imported")

	svc := service.NewWithDeps(service.Deps{
		Store:  storage.NewMemoryStore(storage.Options{}),
		Logger: logger.Discard(),
	})
	srv := httptest.NewServer(routes(svc, reg, logger.Discard()))
	defer srv.Close()

	cases := []struct {
		path   string
		status int
		body   string
	}{
		{"/healthz", http.StatusOK, "ok"},
		{"/metrics", http.StatusOK, "notepub_import_groups_total"},
		{"/api/v1/targets", http.StatusOK, `"success":true`},
		{"/api/v1/unknown", http.StatusNotFound, `"success":false`},
	}
	for _, tc := range cases {
		resp, err := http.Get(srv.URL + tc.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tc.path, err)
		}
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != tc.status {
			t.Fatalf("GET %s: expected %d, got %d", tc.path, tc.status, resp.StatusCode)
		}
		if !strings.Contains(string(data), tc.body) {
			t.Fatalf("GET %s: body %q does not contain %q", tc.path, data, tc.body)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recovery(logger.Discard())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
