package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordJob("completed", 2*time.Second)
	c.RecordJob("failed", time.Second)
	c.RecordJob("completed", time.Second)
	c.RecordRemoteRequest("read", 404, 10*time.Millisecond)
	c.RecordImportGroup("skipped")

	if got := testutil.ToFloat64(c.jobs.WithLabelValues("completed")); got != 2 {
		t.Fatalf("expected 2 completed jobs, got %v", got)
	}
	if got := testutil.ToFloat64(c.remoteRequests.WithLabelValues("read", "404")); got != 1 {
		t.Fatalf("expected 1 read/404, got %v", got)
	}
	if got := testutil.ToFloat64(c.importGroups.WithLabelValues("skipped")); got != 1 {
		t.Fatalf("expected 1 skipped group, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordJob("completed", time.Second)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "notepub_publish_jobs_total") {
		t.Fatalf("metrics output missing job counter:\n%s", body)
	}
}
