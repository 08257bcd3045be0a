package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounts(t *testing.T) {
	c := New()
	c.ObserveTransaction("committed", time.Millisecond)
	c.ObserveTransaction("committed", time.Millisecond)
	c.ObserveTransaction("failed", time.Millisecond)
	c.ObserveJob("succeeded", 10*time.Millisecond)

	if got := testutil.ToFloat64(c.transactions.WithLabelValues("committed")); got != 2 {
		t.Fatalf("committed = %v", got)
	}
	if got := testutil.ToFloat64(c.transactions.WithLabelValues("failed")); got != 1 {
		t.Fatalf("failed = %v", got)
	}
	if got := testutil.ToFloat64(c.jobs.WithLabelValues("succeeded")); got != 1 {
		t.Fatalf("jobs = %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.ObserveHTTPRequest("/api/v1/jobs", "GET", 200, 3*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	if !strings.Contains(text, `treasury_http_requests_total{code="200",handler="/api/v1/jobs",method="GET"} 1`) {
		t.Fatalf("request counter missing:\n%s", text)
	}
	if !strings.Contains(text, "go_goroutines") {
		t.Fatalf("runtime collector missing")
	}
}
