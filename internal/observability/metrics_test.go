package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsObservePass(t *testing.T) {
	m := NewMetrics()
	m.ObservePass("t1", "ok", 20*time.Millisecond, 7, 2)
	m.ObservePass("t1", "ok", 10*time.Millisecond, 3, 1)
	m.ObservePass("t1", "failed", time.Millisecond, 0, 0)

	if got := testutil.ToFloat64(m.passes.WithLabelValues("t1", "ok")); got != 2 {
		t.Fatalf("passes ok: want=2 got=%v", got)
	}
	if got := testutil.ToFloat64(m.passes.WithLabelValues("t1", "failed")); got != 1 {
		t.Fatalf("passes failed: want=1 got=%v", got)
	}
	if got := testutil.ToFloat64(m.eventsMerged.WithLabelValues("t1")); got != 10 {
		t.Fatalf("events merged: want=10 got=%v", got)
	}
	if got := testutil.ToFloat64(m.aggregates.WithLabelValues("t1")); got != 3 {
		t.Fatalf("aggregates touched: want=3 got=%v", got)
	}
}

func TestMetricsSourceFailureDefaultsCode(t *testing.T) {
	m := NewMetrics()
	m.IncSourceFailure("t1", "")
	m.IncSourceFailure("t1", "conflict")
	if got := testutil.ToFloat64(m.sourceFailures.WithLabelValues("t1", "internal")); got != 1 {
		t.Fatalf("internal failures: want=1 got=%v", got)
	}
	if got := testutil.ToFloat64(m.sourceFailures.WithLabelValues("t1", "conflict")); got != 1 {
		t.Fatalf("conflict failures: want=1 got=%v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncTick("t", "ran")
	m.IncLockContention("t", "snapshot")
	m.ObservePass("t", "ok", time.Second, 1, 1)
	m.IncSourceFailure("t", "internal")
	m.SetPendingSources("t", 3)
	m.AddIngested("t", 1)
	m.IncIngestRejected("decode")
	m.AddPurged("t", 1)
	m.IncPublishFailure("topic")
	m.IncCacheLookup("hit")
	m.ApiInflightInc()
	m.ApiInflightDec()
	m.ObserveAPI("GET", "/healthz", "200", time.Millisecond)
	if m.Registry() != nil {
		t.Fatalf("nil metrics must not expose a registry")
	}
}

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	m := NewMetrics()
	m.IncTick("t1", "ran")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: want=200 got=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `snapshot_ticks_total{outcome="ran",tenant="t1"} 1`) {
		t.Fatalf("tick counter missing from exposition:\n%s", rec.Body.String())
	}
}
