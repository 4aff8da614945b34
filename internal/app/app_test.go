package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/session-snapshot/internal/domain/session"
	"github.com/yungbote/session-snapshot/internal/platform/bus"
	"github.com/yungbote/session-snapshot/internal/platform/dbctx"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("LOG_MODE", "test")
	t.Setenv("TENANTS", "t1")
	t.Setenv("HTTP_ADDR", "127.0.0.1:0")
	t.Setenv("INGEST_ENABLED", "false")
	t.Setenv("CACHE_ENABLED", "false")
	t.Setenv("OTEL_ENABLED", "false")
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func runTenantPass(t *testing.T, a *App) {
	t.Helper()
	ctx := context.Background()
	at := time.Now().UTC().Add(-time.Minute)
	events := []*session.RawStepEvent{
		{Source: "S1", Session: "sess1", StepID: "step1", Property: "files", Value: "10", EventType: session.EventSet, Date: at},
		{Source: "S1", Session: "sess1", StepID: "step1", Property: "files", Value: "5", EventType: session.EventInc, Date: at.Add(time.Second)},
	}
	if _, err := a.Stores[0].Events.Append(dbctx.Background(ctx), events); err != nil {
		t.Fatalf("append: %v", err)
	}
	res, err := a.Services.Scheduler.Tick(ctx, a.Services.Snapshots[0])
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !res.Acquired || res.Succeeded != 1 {
		t.Fatalf("tick result: got=%+v", res)
	}

	w := httptest.NewRecorder()
	a.Server.Engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tenants/t1/aggregates/S1/sess1/step1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: want=200 got=%d body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"files":"15"`) {
		t.Fatalf("aggregate body: %s", w.Body.String())
	}
}

func TestAppMemoryDrivers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	setEnv(t, map[string]string{
		"STORE_DRIVER":    "memory",
		"LOCK_DRIVER":     "memory",
		"BUS_DRIVER":      "memory",
		"CACHE_ENABLED":   "true",
		"METRICS_ENABLED": "true",
	})
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.DB != nil || a.Redis != nil {
		t.Fatalf("memory drivers should not open connections")
	}
	runTenantPass(t, a)

	pub, ok := a.Services.Publisher.(*bus.Memory)
	if !ok {
		t.Fatalf("publisher: want *bus.Memory got=%T", a.Services.Publisher)
	}
	if n := len(pub.Messages()); n != 1 {
		t.Fatalf("published: want=1 got=%d", n)
	}

	w := httptest.NewRecorder()
	a.Server.Engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "snapshot_passes_total") {
		t.Fatalf("metrics output missing pass counter")
	}
}

func TestAppSQLiteWithDBLock(t *testing.T) {
	gin.SetMode(gin.TestMode)
	setEnv(t, map[string]string{
		"STORE_DRIVER":    "sqlite",
		"SQLITE_PATH":     filepath.Join(t.TempDir(), "snapshot.db"),
		"LOCK_DRIVER":     "db",
		"BUS_DRIVER":      "memory",
		"METRICS_ENABLED": "false",
	})
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.DB == nil {
		t.Fatalf("sqlite store should open a database")
	}
	runTenantPass(t, a)

	w := httptest.NewRecorder()
	a.Server.Engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"database":"ok"`) {
		t.Fatalf("readyz: status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestAppStartAndClose(t *testing.T) {
	gin.SetMode(gin.TestMode)
	setEnv(t, map[string]string{
		"STORE_DRIVER":           "memory",
		"LOCK_DRIVER":            "memory",
		"BUS_DRIVER":             "memory",
		"SNAPSHOT_INITIAL_DELAY": "1ms",
		"SNAPSHOT_INTERVAL":      "5ms",
		"SNAPSHOT_LOCK_LEASE":    "1s",
		"RETENTION_DAYS":         "1",
	})
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Start()
	a.Start()
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		a.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Close did not return")
	}
}
