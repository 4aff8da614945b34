package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yungbote/session-snapshot/internal/data/repos/memstore"
	"github.com/yungbote/session-snapshot/internal/domain/session"
	"github.com/yungbote/session-snapshot/internal/modules/snapshot"
	"github.com/yungbote/session-snapshot/internal/observability"
	"github.com/yungbote/session-snapshot/internal/platform/bus"
	"github.com/yungbote/session-snapshot/internal/platform/dbctx"
	"github.com/yungbote/session-snapshot/internal/platform/lock"
	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *memstore.Store, sources ...string) {
	t.Helper()
	var events []*session.RawStepEvent
	for _, src := range sources {
		events = append(events, &session.RawStepEvent{
			Source:    src,
			Session:   "sess1",
			StepID:    "step1",
			StepType:  "INGEST",
			Property:  "files",
			Value:     "10",
			EventType: session.EventSet,
			Date:      t0,
		})
	}
	if _, err := store.Stores().Events.Append(dbctx.Background(context.Background()), events); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func newService(t *testing.T, stores snapshot.Stores, pub snapshot.Publisher, metrics *observability.Metrics) *snapshot.Service {
	t.Helper()
	svc, err := snapshot.NewService(logger.Nop(), stores, pub, metrics, snapshot.Config{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func newScheduler(t *testing.T, locker lock.Locker, metrics *observability.Metrics, svcs ...*snapshot.Service) *Scheduler {
	t.Helper()
	s, err := New(logger.Nop(), locker, metrics, Config{Interval: 10 * time.Millisecond, Lease: time.Minute, Parallelism: 2}, svcs...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.now = func() time.Time { return t0.Add(time.Minute) }
	return s
}

func key(source string) session.StepKey {
	return session.StepKey{Source: source, Session: "sess1", StepID: "step1"}
}

func TestTickRunsPendingSources(t *testing.T) {
	store := memstore.New("t1")
	seed(t, store, "A", "B", "C")
	svc := newService(t, store.Stores(), bus.NewMemory(), nil)
	s := newScheduler(t, lock.NewMemory(), nil, svc)

	res, err := s.Tick(context.Background(), svc)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !res.Acquired || res.Sources != 3 || res.Succeeded != 3 || res.Failed != 0 {
		t.Fatalf("result: %+v", res)
	}
	for _, src := range []string{"A", "B", "C"} {
		if store.Aggregate(key(src)) == nil {
			t.Fatalf("aggregate for %s missing", src)
		}
		wm := store.Watermark(src)
		if wm == nil || wm.LastProcessedDate == nil || !wm.LastProcessedDate.Equal(res.Freeze) {
			t.Fatalf("watermark for %s: %+v", src, wm)
		}
		if wm.LockOwnerJobID != nil {
			t.Fatalf("claim left on %s", src)
		}
	}

	res, err = s.Tick(context.Background(), svc)
	if err != nil {
		t.Fatalf("Tick(2): %v", err)
	}
	if res.Sources != 0 {
		t.Fatalf("second tick should find nothing pending: %+v", res)
	}
}

type gatePublisher struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatePublisher) Publish(ctx context.Context, _, _ string, _ any) error {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestTickLockContention(t *testing.T) {
	store := memstore.New("t1")
	seed(t, store, "A")
	gate := &gatePublisher{entered: make(chan struct{}), release: make(chan struct{})}
	svc := newService(t, store.Stores(), gate, nil)
	locker := lock.NewMemory()
	metrics := observability.NewMetrics()
	replicaA := newScheduler(t, locker, metrics, svc)
	replicaB := newScheduler(t, locker, metrics, svc)

	done := make(chan TickResult, 1)
	go func() {
		res, err := replicaA.Tick(context.Background(), svc)
		if err != nil {
			t.Errorf("replica A: %v", err)
		}
		done <- res
	}()
	<-gate.entered

	resB, err := replicaB.Tick(context.Background(), svc)
	if err != nil {
		t.Fatalf("replica B: %v", err)
	}
	if resB.Acquired || resB.Sources != 0 {
		t.Fatalf("replica B should not run: %+v", resB)
	}

	close(gate.release)
	resA := <-done
	if !resA.Acquired || resA.Succeeded != 1 {
		t.Fatalf("replica A result: %+v", resA)
	}
	if n, err := testutil.GatherAndCount(metrics.Registry(), "snapshot_lock_contention_total"); err != nil || n != 1 {
		t.Fatalf("lock contention series: want=1 got=%d err=%v", n, err)
	}
}

type failOnSource struct {
	snapshot.AggregateStore
	source string
}

func (f failOnSource) BulkUpsert(dbc dbctx.Context, aggs []*session.SessionStepAggregate) error {
	for _, a := range aggs {
		if a.Source == f.source {
			return errors.New("disk full")
		}
	}
	return f.AggregateStore.BulkUpsert(dbc, aggs)
}

func TestTickIsolatesSourceFailures(t *testing.T) {
	store := memstore.New("t1")
	seed(t, store, "A", "B")
	stores := store.Stores()
	stores.Aggregates = failOnSource{AggregateStore: stores.Aggregates, source: "B"}
	metrics := observability.NewMetrics()
	svc := newService(t, stores, bus.NewMemory(), metrics)
	s := newScheduler(t, lock.NewMemory(), metrics, svc)

	res, err := s.Tick(context.Background(), svc)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("result: %+v", res)
	}

	if store.Aggregate(key("A")) == nil {
		t.Fatalf("aggregate A not persisted")
	}
	if wm := store.Watermark("A"); wm.LastProcessedDate == nil || !wm.LastProcessedDate.Equal(res.Freeze) {
		t.Fatalf("watermark A not advanced: %+v", wm)
	}
	if store.Aggregate(key("B")) != nil {
		t.Fatalf("aggregate B persisted despite failure")
	}
	wmB := store.Watermark("B")
	if wmB == nil || wmB.LastProcessedDate != nil || wmB.LockOwnerJobID != nil {
		t.Fatalf("watermark B: %+v", wmB)
	}
	if n, err := testutil.GatherAndCount(metrics.Registry(), "snapshot_source_failures_total"); err != nil || n != 1 {
		t.Fatalf("source failure series: want=1 got=%d err=%v", n, err)
	}

	// B is retried on the next tick once the store recovers.
	svc2 := newService(t, store.Stores(), bus.NewMemory(), nil)
	res, err = s.Tick(context.Background(), svc2)
	if err != nil {
		t.Fatalf("Tick(retry): %v", err)
	}
	if res.Sources != 1 || res.Succeeded != 1 || store.Aggregate(key("B")) == nil {
		t.Fatalf("retry result: %+v", res)
	}
}

func TestTickCancelledSkipsSources(t *testing.T) {
	store := memstore.New("t1")
	seed(t, store, "A", "B")
	svc := newService(t, store.Stores(), bus.NewMemory(), nil)
	s := newScheduler(t, lock.NewMemory(), nil, svc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := s.Tick(ctx, svc)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Skipped != 2 || res.Succeeded != 0 {
		t.Fatalf("result: %+v", res)
	}
	if store.Aggregate(key("A")) != nil || store.Aggregate(key("B")) != nil {
		t.Fatalf("cancelled tick wrote aggregates")
	}
}

func TestTickReleasesLock(t *testing.T) {
	store := memstore.New("t1")
	seed(t, store, "A")
	svc := newService(t, store.Stores(), bus.NewMemory(), nil)
	locker := lock.NewMemory()
	s := newScheduler(t, locker, nil, svc)

	if _, err := s.Tick(context.Background(), svc); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	h, err := locker.TryAcquire(context.Background(), "snapshot:t1", time.Second)
	if err != nil || h == nil {
		t.Fatalf("tenant lock not released: h=%v err=%v", h, err)
	}
}

func TestStartProcessesUntilCancelled(t *testing.T) {
	store := memstore.New("t1")
	seed(t, store, "A")
	svc := newService(t, store.Stores(), bus.NewMemory(), nil)
	s := newScheduler(t, lock.NewMemory(), nil, svc)
	s.cfg.InitialDelay = 0

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for store.Aggregate(key("A")) == nil {
		if time.Now().After(deadline) {
			cancel()
			s.Wait()
			t.Fatalf("scheduler did not process pending source")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	s.Wait()
}

func TestNewRejectsDuplicateTenants(t *testing.T) {
	store := memstore.New("t1")
	svc := newService(t, store.Stores(), bus.NewMemory(), nil)
	if _, err := New(logger.Nop(), lock.NewMemory(), nil, Config{}, svc, svc); err == nil {
		t.Fatalf("expected duplicate tenant error")
	}
}

func TestLanesKeepSourcesTogether(t *testing.T) {
	s := &Scheduler{cfg: Config{Parallelism: 3}.withDefaults()}
	sources := []string{"a", "b", "c", "d", "e", "f", "g"}
	lanes := s.lanes(sources)
	if len(lanes) != 3 {
		t.Fatalf("lanes: want=3 got=%d", len(lanes))
	}
	seen := map[string]int{}
	for i, lane := range lanes {
		for _, src := range lane {
			if _, dup := seen[src]; dup {
				t.Fatalf("source %s in two lanes", src)
			}
			seen[src] = i
		}
	}
	if len(seen) != len(sources) {
		t.Fatalf("sources lost: %v", seen)
	}
	again := s.lanes(sources)
	for i, lane := range again {
		for _, src := range lane {
			if seen[src] != i {
				t.Fatalf("lane assignment not stable for %s", src)
			}
		}
	}
}
