package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yungbote/session-snapshot/internal/data/repos/memstore"
	"github.com/yungbote/session-snapshot/internal/data/tx"
	"github.com/yungbote/session-snapshot/internal/domain/session"
	"github.com/yungbote/session-snapshot/internal/modules/snapshot"
	"github.com/yungbote/session-snapshot/internal/observability"
	"github.com/yungbote/session-snapshot/internal/platform/dbctx"
	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

const body = `{"eventKey":"k-1","source":"S1","session":"sess1","stepId":"step1","stepType":"INGEST",
"property":"files","value":"5","eventType":"inc","state":"running","inputRelated":true,"date":"2026-03-01T12:00:00Z"}`

func newIngestor(t *testing.T, stores ...*memstore.Store) *Ingestor {
	t.Helper()
	var all []snapshot.Stores
	for _, s := range stores {
		all = append(all, s.Stores())
	}
	ing, err := NewIngestor(logger.Nop(), observability.NewMetrics(), all...)
	if err != nil {
		t.Fatalf("NewIngestor: %v", err)
	}
	return ing
}

func TestHandleStoresEventAndWatermark(t *testing.T) {
	store := memstore.New("t1")
	ing := newIngestor(t, store)

	if err := ing.Handle(context.Background(), []byte(body), map[string]string{TenantHeader: "t1"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n := store.EventCount(); n != 1 {
		t.Fatalf("events: want=1 got=%d", n)
	}
	if wm := store.Watermark("S1"); wm == nil || wm.LastProcessedDate != nil {
		t.Fatalf("watermark not created empty: %+v", wm)
	}

	events, _, err := store.Stores().Events.Fetch(dbctx.Background(context.Background()), "S1", nil, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), "", 10)
	if err != nil || len(events) != 1 {
		t.Fatalf("Fetch: %v %v", events, err)
	}
	ev := events[0]
	if ev.EventType != session.EventInc || ev.State != session.StateRunning || !ev.InputRelated || ev.Value != "5" {
		t.Fatalf("decoded event: %+v", ev)
	}
	if ev.EventKey == nil || *ev.EventKey != "k-1" {
		t.Fatalf("event key: %+v", ev.EventKey)
	}
}

func TestHandleDropsRedeliveredEvent(t *testing.T) {
	store := memstore.New("t1")
	ing := newIngestor(t, store)
	headers := map[string]string{TenantHeader: "t1"}
	for i := 0; i < 3; i++ {
		if err := ing.Handle(context.Background(), []byte(body), headers); err != nil {
			t.Fatalf("Handle #%d: %v", i, err)
		}
	}
	if n := store.EventCount(); n != 1 {
		t.Fatalf("events: want=1 got=%d", n)
	}
}

func TestHandleTenantFromBody(t *testing.T) {
	a, b := memstore.New("a"), memstore.New("b")
	ing := newIngestor(t, a, b)
	msg := `{"tenant":"b","source":"S1","session":"s","stepId":"x","date":"2026-03-01T12:00:00Z"}`
	if err := ing.Handle(context.Background(), []byte(msg), nil); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if a.EventCount() != 0 || b.EventCount() != 1 {
		t.Fatalf("routed wrong: a=%d b=%d", a.EventCount(), b.EventCount())
	}
	// Header overrides the body.
	if err := ing.Handle(context.Background(), []byte(msg), map[string]string{TenantHeader: "a"}); err != nil {
		t.Fatalf("Handle(header): %v", err)
	}
	if a.EventCount() != 1 {
		t.Fatalf("header tenant ignored")
	}
}

func TestHandleRejections(t *testing.T) {
	store := memstore.New("t1")
	ing := newIngestor(t, store)
	cases := []struct {
		name    string
		body    string
		headers map[string]string
		reason  string
	}{
		{"malformed", `{"source":`, nil, RejectMalformed},
		{"no tenant", `{"source":"S1","session":"s","stepId":"x","date":"2026-03-01T12:00:00Z"}`, nil, RejectInvalid},
		{"no source", `{"tenant":"t1","session":"s","stepId":"x","date":"2026-03-01T12:00:00Z"}`, nil, RejectInvalid},
		{"no date", `{"tenant":"t1","source":"S1","session":"s","stepId":"x"}`, nil, RejectInvalid},
		{"unknown tenant", `{"tenant":"zz","source":"S1","session":"s","stepId":"x","date":"2026-03-01T12:00:00Z"}`, nil, RejectUnknownTenant},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ing.Handle(context.Background(), []byte(tc.body), tc.headers)
			var rejected *RejectedError
			if !errors.As(err, &rejected) {
				t.Fatalf("expected rejection, got %v", err)
			}
			if rejected.Reason != tc.reason {
				t.Fatalf("reason: want=%s got=%s", tc.reason, rejected.Reason)
			}
		})
	}
	if n := store.EventCount(); n != 0 {
		t.Fatalf("rejected messages stored: %d", n)
	}
}

func TestHandleStoreFailureIsRetryable(t *testing.T) {
	store := memstore.New("t1")
	stores := store.Stores()
	stores.Tx = &tx.Injected{Inner: stores.Tx, FailCommit: errors.New("conn reset")}
	ing, err := NewIngestor(logger.Nop(), nil, stores)
	if err != nil {
		t.Fatalf("NewIngestor: %v", err)
	}
	err = ing.Handle(context.Background(), []byte(body), map[string]string{TenantHeader: "t1"})
	if !session.IsCode(err, session.CodeRetryable) {
		t.Fatalf("code: want=retryable got=%s (%v)", session.CodeOf(err), err)
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		t.Fatalf("store failure must not be a rejection")
	}
	if n := store.EventCount(); n != 0 {
		t.Fatalf("event kept after rollback: %d", n)
	}
	if wm := store.Watermark("S1"); wm != nil {
		t.Fatalf("watermark kept after rollback: %+v", wm)
	}
}
