// Package memstore keeps the snapshot stores of one tenant in process
// memory. It backs STORE_DRIVER=memory and the service tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yungbote/session-snapshot/internal/data/tx"
	"github.com/yungbote/session-snapshot/internal/domain/session"
	"github.com/yungbote/session-snapshot/internal/modules/snapshot"
	"github.com/yungbote/session-snapshot/internal/platform/dbctx"
)

type Store struct {
	tenant string
	now    func() time.Time

	mu         sync.Mutex
	nextID     uint64
	events     []*session.RawStepEvent
	eventKeys  map[string]struct{}
	watermarks map[string]*session.WatermarkState
	aggregates map[session.StepKey]*session.SessionStepAggregate

	// Transactions are serialised; writes made inside one are journaled so
	// they can be undone on rollback.
	txMu sync.Mutex
}

func New(tenant string) *Store {
	return &Store{
		tenant:     tenant,
		now:        func() time.Time { return time.Now().UTC() },
		eventKeys:  map[string]struct{}{},
		watermarks: map[string]*session.WatermarkState{},
		aggregates: map[session.StepKey]*session.SessionStepAggregate{},
	}
}

// Stores exposes the store as the snapshot.Stores bundle.
func (s *Store) Stores() snapshot.Stores {
	return snapshot.Stores{
		Tenant:     s.tenant,
		Events:     (*eventStore)(s),
		Watermarks: (*watermarkStore)(s),
		Aggregates: (*aggregateStore)(s),
		Tx:         (*txRunner)(s),
	}
}

// Aggregate returns a copy of the stored aggregate for key, or nil.
func (s *Store) Aggregate(key session.StepKey) *session.SessionStepAggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggregates[key].Clone()
}

// Watermark returns a copy of the stored watermark for source, or nil.
func (s *Store) Watermark(source string) *session.WatermarkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneWatermark(s.watermarks[source])
}

// EventCount returns the number of stored raw events.
func (s *Store) EventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type journalKey struct{}

type journal struct {
	undo []func()
}

// record registers an undo step when called inside a transaction. Callers
// hold s.mu.
func (s *Store) record(ctx context.Context, undo func()) {
	if ctx == nil {
		return
	}
	if j, ok := ctx.Value(journalKey{}).(*journal); ok {
		j.undo = append(j.undo, undo)
	}
}

type txRunner Store

var _ tx.Runner = (*txRunner)(nil)

func (r *txRunner) InTx(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	if fn == nil {
		return nil
	}
	s := (*Store)(r)
	s.txMu.Lock()
	defer s.txMu.Unlock()

	j := &journal{}
	txCtx := context.WithValue(ctx, journalKey{}, j)
	if err := fn(dbctx.Context{Ctx: txCtx}); err != nil {
		s.mu.Lock()
		for i := len(j.undo) - 1; i >= 0; i-- {
			j.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

func cloneWatermark(w *session.WatermarkState) *session.WatermarkState {
	if w == nil {
		return nil
	}
	cp := *w
	if w.LastProcessedDate != nil {
		t := *w.LastProcessedDate
		cp.LastProcessedDate = &t
	}
	if w.LockOwnerJobID != nil {
		id := *w.LockOwnerJobID
		cp.LockOwnerJobID = &id
	}
	if w.LockedAt != nil {
		t := *w.LockedAt
		cp.LockedAt = &t
	}
	return &cp
}

func sortEvents(events []*session.RawStepEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Date.Equal(events[j].Date) {
			return events[i].Date.Before(events[j].Date)
		}
		return events[i].ID < events[j].ID
	})
}
