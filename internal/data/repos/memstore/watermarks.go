package memstore

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/session-snapshot/internal/domain/session"
	"github.com/yungbote/session-snapshot/internal/platform/dbctx"
)

type watermarkStore Store

func (w *watermarkStore) Get(_ dbctx.Context, source string) (*session.WatermarkState, error) {
	s := (*Store)(w)
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneWatermark(s.watermarks[source]), nil
}

func (w *watermarkStore) Ensure(dbc dbctx.Context, sources []string) error {
	s := (*Store)(w)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, src := range sources {
		if src == "" {
			continue
		}
		if _, ok := s.watermarks[src]; ok {
			continue
		}
		s.watermarks[src] = &session.WatermarkState{
			ID:        uuid.New(),
			Tenant:    s.tenant,
			Source:    src,
			CreatedAt: now,
			UpdatedAt: now,
		}
		source := src
		s.record(dbc.Ctx, func() { delete(s.watermarks, source) })
	}
	return nil
}

func (w *watermarkStore) PendingSources(_ dbctx.Context, freeze, staleBefore time.Time) ([]string, error) {
	s := (*Store)(w)
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	for _, ev := range s.events {
		if seen[ev.Source] || !ev.Date.Before(freeze) {
			continue
		}
		wm := s.watermarks[ev.Source]
		if wm == nil {
			seen[ev.Source] = true
			continue
		}
		if wm.InFlight(staleBefore) {
			continue
		}
		if wm.LastProcessedDate != nil && ev.Date.Before(*wm.LastProcessedDate) {
			continue
		}
		seen[ev.Source] = true
	}
	out := make([]string, 0, len(seen))
	for src := range seen {
		out = append(out, src)
	}
	sort.Strings(out)
	return out, nil
}

func (w *watermarkStore) Claim(dbc dbctx.Context, source string, jobID uuid.UUID, now, staleBefore time.Time) (bool, error) {
	s := (*Store)(w)
	s.mu.Lock()
	defer s.mu.Unlock()
	wm := s.watermarks[source]
	if wm == nil || wm.InFlight(staleBefore) {
		return false, nil
	}
	prev := cloneWatermark(wm)
	id := jobID
	at := now.UTC()
	wm.LockOwnerJobID = &id
	wm.LockedAt = &at
	wm.UpdatedAt = at
	s.record(dbc.Ctx, func() { s.watermarks[source] = prev })
	return true, nil
}

func (w *watermarkStore) Advance(dbc dbctx.Context, source string, jobID uuid.UUID, prev *time.Time, next time.Time) (bool, error) {
	s := (*Store)(w)
	s.mu.Lock()
	defer s.mu.Unlock()
	wm := s.watermarks[source]
	if wm == nil || !sameDate(wm.LastProcessedDate, prev) || !ownedBy(wm, jobID) {
		return false, nil
	}
	before := cloneWatermark(wm)
	n := next.UTC()
	wm.LastProcessedDate = &n
	wm.LockOwnerJobID = nil
	wm.LockedAt = nil
	wm.UpdatedAt = s.now()
	s.record(dbc.Ctx, func() { s.watermarks[source] = before })
	return true, nil
}

func (w *watermarkStore) Release(dbc dbctx.Context, source string, jobID uuid.UUID) error {
	s := (*Store)(w)
	s.mu.Lock()
	defer s.mu.Unlock()
	wm := s.watermarks[source]
	if wm == nil || wm.LockOwnerJobID == nil || *wm.LockOwnerJobID != jobID {
		return nil
	}
	before := cloneWatermark(wm)
	wm.LockOwnerJobID = nil
	wm.LockedAt = nil
	wm.UpdatedAt = s.now()
	s.record(dbc.Ctx, func() { s.watermarks[source] = before })
	return nil
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func ownedBy(wm *session.WatermarkState, jobID uuid.UUID) bool {
	if jobID == uuid.Nil {
		return wm.LockOwnerJobID == nil
	}
	return wm.LockOwnerJobID != nil && *wm.LockOwnerJobID == jobID
}
