package memstore

import (
	"sort"
	"time"

	"github.com/yungbote/session-snapshot/internal/domain/session"
	"github.com/yungbote/session-snapshot/internal/platform/dbctx"
)

type eventStore Store

func (e *eventStore) Append(dbc dbctx.Context, events []*session.RawStepEvent) (int, error) {
	s := (*Store)(e)
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if ev.EventKey != nil && *ev.EventKey != "" {
			if _, dup := s.eventKeys[*ev.EventKey]; dup {
				continue
			}
			key := *ev.EventKey
			s.eventKeys[key] = struct{}{}
			s.record(dbc.Ctx, func() { delete(s.eventKeys, key) })
		}
		s.nextID++
		cp := *ev
		cp.ID = s.nextID
		cp.Tenant = s.tenant
		cp.Date = cp.Date.UTC()
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = s.now()
		}
		ev.ID = cp.ID
		s.events = append(s.events, &cp)
		id := cp.ID
		s.record(dbc.Ctx, func() { s.removeEvent(id) })
		added++
	}
	return added, nil
}

func (s *Store) removeEvent(id uint64) {
	for i, ev := range s.events {
		if ev.ID == id {
			s.events = append(s.events[:i], s.events[i+1:]...)
			return
		}
	}
}

func (e *eventStore) Fetch(dbc dbctx.Context, source string, from *time.Time, to time.Time, pageToken string, limit int) ([]*session.RawStepEvent, string, error) {
	cursor, err := session.DecodePageToken(pageToken)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 1000
	}
	s := (*Store)(e)
	s.mu.Lock()
	defer s.mu.Unlock()

	var window []*session.RawStepEvent
	for _, ev := range s.events {
		if ev.Source != source || !ev.Date.Before(to) {
			continue
		}
		if from != nil && ev.Date.Before(*from) {
			continue
		}
		if !cursor.After(ev.Date, ev.ID) {
			continue
		}
		cp := *ev
		window = append(window, &cp)
	}
	sortEvents(window)
	if len(window) <= limit {
		return window, "", nil
	}
	page := window[:limit]
	last := page[len(page)-1]
	return page, session.PageToken{Date: last.Date, ID: last.ID}.Encode(), nil
}

func (e *eventStore) PurgeProcessed(dbc dbctx.Context, before time.Time) (int64, error) {
	s := (*Store)(e)
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	kept := s.events[:0]
	for _, ev := range s.events {
		wm := s.watermarks[ev.Source]
		processed := wm != nil && wm.LastProcessedDate != nil && ev.Date.Before(*wm.LastProcessedDate)
		if processed && ev.Date.Before(before) {
			purged++
			removed := ev
			s.record(dbc.Ctx, func() { s.events = append(s.events, removed); sortByID(s.events) })
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return purged, nil
}

func sortByID(events []*session.RawStepEvent) {
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
}
