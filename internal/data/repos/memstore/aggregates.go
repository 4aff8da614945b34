package memstore

import (
	"github.com/yungbote/session-snapshot/internal/domain/session"
	"github.com/yungbote/session-snapshot/internal/platform/dbctx"
)

type aggregateStore Store

func (a *aggregateStore) Load(_ dbctx.Context, key session.StepKey) (*session.SessionStepAggregate, error) {
	s := (*Store)(a)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggregates[key].Clone(), nil
}

func (a *aggregateStore) BulkUpsert(dbc dbctx.Context, aggs []*session.SessionStepAggregate) error {
	s := (*Store)(a)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, agg := range aggs {
		if agg == nil {
			continue
		}
		key := agg.Key()
		prev := s.aggregates[key]
		cp := agg.Clone()
		cp.Tenant = s.tenant
		if prev != nil {
			cp.ID = prev.ID
			cp.CreatedAt = prev.CreatedAt
		} else if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		cp.UpdatedAt = now
		s.aggregates[key] = cp
		s.record(dbc.Ctx, func() {
			if prev == nil {
				delete(s.aggregates, key)
				return
			}
			s.aggregates[key] = prev
		})
	}
	return nil
}
