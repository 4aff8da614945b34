package snapshot

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/session-snapshot/internal/data/tx"
	"github.com/yungbote/session-snapshot/internal/domain/session"
	"github.com/yungbote/session-snapshot/internal/platform/dbctx"
)

// EventStore is the append log of raw step events for one tenant.
type EventStore interface {
	// Append stores events and returns how many were new. Events whose
	// EventKey was already stored are skipped.
	Append(dbc dbctx.Context, events []*session.RawStepEvent) (int, error)
	// Fetch returns up to limit events of source with from <= date < to
	// (from nil meaning unbounded), ordered by (date, id), and the token of
	// the next page ("" on the last page).
	Fetch(dbc dbctx.Context, source string, from *time.Time, to time.Time, pageToken string, limit int) ([]*session.RawStepEvent, string, error)
	// PurgeProcessed deletes events dated before `before` that are also below
	// their source's watermark.
	PurgeProcessed(dbc dbctx.Context, before time.Time) (int64, error)
}

// WatermarkStore holds the per-source cursor and in-flight marker.
type WatermarkStore interface {
	// Get returns nil when the source has no watermark yet.
	Get(dbc dbctx.Context, source string) (*session.WatermarkState, error)
	// Ensure creates empty watermarks for sources that have none.
	Ensure(dbc dbctx.Context, sources []string) error
	// PendingSources lists sources with events dated before freeze that are
	// not yet covered by their watermark and carry no live claim. Claims taken
	// before staleBefore are ignored. Sources without a watermark row count as
	// pending.
	PendingSources(dbc dbctx.Context, freeze, staleBefore time.Time) ([]string, error)
	Claim(dbc dbctx.Context, source string, jobID uuid.UUID, now, staleBefore time.Time) (bool, error)
	// Advance moves the watermark from prev to next and clears the claim held
	// by jobID. It reports false when the row no longer matches.
	Advance(dbc dbctx.Context, source string, jobID uuid.UUID, prev *time.Time, next time.Time) (bool, error)
	Release(dbc dbctx.Context, source string, jobID uuid.UUID) error
}

// AggregateStore holds one aggregate per (source, session, step).
type AggregateStore interface {
	// Load returns nil when no aggregate exists for key.
	Load(dbc dbctx.Context, key session.StepKey) (*session.SessionStepAggregate, error)
	BulkUpsert(dbc dbctx.Context, aggs []*session.SessionStepAggregate) error
}

// Publisher emits aggregate-changed events.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// Stores bundles the stores of one tenant with the transaction runner that
// spans them.
type Stores struct {
	Tenant     string
	Events     EventStore
	Watermarks WatermarkStore
	Aggregates AggregateStore
	Tx         tx.Runner
}

func (s Stores) valid() bool {
	return s.Tenant != "" && s.Events != nil && s.Watermarks != nil && s.Aggregates != nil && s.Tx != nil
}
