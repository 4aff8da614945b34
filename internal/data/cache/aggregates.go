// Package cache provides read-through caching decorators for the snapshot
// stores.
package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/yungbote/session-snapshot/internal/domain/session"
	"github.com/yungbote/session-snapshot/internal/modules/snapshot"
	"github.com/yungbote/session-snapshot/internal/observability"
	"github.com/yungbote/session-snapshot/internal/platform/dbctx"
	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

const DefaultTTL = 10 * time.Minute

type cachedAggregate struct {
	ID                 string            `msgpack:"id"`
	StepType           string            `msgpack:"step_type"`
	WaitingCount       int64             `msgpack:"waiting"`
	ErrorCount         int64             `msgpack:"error"`
	Running            bool              `msgpack:"running"`
	InputRelatedCount  int64             `msgpack:"in"`
	OutputRelatedCount int64             `msgpack:"out"`
	Properties         map[string]string `msgpack:"props"`
	LastUpdate         time.Time         `msgpack:"last_update"`
	CreatedAt          time.Time         `msgpack:"created_at"`
	UpdatedAt          time.Time         `msgpack:"updated_at"`
}

// AggregateStore wraps another AggregateStore. Loads are served from the
// backend when possible; BulkUpsert writes through and evicts the touched
// keys. Backend failures degrade to the inner store and are never returned.
type AggregateStore struct {
	inner   snapshot.AggregateStore
	backend Backend
	log     *logger.Logger
	metrics *observability.Metrics
	tenant  string
	ttl     time.Duration
}

var _ snapshot.AggregateStore = (*AggregateStore)(nil)

func NewAggregateStore(inner snapshot.AggregateStore, backend Backend, baseLog *logger.Logger, metrics *observability.Metrics, tenant string, ttl time.Duration) *AggregateStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &AggregateStore{
		inner:   inner,
		backend: backend,
		log:     baseLog.With("component", "AggregateCache", "tenant", tenant),
		metrics: metrics,
		tenant:  tenant,
		ttl:     ttl,
	}
}

func (c *AggregateStore) cacheKey(key session.StepKey) string {
	return "agg:" + c.tenant + ":" + key.String()
}

func (c *AggregateStore) Load(dbc dbctx.Context, key session.StepKey) (*session.SessionStepAggregate, error) {
	ctx := dbc.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ck := c.cacheKey(key)
	raw, ok, err := c.backend.Get(ctx, ck)
	switch {
	case err != nil:
		c.metrics.IncCacheLookup("error")
		c.log.Warn("cache get failed", "key", ck, "error", err)
	case ok:
		agg, decErr := decode(raw, c.tenant, key)
		if decErr == nil {
			c.metrics.IncCacheLookup("hit")
			return agg, nil
		}
		c.metrics.IncCacheLookup("error")
		c.log.Warn("cache decode failed", "key", ck, "error", decErr)
	default:
		c.metrics.IncCacheLookup("miss")
	}

	agg, err := c.inner.Load(dbc, key)
	if err != nil || agg == nil {
		return agg, err
	}
	if enc, encErr := encode(agg); encErr == nil {
		if setErr := c.backend.Set(ctx, ck, enc, c.ttl); setErr != nil {
			c.log.Warn("cache set failed", "key", ck, "error", setErr)
		}
	}
	return agg, nil
}

func (c *AggregateStore) BulkUpsert(dbc dbctx.Context, aggs []*session.SessionStepAggregate) error {
	if err := c.inner.BulkUpsert(dbc, aggs); err != nil {
		return err
	}
	keys := make([]string, 0, len(aggs))
	for _, a := range aggs {
		if a != nil {
			keys = append(keys, c.cacheKey(a.Key()))
		}
	}
	ctx := dbc.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.backend.Delete(ctx, keys...); err != nil {
		c.log.Warn("cache evict failed", "keys", len(keys), "error", err)
	}
	return nil
}

func encode(a *session.SessionStepAggregate) ([]byte, error) {
	return msgpack.Marshal(cachedAggregate{
		ID:                 a.ID.String(),
		StepType:           a.StepType,
		WaitingCount:       a.State.WaitingCount,
		ErrorCount:         a.State.ErrorCount,
		Running:            a.State.Running,
		InputRelatedCount:  a.InputRelatedCount,
		OutputRelatedCount: a.OutputRelatedCount,
		Properties:         a.Properties,
		LastUpdate:         a.LastUpdate,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	})
}

func decode(raw []byte, tenant string, key session.StepKey) (*session.SessionStepAggregate, error) {
	var c cachedAggregate
	if err := msgpack.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return nil, err
	}
	props := c.Properties
	if props == nil {
		props = map[string]string{}
	}
	return &session.SessionStepAggregate{
		ID:       id,
		Tenant:   tenant,
		Source:   key.Source,
		Session:  key.Session,
		StepID:   key.StepID,
		StepType: c.StepType,
		State: session.StepStateCounts{
			WaitingCount: c.WaitingCount,
			ErrorCount:   c.ErrorCount,
			Running:      c.Running,
		},
		InputRelatedCount:  c.InputRelatedCount,
		OutputRelatedCount: c.OutputRelatedCount,
		Properties:         props,
		LastUpdate:         c.LastUpdate.UTC(),
		CreatedAt:          c.CreatedAt.UTC(),
		UpdatedAt:          c.UpdatedAt.UTC(),
	}, nil
}

// Writer returns the view the snapshot pass writes through. Its loads skip
// the cache so a merge always starts from the stored row; upserts evict.
func (c *AggregateStore) Writer() snapshot.AggregateStore { return evictingStore{c} }

type evictingStore struct{ c *AggregateStore }

func (w evictingStore) Load(dbc dbctx.Context, key session.StepKey) (*session.SessionStepAggregate, error) {
	return w.c.inner.Load(dbc, key)
}

func (w evictingStore) BulkUpsert(dbc dbctx.Context, aggs []*session.SessionStepAggregate) error {
	return w.c.BulkUpsert(dbc, aggs)
}

// WrapStores returns the stores for the snapshot pass, whose upserts evict
// cached entries, and a read-through view for request handlers. Both share
// one backend.
func WrapStores(stores snapshot.Stores, backend Backend, baseLog *logger.Logger, metrics *observability.Metrics, ttl time.Duration) (pass snapshot.Stores, read snapshot.Stores) {
	c := NewAggregateStore(stores.Aggregates, backend, baseLog, metrics, stores.Tenant, ttl)
	pass, read = stores, stores
	pass.Aggregates = c.Writer()
	read.Aggregates = c
	return pass, read
}
