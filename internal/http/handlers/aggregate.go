package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/session-snapshot/internal/domain/session"
	httpResp "github.com/yungbote/session-snapshot/internal/http/response"
	"github.com/yungbote/session-snapshot/internal/modules/snapshot"
	"github.com/yungbote/session-snapshot/internal/platform/dbctx"
)

// AggregateHandler exposes read-only views of aggregates and watermarks.
type AggregateHandler struct {
	stores map[string]snapshot.Stores
}

func NewAggregateHandler(stores ...snapshot.Stores) *AggregateHandler {
	byTenant := make(map[string]snapshot.Stores, len(stores))
	for _, s := range stores {
		byTenant[s.Tenant] = s
	}
	return &AggregateHandler{stores: byTenant}
}

func (h *AggregateHandler) tenant(c *gin.Context) (snapshot.Stores, bool) {
	tenant := c.Param("tenant")
	s, ok := h.stores[tenant]
	if !ok {
		httpResp.RespondErr(c, session.NewError(session.CodeNotFound, "tenant", "unknown tenant "+tenant, nil))
	}
	return s, ok
}

// GET /api/tenants/:tenant/aggregates/:source/:session/:step
func (h *AggregateHandler) GetAggregate(c *gin.Context) {
	stores, ok := h.tenant(c)
	if !ok {
		return
	}
	key := session.StepKey{Source: c.Param("source"), Session: c.Param("session"), StepID: c.Param("step")}
	agg, err := stores.Aggregates.Load(dbctx.Background(c.Request.Context()), key)
	if err != nil {
		httpResp.RespondErr(c, err)
		return
	}
	if agg == nil {
		httpResp.RespondErr(c, session.NewError(session.CodeNotFound, "aggregate", "no aggregate for "+key.String(), nil))
		return
	}
	httpResp.RespondOK(c, gin.H{"aggregate": agg})
}

// GET /api/tenants/:tenant/watermarks/:source
func (h *AggregateHandler) GetWatermark(c *gin.Context) {
	stores, ok := h.tenant(c)
	if !ok {
		return
	}
	source := c.Param("source")
	wm, err := stores.Watermarks.Get(dbctx.Background(c.Request.Context()), source)
	if err != nil {
		httpResp.RespondErr(c, err)
		return
	}
	if wm == nil {
		httpResp.RespondErr(c, session.NewError(session.CodeNotFound, "watermark", "no watermark for "+source, nil))
		return
	}
	httpResp.RespondOK(c, gin.H{"watermark": wm})
}
