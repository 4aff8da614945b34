package steps

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/session-snapshot/internal/domain/session"
	"github.com/yungbote/session-snapshot/internal/platform/dbctx"
	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

const maxFetchLimit = 10000

type StepEventRepo struct {
	db     *gorm.DB
	log    *logger.Logger
	tenant string
}

func NewStepEventRepo(db *gorm.DB, baseLog *logger.Logger, tenant string) *StepEventRepo {
	return &StepEventRepo{
		db:     db,
		log:    baseLog.With("repo", "StepEventRepo", "tenant", tenant),
		tenant: tenant,
	}
}

func (r *StepEventRepo) Append(dbc dbctx.Context, events []*session.RawStepEvent) (int, error) {
	rows := make([]*session.RawStepEvent, 0, len(events))
	for _, ev := range events {
		if ev == nil {
			continue
		}
		ev.Tenant = r.tenant
		ev.Date = ev.Date.UTC()
		if ev.EventKey != nil && *ev.EventKey == "" {
			ev.EventKey = nil
		}
		rows = append(rows, ev)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	res := dbc.DB(r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant"}, {Name: "event_key"}},
			DoNothing: true,
		}).
		Create(&rows)
	if res.Error != nil {
		return 0, MapError("step_event.append", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (r *StepEventRepo) Fetch(dbc dbctx.Context, source string, from *time.Time, to time.Time, pageToken string, limit int) ([]*session.RawStepEvent, string, error) {
	cursor, err := session.DecodePageToken(pageToken)
	if err != nil {
		return nil, "", session.Wrap(session.CodeValidation, "step_event.fetch", err)
	}
	if limit <= 0 {
		limit = 1000
	}
	if limit > maxFetchLimit {
		limit = maxFetchLimit
	}

	q := dbc.DB(r.db).Model(&session.RawStepEvent{}).
		Where("tenant = ? AND source = ? AND date < ?", r.tenant, source, to.UTC())
	if from != nil {
		q = q.Where("date >= ?", from.UTC())
	}
	// tie-safe keyset: (date, id)
	if cursor != nil {
		q = q.Where("((date > ?) OR (date = ? AND id > ?))", cursor.Date, cursor.Date, cursor.ID)
	}

	var out []*session.RawStepEvent
	if err := q.Order("date ASC, id ASC").Limit(limit + 1).Find(&out).Error; err != nil {
		return nil, "", MapError("step_event.fetch", err)
	}
	if len(out) <= limit {
		return out, "", nil
	}
	out = out[:limit]
	last := out[len(out)-1]
	return out, session.PageToken{Date: last.Date, ID: last.ID}.Encode(), nil
}

func (r *StepEventRepo) PurgeProcessed(dbc dbctx.Context, before time.Time) (int64, error) {
	res := dbc.DB(r.db).
		Where(`tenant = ? AND date < ? AND EXISTS (
			SELECT 1 FROM snapshot_watermark w
			WHERE w.tenant = step_property_event.tenant
			  AND w.source = step_property_event.source
			  AND w.last_processed_date IS NOT NULL
			  AND step_property_event.date < w.last_processed_date
		)`, r.tenant, before.UTC()).
		Delete(&session.RawStepEvent{})
	if res.Error != nil {
		return 0, MapError("step_event.purge", res.Error)
	}
	return res.RowsAffected, nil
}
