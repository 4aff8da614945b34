package steps

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/session-snapshot/internal/domain/session"
	"github.com/yungbote/session-snapshot/internal/platform/dbctx"
	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

type WatermarkRepo struct {
	db     *gorm.DB
	log    *logger.Logger
	tenant string
}

func NewWatermarkRepo(db *gorm.DB, baseLog *logger.Logger, tenant string) *WatermarkRepo {
	return &WatermarkRepo{
		db:     db,
		log:    baseLog.With("repo", "WatermarkRepo", "tenant", tenant),
		tenant: tenant,
	}
}

func (r *WatermarkRepo) Get(dbc dbctx.Context, source string) (*session.WatermarkState, error) {
	var row session.WatermarkState
	err := dbc.DB(r.db).
		Where("tenant = ? AND source = ?", r.tenant, source).
		Limit(1).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, MapError("watermark.get", err)
	}
	return &row, nil
}

func (r *WatermarkRepo) Ensure(dbc dbctx.Context, sources []string) error {
	now := time.Now().UTC()
	rows := make([]*session.WatermarkState, 0, len(sources))
	seen := make(map[string]bool, len(sources))
	for _, src := range sources {
		if src == "" || seen[src] {
			continue
		}
		seen[src] = true
		rows = append(rows, &session.WatermarkState{
			ID:        uuid.New(),
			Tenant:    r.tenant,
			Source:    src,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	err := dbc.DB(r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant"}, {Name: "source"}},
			DoNothing: true,
		}).
		Create(&rows).Error
	return MapError("watermark.ensure", err)
}

// PendingSources joins events against watermarks. A watermark row is free
// when it has no owner or its claim predates staleBefore.
func (r *WatermarkRepo) PendingSources(dbc dbctx.Context, freeze, staleBefore time.Time) ([]string, error) {
	var out []string
	err := dbc.DB(r.db).Raw(`
		SELECT DISTINCT e.source
		FROM step_property_event e
		LEFT JOIN snapshot_watermark w ON w.tenant = e.tenant AND w.source = e.source
		WHERE e.tenant = ?
		  AND e.date < ?
		  AND (
		    w.id IS NULL
		    OR (
		      (w.last_processed_date IS NULL OR e.date >= w.last_processed_date)
		      AND (w.lock_owner_job_id IS NULL OR (w.locked_at IS NOT NULL AND w.locked_at < ?))
		    )
		  )
		ORDER BY e.source ASC
	`, r.tenant, freeze.UTC(), staleBefore.UTC()).Scan(&out).Error
	if err != nil {
		return nil, MapError("watermark.pending_sources", err)
	}
	return out, nil
}

func (r *WatermarkRepo) Claim(dbc dbctx.Context, source string, jobID uuid.UUID, now, staleBefore time.Time) (bool, error) {
	now = now.UTC()
	res := dbc.DB(r.db).Model(&session.WatermarkState{}).
		Where("tenant = ? AND source = ?", r.tenant, source).
		Where("(lock_owner_job_id IS NULL OR (locked_at IS NOT NULL AND locked_at < ?))", staleBefore.UTC()).
		Updates(map[string]interface{}{
			"lock_owner_job_id": jobID,
			"locked_at":         now,
			"updated_at":        now,
		})
	if res.Error != nil {
		return false, MapError("watermark.claim", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *WatermarkRepo) Advance(dbc dbctx.Context, source string, jobID uuid.UUID, prev *time.Time, next time.Time) (bool, error) {
	q := dbc.DB(r.db).Model(&session.WatermarkState{}).
		Where("tenant = ? AND source = ?", r.tenant, source)
	if prev == nil {
		q = q.Where("last_processed_date IS NULL")
	} else {
		q = q.Where("last_processed_date = ?", prev.UTC())
	}
	if jobID == uuid.Nil {
		q = q.Where("lock_owner_job_id IS NULL")
	} else {
		q = q.Where("lock_owner_job_id = ?", jobID)
	}
	res := q.Updates(map[string]interface{}{
		"last_processed_date": next.UTC(),
		"lock_owner_job_id":   nil,
		"locked_at":           nil,
		"updated_at":          time.Now().UTC(),
	})
	if res.Error != nil {
		return false, MapError("watermark.advance", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *WatermarkRepo) Release(dbc dbctx.Context, source string, jobID uuid.UUID) error {
	err := dbc.DB(r.db).Model(&session.WatermarkState{}).
		Where("tenant = ? AND source = ? AND lock_owner_job_id = ?", r.tenant, source, jobID).
		Updates(map[string]interface{}{
			"lock_owner_job_id": nil,
			"locked_at":         nil,
			"updated_at":        time.Now().UTC(),
		}).Error
	return MapError("watermark.release", err)
}
