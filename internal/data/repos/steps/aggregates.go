package steps

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/session-snapshot/internal/domain/session"
	"github.com/yungbote/session-snapshot/internal/platform/dbctx"
	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

const upsertBatchSize = 500

type SessionStepRepo struct {
	db     *gorm.DB
	log    *logger.Logger
	tenant string
}

func NewSessionStepRepo(db *gorm.DB, baseLog *logger.Logger, tenant string) *SessionStepRepo {
	return &SessionStepRepo{
		db:     db,
		log:    baseLog.With("repo", "SessionStepRepo", "tenant", tenant),
		tenant: tenant,
	}
}

func (r *SessionStepRepo) Load(dbc dbctx.Context, key session.StepKey) (*session.SessionStepAggregate, error) {
	var row session.SessionStepAggregate
	err := dbc.DB(r.db).
		Where("tenant = ? AND source = ? AND session = ? AND step_id = ?", r.tenant, key.Source, key.Session, key.StepID).
		Limit(1).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, MapError("session_step.load", err)
	}
	return &row, nil
}

// BulkUpsert writes aggregates keyed by (tenant, source, session, step_id).
// Existing rows keep their id and created_at.
func (r *SessionStepRepo) BulkUpsert(dbc dbctx.Context, aggs []*session.SessionStepAggregate) error {
	rows := make([]*session.SessionStepAggregate, 0, len(aggs))
	for _, a := range aggs {
		if a == nil {
			continue
		}
		a.Tenant = r.tenant
		a.LastUpdate = a.LastUpdate.UTC()
		rows = append(rows, a)
	}
	if len(rows) == 0 {
		return nil
	}
	err := dbc.DB(r.db).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant"}, {Name: "source"}, {Name: "session"}, {Name: "step_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"step_type",
				"state_waiting_count",
				"state_error_count",
				"state_running",
				"input_related_count",
				"output_related_count",
				"properties",
				"last_update",
				"updated_at",
			}),
		}).
		CreateInBatches(&rows, upsertBatchSize).Error
	return MapError("session_step.bulk_upsert", err)
}
