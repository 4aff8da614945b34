// Package steps holds the GORM-backed stores of the snapshot pipeline. Every
// repo is bound to one tenant and scopes its queries to it.
package steps

import (
	"gorm.io/gorm"

	"github.com/yungbote/session-snapshot/internal/data/tx"
	"github.com/yungbote/session-snapshot/internal/modules/snapshot"
	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

func NewStores(db *gorm.DB, baseLog *logger.Logger, tenant string) snapshot.Stores {
	return snapshot.Stores{
		Tenant:     tenant,
		Events:     NewStepEventRepo(db, baseLog, tenant),
		Watermarks: NewWatermarkRepo(db, baseLog, tenant),
		Aggregates: NewSessionStepRepo(db, baseLog, tenant),
		Tx:         tx.NewGormRunner(db),
	}
}
