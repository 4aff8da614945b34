package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/session-snapshot/internal/domain/session"
	"github.com/yungbote/session-snapshot/internal/platform/lock"
)

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&session.RawStepEvent{},
		&session.WatermarkState{},
		&session.SessionStepAggregate{},
	); err != nil {
		return fmt.Errorf("migrate snapshot tables: %w", err)
	}
	if err := lock.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate shedlock: %w", err)
	}
	return nil
}
