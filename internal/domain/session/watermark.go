package session

import (
	"time"

	"github.com/google/uuid"
)

// WatermarkState is the per-source cursor. Events dated strictly before
// LastProcessedDate are already folded into aggregates; a nil date means the
// source has never been processed.
type WatermarkState struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Tenant            string     `gorm:"column:tenant;not null;index:idx_snapshot_watermark_source,unique,priority:1" json:"tenant"`
	Source            string     `gorm:"column:source;not null;index:idx_snapshot_watermark_source,unique,priority:2" json:"source"`
	LastProcessedDate *time.Time `gorm:"column:last_processed_date" json:"last_processed_date,omitempty"`
	// In-flight marker set by the scheduler before dispatching a pass.
	LockOwnerJobID *uuid.UUID `gorm:"type:uuid;column:lock_owner_job_id" json:"lock_owner_job_id,omitempty"`
	LockedAt       *time.Time `gorm:"column:locked_at" json:"locked_at,omitempty"`
	CreatedAt      time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"not null" json:"updated_at"`
}

func (WatermarkState) TableName() string { return "snapshot_watermark" }

// InFlight reports whether a live claim exists. Claims taken before
// staleBefore are treated as abandoned.
func (w *WatermarkState) InFlight(staleBefore time.Time) bool {
	if w == nil || w.LockOwnerJobID == nil {
		return false
	}
	if w.LockedAt == nil {
		return true
	}
	return !w.LockedAt.Before(staleBefore)
}
