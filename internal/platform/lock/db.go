package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

// Row is one named lease in the shedlock table. A lock is free once
// LockUntil is not after the current time.
type Row struct {
	Name      string    `gorm:"column:name;primaryKey;size:128"`
	LockUntil time.Time `gorm:"column:lock_until;not null"`
	LockedAt  time.Time `gorm:"column:locked_at;not null"`
	LockedBy  string    `gorm:"column:locked_by;not null"`
}

func (Row) TableName() string { return "shedlock" }

// AutoMigrate creates the shedlock table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Row{})
}

type dbLocker struct {
	db    *gorm.DB
	log   *logger.Logger
	host  string
	clock func() time.Time
}

// NewDBLocker keeps leases in the shedlock table of the primary database.
func NewDBLocker(db *gorm.DB, baseLog *logger.Logger) (Locker, error) {
	if db == nil {
		return nil, fmt.Errorf("db required")
	}
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	host, _ := os.Hostname()
	return &dbLocker{
		db:    db,
		log:   baseLog.With("component", "DBLocker"),
		host:  host,
		clock: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (d *dbLocker) TryAcquire(ctx context.Context, name string, lease time.Duration) (*Handle, error) {
	if name == "" {
		return nil, fmt.Errorf("lock name required")
	}
	if lease <= 0 {
		return nil, fmt.Errorf("lock %s: lease must be positive", name)
	}
	now := d.clock()
	h := &Handle{
		Name:       name,
		Token:      d.host + "/" + uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(lease),
	}
	db := d.db.WithContext(ctx)

	seed := Row{Name: name, LockUntil: now, LockedAt: now, LockedBy: ""}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("seed lock %s: %w", name, err)
	}
	res := db.Model(&Row{}).
		Where("name = ? AND lock_until <= ?", name, now).
		Updates(map[string]interface{}{
			"lock_until": h.ExpiresAt,
			"locked_at":  now,
			"locked_by":  h.Token,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return h, nil
}

func (d *dbLocker) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	now := d.clock()
	res := d.db.WithContext(ctx).Model(&Row{}).
		Where("name = ? AND locked_by = ? AND lock_until > ?", h.Name, h.Token, now).
		Update("lock_until", now)
	if res.Error != nil {
		return fmt.Errorf("release lock %s: %w", h.Name, res.Error)
	}
	if res.RowsAffected == 0 {
		d.log.Debug("lock already expired or taken over", "lock", h.Name)
	}
	return nil
}
