package lock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

func newTestDBLocker(t *testing.T, clock func() time.Time) (*dbLocker, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	l, err := NewDBLocker(db, logger.Nop())
	if err != nil {
		t.Fatalf("NewDBLocker: %v", err)
	}
	d := l.(*dbLocker)
	d.clock = clock
	return d, db
}

func TestDBLockerContention(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a, db := newTestDBLocker(t, func() time.Time { return now })
	b := &dbLocker{db: db, log: logger.Nop(), host: "replica-b", clock: func() time.Time { return now }}
	ctx := context.Background()

	ha, err := a.TryAcquire(ctx, "snapshot:t1", time.Minute)
	if err != nil || ha == nil {
		t.Fatalf("replica a: h=%v err=%v", ha, err)
	}
	hb, err := b.TryAcquire(ctx, "snapshot:t1", time.Minute)
	if err != nil {
		t.Fatalf("replica b: %v", err)
	}
	if hb != nil {
		t.Fatalf("replica b acquired a held lock")
	}

	if err := a.Release(ctx, ha); err != nil {
		t.Fatalf("Release: %v", err)
	}
	hb, err = b.TryAcquire(ctx, "snapshot:t1", time.Minute)
	if err != nil || hb == nil {
		t.Fatalf("replica b after release: h=%v err=%v", hb, err)
	}

	var row Row
	if err := db.First(&row, "name = ?", "snapshot:t1").Error; err != nil {
		t.Fatalf("load row: %v", err)
	}
	if row.LockedBy != hb.Token {
		t.Fatalf("locked_by: want=%s got=%s", hb.Token, row.LockedBy)
	}
}

func TestDBLockerLeaseExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	d, _ := newTestDBLocker(t, clock)
	ctx := context.Background()

	stale, _ := d.TryAcquire(ctx, "snapshot:t1", time.Minute)
	if stale == nil {
		t.Fatalf("first acquire failed")
	}
	now = now.Add(30 * time.Second)
	if h, _ := d.TryAcquire(ctx, "snapshot:t1", time.Minute); h != nil {
		t.Fatalf("lock taken before lease ended")
	}
	now = now.Add(31 * time.Second)
	fresh, err := d.TryAcquire(ctx, "snapshot:t1", time.Minute)
	if err != nil || fresh == nil {
		t.Fatalf("expired lease not reclaimed: h=%v err=%v", fresh, err)
	}
	if err := d.Release(ctx, stale); err != nil {
		t.Fatalf("Release stale: %v", err)
	}
	if h, _ := d.TryAcquire(ctx, "snapshot:t1", time.Minute); h != nil {
		t.Fatalf("stale release freed the current lease")
	}
}
