package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

func TestRedisLockerContention(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	prefix := "test:" + uuid.NewString() + ":"
	a, err := NewRedisLocker(logger.Nop(), rdb, prefix)
	if err != nil {
		t.Fatalf("NewRedisLocker: %v", err)
	}
	b, _ := NewRedisLocker(logger.Nop(), rdb, prefix)

	ha, err := a.TryAcquire(ctx, "snapshot:t1", 5*time.Second)
	if err != nil || ha == nil {
		t.Fatalf("replica a: h=%v err=%v", ha, err)
	}
	if hb, _ := b.TryAcquire(ctx, "snapshot:t1", 5*time.Second); hb != nil {
		t.Fatalf("replica b acquired a held lock")
	}
	if err := b.Release(ctx, &Handle{Name: "snapshot:t1", Token: "not-mine"}); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if hb, _ := b.TryAcquire(ctx, "snapshot:t1", 5*time.Second); hb != nil {
		t.Fatalf("foreign release freed the lock")
	}
	if err := a.Release(ctx, ha); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if hb, _ := b.TryAcquire(ctx, "snapshot:t1", 5*time.Second); hb == nil {
		t.Fatalf("lock not free after release")
	}
}
