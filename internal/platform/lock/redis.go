package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

// Deletes the key only while it still carries our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLocker struct {
	log    *logger.Logger
	rdb    goredis.UniversalClient
	prefix string
}

// NewRedisLocker stores each lock as prefix+name with a PX expiry equal to
// the lease.
func NewRedisLocker(log *logger.Logger, rdb goredis.UniversalClient, prefix string) (Locker, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	return &redisLocker{log: log.With("component", "RedisLocker"), rdb: rdb, prefix: prefix}, nil
}

func (r *redisLocker) TryAcquire(ctx context.Context, name string, lease time.Duration) (*Handle, error) {
	if name == "" {
		return nil, fmt.Errorf("lock name required")
	}
	if lease <= 0 {
		return nil, fmt.Errorf("lock %s: lease must be positive", name)
	}
	token := uuid.NewString()
	now := time.Now()
	ok, err := r.rdb.SetNX(ctx, r.prefix+name, token, lease).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", name, err)
	}
	if !ok {
		return nil, nil
	}
	return &Handle{Name: name, Token: token, AcquiredAt: now, ExpiresAt: now.Add(lease)}, nil
}

func (r *redisLocker) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	n, err := releaseScript.Run(ctx, r.rdb, []string{r.prefix + h.Name}, h.Token).Int()
	if err != nil {
		return fmt.Errorf("redis unlock %s: %w", h.Name, err)
	}
	if n == 0 {
		r.log.Debug("lock already expired or taken over", "lock", h.Name)
	}
	return nil
}
