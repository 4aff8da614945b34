package bus

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

type redisBus struct {
	log    *logger.Logger
	rdb    goredis.UniversalClient
	prefix string
	owned  bool
}

// NewRedisBus publishes every message on the channel prefix+topic. The
// client is closed by Close only when ownClient is true.
func NewRedisBus(log *logger.Logger, rdb goredis.UniversalClient, prefix string, ownClient bool) (Publisher, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	return &redisBus{
		log:    log.With("component", "RedisBus"),
		rdb:    rdb,
		prefix: prefix,
		owned:  ownClient,
	}, nil
}

func (b *redisBus) Publish(ctx context.Context, topic, key string, payload any) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis bus not initialized")
	}
	raw, err := encode(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	if err := b.rdb.Publish(ctx, b.prefix+topic, raw).Err(); err != nil {
		return fmt.Errorf("redis publish %s key=%s: %w", topic, key, err)
	}
	return nil
}

func (b *redisBus) Close() error {
	if b == nil || b.rdb == nil || !b.owned {
		return nil
	}
	return b.rdb.Close()
}
