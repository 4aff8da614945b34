package app

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/session-snapshot/internal/ingest"
	"github.com/yungbote/session-snapshot/internal/jobs/scheduler"
	"github.com/yungbote/session-snapshot/internal/modules/snapshot"
	"github.com/yungbote/session-snapshot/internal/observability"
	"github.com/yungbote/session-snapshot/internal/platform/bus"
	"github.com/yungbote/session-snapshot/internal/platform/lock"
	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

type Services struct {
	Locker    lock.Locker
	Publisher bus.Publisher
	Snapshots []*snapshot.Service
	Scheduler *scheduler.Scheduler
	Retention *scheduler.Retention
	Consumer  *ingest.Consumer
}

func newRedisClient(cfg Config) (goredis.UniversalClient, error) {
	if !cfg.needsRedis() {
		return nil, nil
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func wireLocker(cfg Config, log *logger.Logger, theDB *gorm.DB, rdb goredis.UniversalClient) (lock.Locker, error) {
	switch cfg.LockDriver {
	case DriverDB:
		return lock.NewDBLocker(theDB, log)
	case DriverRedis:
		return lock.NewRedisLocker(log, rdb, cfg.Redis.Prefix+"lock:")
	default:
		log.Warn("Using in-process lock; replicas will not coordinate")
		return lock.NewMemory(), nil
	}
}

func wirePublisher(cfg Config, log *logger.Logger, rdb goredis.UniversalClient) (bus.Publisher, error) {
	switch cfg.BusDriver {
	case DriverKafka:
		return bus.NewKafkaBus(log, bus.KafkaConfig{Brokers: cfg.Kafka.Brokers, ClientID: cfg.Kafka.ClientID})
	case DriverRedis:
		return bus.NewRedisBus(log, rdb, cfg.Redis.Prefix, false)
	default:
		log.Warn("Using in-memory publisher; aggregate-changed events stay in process")
		return bus.NewMemory(), nil
	}
}

func wireServices(cfg Config, log *logger.Logger, theDB *gorm.DB, rdb goredis.UniversalClient, metrics *observability.Metrics, stores []snapshot.Stores) (Services, error) {
	log.Info("Wiring services...")
	var out Services

	locker, err := wireLocker(cfg, log, theDB, rdb)
	if err != nil {
		return out, fmt.Errorf("locker: %w", err)
	}
	out.Locker = locker

	pub, err := wirePublisher(cfg, log, rdb)
	if err != nil {
		return out, fmt.Errorf("publisher: %w", err)
	}
	out.Publisher = pub

	for _, s := range stores {
		svc, err := snapshot.NewService(log, s, pub, metrics, snapshot.Config{
			Topic:    cfg.Snapshot.Topic,
			PageSize: cfg.Snapshot.PageSize,
		})
		if err != nil {
			_ = pub.Close()
			return out, err
		}
		out.Snapshots = append(out.Snapshots, svc)
	}

	out.Scheduler, err = scheduler.New(log, locker, metrics, cfg.schedulerConfig(), out.Snapshots...)
	if err != nil {
		_ = pub.Close()
		return out, err
	}
	out.Retention, err = scheduler.NewRetention(log, locker, metrics, cfg.retentionConfig(), out.Snapshots...)
	if err != nil {
		_ = pub.Close()
		return out, err
	}

	if cfg.Ingest.Enabled {
		ing, err := ingest.NewIngestor(log, metrics, stores...)
		if err != nil {
			_ = pub.Close()
			return out, err
		}
		out.Consumer, err = ingest.NewConsumer(log, ingest.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Ingest.Topic,
			GroupID: cfg.Ingest.GroupID,
		}, ing)
		if err != nil {
			_ = pub.Close()
			return out, err
		}
	}
	return out, nil
}
