package app

import (
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/session-snapshot/internal/data/cache"
	"github.com/yungbote/session-snapshot/internal/data/db"
	"github.com/yungbote/session-snapshot/internal/data/repos/memstore"
	"github.com/yungbote/session-snapshot/internal/data/repos/steps"
	"github.com/yungbote/session-snapshot/internal/modules/snapshot"
	"github.com/yungbote/session-snapshot/internal/observability"
	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

func openDB(cfg Config, log *logger.Logger) (*gorm.DB, error) {
	if cfg.Store.Driver == DriverMemory {
		return nil, nil
	}
	theDB, err := db.Open(db.Config{
		Driver:       cfg.Store.Driver,
		Host:         cfg.Store.Host,
		Port:         cfg.Store.Port,
		User:         cfg.Store.User,
		Password:     cfg.Store.Password,
		Name:         cfg.Store.Name,
		SSLMode:      cfg.Store.SSLMode,
		SQLitePath:   cfg.Store.SQLitePath,
		MaxOpenConns: cfg.Store.MaxOpenConns,
		MaxIdleConns: cfg.Store.MaxIdleConns,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Store.Driver, err)
	}
	if err := db.AutoMigrateAll(theDB); err != nil {
		_ = db.Close(theDB)
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return theDB, nil
}

// wireStores builds one store bundle per tenant for the snapshot passes and
// one for request handlers. They differ only when the aggregate cache is on.
func wireStores(cfg Config, log *logger.Logger, theDB *gorm.DB, rdb goredis.UniversalClient, metrics *observability.Metrics) (pass []snapshot.Stores, read []snapshot.Stores, err error) {
	log.Info("Wiring stores...", "driver", cfg.Store.Driver, "tenants", cfg.Tenants)

	var backend cache.Backend
	if cfg.Cache.Enabled {
		if rdb != nil {
			b, err := cache.NewRedisBackend(rdb, cfg.Redis.Prefix)
			if err != nil {
				return nil, nil, fmt.Errorf("cache backend: %w", err)
			}
			backend = b
		} else {
			backend = cache.NewMemory()
		}
	}

	for _, tenant := range cfg.Tenants {
		var stores snapshot.Stores
		if theDB == nil {
			stores = memstore.New(tenant).Stores()
		} else {
			stores = steps.NewStores(theDB, log, tenant)
		}
		if backend == nil {
			pass = append(pass, stores)
			read = append(read, stores)
			continue
		}
		p, r := cache.WrapStores(stores, backend, log, metrics, cfg.Cache.TTL)
		pass = append(pass, p)
		read = append(read, r)
	}
	return pass, read, nil
}
