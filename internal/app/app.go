package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/session-snapshot/internal/data/db"
	snaphttp "github.com/yungbote/session-snapshot/internal/http"
	"github.com/yungbote/session-snapshot/internal/modules/snapshot"
	"github.com/yungbote/session-snapshot/internal/observability"
	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Redis    goredis.UniversalClient
	Server   *snaphttp.Server
	Cfg      Config
	Metrics  *observability.Metrics
	Stores   []snapshot.Stores
	Services Services

	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading configuration...")
	cfg, err := LoadConfig(log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
	}
	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		Enabled:     cfg.Otel.Enabled,
		ServiceName: cfg.Otel.ServiceName,
		Environment: cfg.Otel.Environment,
		Endpoint:    cfg.Otel.Endpoint,
		Insecure:    cfg.Otel.Insecure,
		SampleRatio: cfg.Otel.SampleRatio,
	})

	theDB, err := openDB(cfg, log)
	if err != nil {
		log.Sync()
		return nil, err
	}
	rdb, err := newRedisClient(cfg)
	if err != nil {
		_ = db.Close(theDB)
		log.Sync()
		return nil, err
	}

	a := &App{
		Log:          log,
		DB:           theDB,
		Redis:        rdb,
		Cfg:          cfg,
		Metrics:      metrics,
		otelShutdown: otelShutdown,
	}

	var readStores []snapshot.Stores
	a.Stores, readStores, err = wireStores(cfg, log, theDB, rdb, metrics)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Services, err = wireServices(cfg, log, theDB, rdb, metrics, a.Stores)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Server = wireServer(cfg, log, metrics, theDB, rdb, readStores)
	return a, nil
}

func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.Services.Scheduler != nil {
		a.Services.Scheduler.Start(ctx)
	}
	if a.Services.Retention != nil {
		a.Services.Retention.Start(ctx)
	}
	if c := a.Services.Consumer; c != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := c.Run(ctx); err != nil {
				a.Log.Error("Ingest consumer stopped", "error", err)
			}
		}()
	}
}

func (a *App) Run() error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Server.Run()
}

// Close stops background work, waits for in-flight passes and releases
// every connection. It is safe to call on a partially built App.
func (a *App) Close() {
	if a == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil {
			a.Log.Warn("HTTP shutdown failed", "error", err)
		}
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Services.Scheduler != nil {
		a.Services.Scheduler.Wait()
	}
	if a.Services.Retention != nil {
		a.Services.Retention.Wait()
	}
	a.wg.Wait()
	if a.Services.Consumer != nil {
		if err := a.Services.Consumer.Close(); err != nil {
			a.Log.Warn("Ingest consumer close failed", "error", err)
		}
	}
	if a.Services.Publisher != nil {
		if err := a.Services.Publisher.Close(); err != nil {
			a.Log.Warn("Publisher close failed", "error", err)
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if err := db.Close(a.DB); err != nil {
		a.Log.Warn("Database close failed", "error", err)
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(ctx)
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
