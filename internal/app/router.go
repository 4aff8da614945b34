package app

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	snaphttp "github.com/yungbote/session-snapshot/internal/http"
	httpH "github.com/yungbote/session-snapshot/internal/http/handlers"
	"github.com/yungbote/session-snapshot/internal/modules/snapshot"
	"github.com/yungbote/session-snapshot/internal/observability"
	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

func readinessChecks(theDB *gorm.DB, rdb goredis.UniversalClient) map[string]httpH.Check {
	checks := map[string]httpH.Check{}
	if theDB != nil {
		checks["database"] = func(ctx context.Context) error {
			sqlDB, err := theDB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}
	return checks
}

func wireServer(cfg Config, log *logger.Logger, metrics *observability.Metrics, theDB *gorm.DB, rdb goredis.UniversalClient, stores []snapshot.Stores) *snaphttp.Server {
	log.Info("Wiring ops router...", "addr", cfg.HTTPAddr)
	serviceName := ""
	if cfg.Otel.Enabled {
		serviceName = cfg.Otel.ServiceName
	}
	return snaphttp.NewServer(cfg.HTTPAddr, snaphttp.RouterConfig{
		Log:              log,
		Metrics:          metrics,
		ServiceName:      serviceName,
		HealthHandler:    httpH.NewHealthHandler(readinessChecks(theDB, rdb)),
		AggregateHandler: httpH.NewAggregateHandler(stores...),
	})
}
