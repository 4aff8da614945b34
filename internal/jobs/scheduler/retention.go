package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yungbote/session-snapshot/internal/modules/snapshot"
	"github.com/yungbote/session-snapshot/internal/observability"
	"github.com/yungbote/session-snapshot/internal/platform/dbctx"
	"github.com/yungbote/session-snapshot/internal/platform/lock"
	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

const DefaultRetentionInterval = time.Hour

type RetentionConfig struct {
	// MaxAge of processed raw events; zero disables retention.
	MaxAge   time.Duration
	Interval time.Duration
	Lease    time.Duration
}

// Retention periodically deletes raw events that are both older than MaxAge
// and already below their source's watermark.
type Retention struct {
	log      *logger.Logger
	locker   lock.Locker
	metrics  *observability.Metrics
	cfg      RetentionConfig
	services []*snapshot.Service
	now      func() time.Time

	wg sync.WaitGroup
}

func NewRetention(baseLog *logger.Logger, locker lock.Locker, metrics *observability.Metrics, cfg RetentionConfig, services ...*snapshot.Service) (*Retention, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("retention: logger required")
	}
	if locker == nil {
		return nil, fmt.Errorf("retention: locker required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRetentionInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	return &Retention{
		log:      baseLog.With("component", "RetentionJob"),
		locker:   locker,
		metrics:  metrics,
		cfg:      cfg,
		services: services,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (r *Retention) Enabled() bool { return r != nil && r.cfg.MaxAge > 0 }

func (r *Retention) Start(ctx context.Context) {
	if !r.Enabled() {
		r.log.Info("Retention disabled")
		return
	}
	r.log.Info("Starting retention job", "max_age", r.cfg.MaxAge, "interval", r.cfg.Interval)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			for _, svc := range r.services {
				if ctx.Err() != nil {
					return
				}
				if _, err := r.Purge(ctx, svc); err != nil && ctx.Err() == nil {
					r.log.Warn("retention purge failed", "tenant", svc.Tenant(), "error", err)
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (r *Retention) Wait() {
	if r != nil {
		r.wg.Wait()
	}
}

// Purge runs one retention round for the tenant of svc under the
// retention:<tenant> lock. It returns the number of deleted events; zero
// with a nil error when the lock is held elsewhere.
func (r *Retention) Purge(ctx context.Context, svc *snapshot.Service) (int64, error) {
	tenant := svc.Tenant()
	name := lockName("retention", tenant)
	h, err := r.locker.TryAcquire(ctx, name, r.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("acquire %s: %w", name, err)
	}
	if h == nil {
		r.metrics.IncLockContention(tenant, "retention")
		return 0, nil
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := r.locker.Release(relCtx, h); err != nil {
			r.log.Warn("lock release failed", "lock", name, "error", err)
		}
	}()

	purgeCtx, cancel := context.WithDeadline(ctx, h.ExpiresAt)
	defer cancel()
	before := r.now().Add(-r.cfg.MaxAge)
	n, err := svc.Stores().Events.PurgeProcessed(dbctx.Background(purgeCtx), before)
	if err != nil {
		return 0, err
	}
	r.metrics.AddPurged(tenant, n)
	if n > 0 {
		r.log.Info("purged processed events", "tenant", tenant, "events", n, "before", before)
	}
	return n, nil
}
