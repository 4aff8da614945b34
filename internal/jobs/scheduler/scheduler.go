// Package scheduler drives the periodic snapshot and retention jobs of every
// tenant. Each tenant runs its own loop; a distributed lock keeps at most one
// pass per tenant active across replicas.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/session-snapshot/internal/domain/session"
	"github.com/yungbote/session-snapshot/internal/modules/snapshot"
	"github.com/yungbote/session-snapshot/internal/observability"
	"github.com/yungbote/session-snapshot/internal/platform/dbctx"
	"github.com/yungbote/session-snapshot/internal/platform/lock"
	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

const (
	DefaultInitialDelay = 10 * time.Second
	DefaultInterval     = 5 * time.Second
	DefaultLease        = 60 * time.Second
	DefaultParallelism  = 4

	releaseTimeout = 5 * time.Second
)

type Config struct {
	InitialDelay time.Duration
	Interval     time.Duration
	// Lease bounds a whole tick; passes still running when it ends are
	// cancelled.
	Lease       time.Duration
	Parallelism int
}

func (c Config) withDefaults() Config {
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	if c.Parallelism <= 0 {
		c.Parallelism = DefaultParallelism
	}
	return c
}

// TickResult summarises one scheduler tick for one tenant.
type TickResult struct {
	Tenant    string
	Acquired  bool
	Freeze    time.Time
	Sources   int
	Succeeded int
	Failed    int
	// Skipped counts sources not run because their claim was taken or the
	// tick ran out of lease.
	Skipped int
}

type Scheduler struct {
	log      *logger.Logger
	locker   lock.Locker
	metrics  *observability.Metrics
	cfg      Config
	services []*snapshot.Service
	now      func() time.Time

	wg sync.WaitGroup
}

func New(baseLog *logger.Logger, locker lock.Locker, metrics *observability.Metrics, cfg Config, services ...*snapshot.Service) (*Scheduler, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("scheduler: logger required")
	}
	if locker == nil {
		return nil, fmt.Errorf("scheduler: locker required")
	}
	seen := map[string]bool{}
	for _, svc := range services {
		if svc == nil {
			return nil, fmt.Errorf("scheduler: nil service")
		}
		if seen[svc.Tenant()] {
			return nil, fmt.Errorf("scheduler: duplicate tenant %q", svc.Tenant())
		}
		seen[svc.Tenant()] = true
	}
	return &Scheduler{
		log:      baseLog.With("component", "SnapshotScheduler"),
		locker:   locker,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
		services: services,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start launches one loop per tenant. Loops stop when ctx is cancelled; Wait
// blocks until they have returned.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info("Starting snapshot scheduler",
		"tenants", len(s.services),
		"initial_delay", s.cfg.InitialDelay,
		"interval", s.cfg.Interval,
		"lease", s.cfg.Lease,
		"parallelism", s.cfg.Parallelism,
	)
	for _, svc := range s.services {
		s.wg.Add(1)
		go s.runLoop(ctx, svc)
	}
}

func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) runLoop(ctx context.Context, svc *snapshot.Service) {
	defer s.wg.Done()
	tenant := svc.Tenant()

	timer := time.NewTimer(s.cfg.InitialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.safeTick(ctx, svc)
		select {
		case <-ctx.Done():
			s.log.Info("Scheduler loop stopped", "tenant", tenant)
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) safeTick(ctx context.Context, svc *snapshot.Service) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.IncTick(svc.Tenant(), "failed")
			s.log.Error("Scheduler tick panic", "tenant", svc.Tenant(), "panic", r)
		}
	}()
	if _, err := s.Tick(ctx, svc); err != nil && ctx.Err() == nil {
		s.log.Warn("Scheduler tick failed", "tenant", svc.Tenant(), "error", err)
	}
}

func lockName(kind, tenant string) string { return kind + ":" + tenant }

// Tick runs one scheduling round for the tenant of svc: take the tenant lock,
// freeze time, list pending sources and run one pass per source. Per-source
// failures are counted in the result and never returned.
func (s *Scheduler) Tick(ctx context.Context, svc *snapshot.Service) (TickResult, error) {
	tenant := svc.Tenant()
	res := TickResult{Tenant: tenant}
	name := lockName("snapshot", tenant)

	h, err := s.locker.TryAcquire(ctx, name, s.cfg.Lease)
	if err != nil {
		s.metrics.IncTick(tenant, "failed")
		return res, fmt.Errorf("acquire %s: %w", name, err)
	}
	if h == nil {
		s.metrics.IncTick(tenant, "contended")
		s.metrics.IncLockContention(tenant, "snapshot")
		s.log.Debug("tenant lock held elsewhere", "tenant", tenant)
		return res, nil
	}
	res.Acquired = true
	defer s.release(ctx, h)

	passCtx, cancel := context.WithDeadline(ctx, h.ExpiresAt)
	defer cancel()

	freeze := s.now().Truncate(time.Microsecond)
	res.Freeze = freeze
	staleBefore := freeze.Add(-s.cfg.Lease)
	stores := svc.Stores()

	sources, err := stores.Watermarks.PendingSources(dbctx.Background(passCtx), freeze, staleBefore)
	if err != nil {
		s.metrics.IncTick(tenant, "failed")
		return res, fmt.Errorf("pending sources: %w", err)
	}
	res.Sources = len(sources)
	s.metrics.SetPendingSources(tenant, len(sources))
	if len(sources) == 0 {
		s.metrics.IncTick(tenant, "idle")
		return res, nil
	}
	if err := stores.Watermarks.Ensure(dbctx.Background(passCtx), sources); err != nil {
		s.metrics.IncTick(tenant, "failed")
		return res, fmt.Errorf("ensure watermarks: %w", err)
	}

	var mu sync.Mutex
	record := func(outcome string) {
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case "ok":
			res.Succeeded++
		case "failed":
			res.Failed++
		default:
			res.Skipped++
		}
	}

	var g errgroup.Group
	for _, lane := range s.lanes(sources) {
		g.Go(func() error {
			for _, src := range lane {
				record(s.runSource(passCtx, svc, src, freeze, staleBefore))
			}
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.IncTick(tenant, "ran")
	s.log.Debug("tick complete",
		"tenant", tenant,
		"sources", res.Sources,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"skipped", res.Skipped,
	)
	return res, nil
}

// lanes spreads sources over at most Parallelism lanes by hash, so a source
// always lands in the same lane and lanes never share a source.
func (s *Scheduler) lanes(sources []string) [][]string {
	n := s.cfg.Parallelism
	if n > len(sources) {
		n = len(sources)
	}
	out := make([][]string, n)
	for _, src := range sources {
		i := xxhash.Sum64String(src) % uint64(n)
		out[i] = append(out[i], src)
	}
	return out
}

func (s *Scheduler) runSource(ctx context.Context, svc *snapshot.Service, source string, freeze, staleBefore time.Time) (outcome string) {
	tenant := svc.Tenant()
	if ctx.Err() != nil {
		return "skipped"
	}
	stores := svc.Stores()
	jobID := uuid.New()

	claimed, err := stores.Watermarks.Claim(dbctx.Background(ctx), source, jobID, s.now(), staleBefore)
	if err != nil {
		s.metrics.IncSourceFailure(tenant, string(session.CodeOf(err)))
		s.log.Warn("claim failed", "tenant", tenant, "source", source, "error", err)
		return "failed"
	}
	if !claimed {
		return "skipped"
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := stores.Watermarks.Release(dbctx.Background(relCtx), source, jobID); err != nil {
			s.log.Warn("claim release failed", "tenant", tenant, "source", source, "job_id", jobID, "error", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			s.metrics.IncSourceFailure(tenant, string(session.CodeInternal))
			s.log.Error("pass panic", "tenant", tenant, "source", source, "panic", r)
			outcome = "failed"
		}
	}()

	if _, err := svc.RunPass(ctx, source, freeze, jobID); err != nil {
		s.metrics.IncSourceFailure(tenant, string(session.CodeOf(err)))
		s.log.Warn("pass failed",
			"tenant", tenant,
			"source", source,
			"job_id", jobID,
			"code", session.CodeOf(err),
			"error", err,
		)
		return "failed"
	}
	return "ok"
}

func (s *Scheduler) release(ctx context.Context, h *lock.Handle) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.locker.Release(relCtx, h); err != nil {
		s.log.Warn("lock release failed", "lock", h.Name, "error", err)
	}
}
