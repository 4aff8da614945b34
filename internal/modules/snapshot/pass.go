package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/session-snapshot/internal/domain/session"
	"github.com/yungbote/session-snapshot/internal/observability"
	"github.com/yungbote/session-snapshot/internal/platform/dbctx"
	"github.com/yungbote/session-snapshot/internal/platform/logger"
)

const (
	DefaultPageSize = 1000
	DefaultTopic    = "session-step-updated"
)

type Config struct {
	Topic    string
	PageSize int
}

// Service runs aggregation passes for the sources of one tenant.
type Service struct {
	log      *logger.Logger
	stores   Stores
	pub      Publisher
	metrics  *observability.Metrics
	topic    string
	pageSize int
}

func NewService(log *logger.Logger, stores Stores, pub Publisher, metrics *observability.Metrics, cfg Config) (*Service, error) {
	if log == nil {
		return nil, fmt.Errorf("snapshot: logger required")
	}
	if !stores.valid() {
		return nil, fmt.Errorf("snapshot: incomplete stores for tenant %q", stores.Tenant)
	}
	if pub == nil {
		return nil, fmt.Errorf("snapshot: publisher required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	return &Service{
		log:      log.With("component", "SnapshotService", "tenant", stores.Tenant),
		stores:   stores,
		pub:      pub,
		metrics:  metrics,
		topic:    cfg.Topic,
		pageSize: cfg.PageSize,
	}, nil
}

func (s *Service) Tenant() string { return s.stores.Tenant }

// Stores returns the stores the service was built with.
func (s *Service) Stores() Stores { return s.stores }

// PassResult describes one completed pass.
type PassResult struct {
	Source  string
	Events  int
	Touched int
	// Watermark is the new lastProcessedDate, zero when nothing was written.
	Watermark time.Time
}

// RunPass folds the events of source dated in [watermark, freeze) into their
// aggregates, publishes the new states and advances the watermark to freeze.
// Everything happens in one unit of work: on error nothing is committed and
// the next pass re-reads the same window. An empty window is a no-op.
func (s *Service) RunPass(ctx context.Context, source string, freeze time.Time, jobID uuid.UUID) (PassResult, error) {
	res := PassResult{Source: source}
	if source == "" {
		return res, session.NewError(session.CodeValidation, "snapshot.run_pass", "missing source", nil)
	}
	// Postgres keeps microseconds; the stored watermark must compare equal
	// to the freeze it was advanced to.
	freeze = freeze.UTC().Truncate(time.Microsecond)

	ctx, span := observability.Tracer().Start(ctx, "snapshot.run_pass", trace.WithAttributes(
		attribute.String("tenant", s.stores.Tenant),
		attribute.String("source", source),
		attribute.String("freeze", freeze.Format(time.RFC3339Nano)),
	))
	defer span.End()

	start := time.Now()
	err := s.stores.Tx.InTx(ctx, func(dbc dbctx.Context) error {
		out, err := s.runInTx(dbc, source, freeze, jobID)
		if err != nil {
			return err
		}
		res = out
		return nil
	})

	status := "ok"
	switch {
	case err != nil:
		status = "failed"
		err = leaseAware(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		res.Events, res.Touched = 0, 0
	case res.Events == 0:
		status = "empty"
	}
	span.SetAttributes(attribute.Int("events", res.Events), attribute.Int("touched", res.Touched))
	s.metrics.ObservePass(s.stores.Tenant, status, time.Since(start), res.Events, res.Touched)
	if err != nil {
		return res, err
	}
	if res.Events > 0 {
		s.log.Debug("pass complete",
			"source", source,
			"events", res.Events,
			"touched", res.Touched,
			"watermark", res.Watermark,
		)
	}
	return res, nil
}

func (s *Service) runInTx(dbc dbctx.Context, source string, freeze time.Time, jobID uuid.UUID) (PassResult, error) {
	res := PassResult{Source: source}

	wm, err := s.stores.Watermarks.Get(dbc, source)
	if err != nil {
		return res, session.Wrap(session.CodeRetryable, "snapshot.watermark_get", err)
	}
	if wm == nil {
		if err := s.stores.Watermarks.Ensure(dbc, []string{source}); err != nil {
			return res, session.Wrap(session.CodeRetryable, "snapshot.watermark_ensure", err)
		}
	}
	var lower *time.Time
	if wm != nil && wm.LastProcessedDate != nil {
		l := wm.LastProcessedDate.UTC()
		lower = &l
	}
	if lower != nil && !lower.Before(freeze) {
		return res, nil
	}

	working := map[session.StepKey]*session.SessionStepAggregate{}
	token := ""
	for {
		if err := dbc.Ctx.Err(); err != nil {
			return res, err
		}
		page, next, err := s.stores.Events.Fetch(dbc, source, lower, freeze, token, s.pageSize)
		if err != nil {
			return res, session.Wrap(session.CodeRetryable, "snapshot.fetch_events", err)
		}
		for key, group := range GroupByStep(page) {
			prior, seen := working[key]
			if !seen {
				prior, err = s.stores.Aggregates.Load(dbc, key)
				if err != nil {
					return res, session.Wrap(session.CodeRetryable, "snapshot.load_aggregate", err)
				}
			}
			working[key] = Merge(prior, group)
		}
		res.Events += len(page)
		if next == "" || len(page) == 0 {
			break
		}
		token = next
	}
	if res.Events == 0 {
		return res, nil
	}

	aggs := make([]*session.SessionStepAggregate, 0, len(working))
	for _, agg := range working {
		if agg.ID == uuid.Nil {
			agg.ID = uuid.New()
		}
		agg.Tenant = s.stores.Tenant
		aggs = append(aggs, agg)
	}
	sort.Slice(aggs, func(i, j int) bool { return aggs[i].Key().String() < aggs[j].Key().String() })

	if err := s.stores.Aggregates.BulkUpsert(dbc, aggs); err != nil {
		return res, session.Wrap(session.CodeRetryable, "snapshot.bulk_upsert", err)
	}
	for _, agg := range aggs {
		msg := session.NewAggregateChanged(agg)
		if err := s.pub.Publish(dbc.Ctx, s.topic, msg.MessageKey(), msg); err != nil {
			s.metrics.IncPublishFailure(s.topic)
			return res, session.Wrap(session.CodeRetryable, "snapshot.publish", err)
		}
	}

	ok, err := s.stores.Watermarks.Advance(dbc, source, jobID, lower, freeze)
	if err != nil {
		return res, session.Wrap(session.CodeRetryable, "snapshot.watermark_advance", err)
	}
	if !ok {
		return res, session.NewError(session.CodeConflict, "snapshot.watermark_advance", source, session.ErrWatermarkConflict)
	}

	res.Touched = len(aggs)
	res.Watermark = freeze
	return res, nil
}

// leaseAware turns a deadline hit while the pass ran into ErrLeaseLost; the
// scheduler bounds pass contexts by the lock lease.
func leaseAware(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return session.NewError(session.CodeRetryable, "snapshot.run_pass", "lease expired mid-pass", errors.Join(session.ErrLeaseLost, err))
	}
	return err
}
