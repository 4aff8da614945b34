package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the snapshot service collectors. A nil *Metrics is valid and
// records nothing, so components can be built without metrics.
type Metrics struct {
	registry *prometheus.Registry

	ticks           *prometheus.CounterVec
	lockContention  *prometheus.CounterVec
	passes          *prometheus.CounterVec
	passLatency     *prometheus.HistogramVec
	eventsMerged    *prometheus.CounterVec
	aggregates      *prometheus.CounterVec
	sourceFailures  *prometheus.CounterVec
	pendingSources  *prometheus.GaugeVec
	eventsIngested  *prometheus.CounterVec
	ingestRejected  *prometheus.CounterVec
	eventsPurged    *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec

	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
	apiInflight prometheus.Gauge
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapshot_ticks_total",
			Help: "Scheduler ticks by tenant and outcome (ran, idle, contended, failed).",
		}, []string{"tenant", "outcome"}),
		lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapshot_lock_contention_total",
			Help: "Ticks skipped because another replica held the tenant lock.",
		}, []string{"tenant", "lock"}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapshot_passes_total",
			Help: "Aggregation passes by tenant and status.",
		}, []string{"tenant", "status"}),
		passLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snapshot_pass_duration_seconds",
			Help:    "Duration of one aggregation pass for one source.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"tenant", "status"}),
		eventsMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapshot_events_merged_total",
			Help: "Raw step events folded into aggregates.",
		}, []string{"tenant"}),
		aggregates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapshot_aggregates_touched_total",
			Help: "Session step aggregates written by passes.",
		}, []string{"tenant"}),
		sourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapshot_source_failures_total",
			Help: "Per-source pass failures by error code.",
		}, []string{"tenant", "code"}),
		pendingSources: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snapshot_pending_sources",
			Help: "Sources with pending events at the last tick.",
		}, []string{"tenant"}),
		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapshot_events_ingested_total",
			Help: "Raw step events appended by the ingest consumer.",
		}, []string{"tenant"}),
		ingestRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapshot_ingest_rejected_total",
			Help: "Ingest messages skipped, by reason.",
		}, []string{"reason"}),
		eventsPurged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapshot_events_purged_total",
			Help: "Processed raw events deleted by retention.",
		}, []string{"tenant"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapshot_publish_failures_total",
			Help: "Aggregate-changed publish failures.",
		}, []string{"topic"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapshot_aggregate_cache_lookups_total",
			Help: "Aggregate cache lookups by result (hit, miss, error).",
		}, []string{"result"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapshot_http_requests_total",
			Help: "Ops API requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snapshot_http_request_duration_seconds",
			Help:    "Ops API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		apiInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snapshot_http_inflight_requests",
			Help: "Ops API requests currently being served.",
		}),
	}
	m.registry.MustRegister(
		m.ticks,
		m.lockContention,
		m.passes,
		m.passLatency,
		m.eventsMerged,
		m.aggregates,
		m.sourceFailures,
		m.pendingSources,
		m.eventsIngested,
		m.ingestRejected,
		m.eventsPurged,
		m.publishFailures,
		m.cacheLookups,
		m.apiRequests,
		m.apiLatency,
		m.apiInflight,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncTick(tenant, outcome string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(tenant, outcome).Inc()
}

func (m *Metrics) IncLockContention(tenant, lock string) {
	if m == nil {
		return
	}
	m.lockContention.WithLabelValues(tenant, lock).Inc()
}

func (m *Metrics) ObservePass(tenant, status string, dur time.Duration, events, touched int) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(tenant, status).Inc()
	m.passLatency.WithLabelValues(tenant, status).Observe(dur.Seconds())
	if events > 0 {
		m.eventsMerged.WithLabelValues(tenant).Add(float64(events))
	}
	if touched > 0 {
		m.aggregates.WithLabelValues(tenant).Add(float64(touched))
	}
}

func (m *Metrics) IncSourceFailure(tenant, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "internal"
	}
	m.sourceFailures.WithLabelValues(tenant, code).Inc()
}

func (m *Metrics) SetPendingSources(tenant string, n int) {
	if m == nil {
		return
	}
	m.pendingSources.WithLabelValues(tenant).Set(float64(n))
}

func (m *Metrics) AddIngested(tenant string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsIngested.WithLabelValues(tenant).Add(float64(n))
}

func (m *Metrics) IncIngestRejected(reason string) {
	if m == nil {
		return
	}
	m.ingestRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) AddPurged(tenant string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsPurged.WithLabelValues(tenant).Add(float64(n))
}

func (m *Metrics) IncPublishFailure(topic string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(topic).Inc()
}

func (m *Metrics) IncCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, route, status).Inc()
	m.apiLatency.WithLabelValues(method, route).Observe(dur.Seconds())
}
