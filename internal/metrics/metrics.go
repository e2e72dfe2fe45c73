// Package metrics holds the Prometheus collectors for the analytics pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "streaming_analytics"

// Metric names as constants for consistency.
const (
	MetricSessionJoins       = "session_joins_total"
	MetricSessionsFinalized  = "sessions_finalized_total"
	MetricActiveSessions     = "active_sessions"
	MetricEventsRejected     = "events_rejected_total"
	MetricIngestEvents       = "ingest_events_total"
	MetricFlushDuration      = "aggregator_flush_duration_seconds"
	MetricRowsFlushed        = "aggregator_rows_flushed_total"
	MetricFlushFailures      = "aggregator_flush_failures_total"
	MetricCacheRequests      = "cache_requests_total"
	MetricCacheBreakerOpen   = "cache_breaker_open"
	MetricHubSubscribers     = "hub_subscribers"
	MetricHubPublished       = "hub_messages_published_total"
	MetricHubDropped         = "hub_messages_dropped_total"
	MetricHubSubscriberDrops = "hub_subscribers_dropped_total"
	MetricSigmaLevel         = "sigma_level"
	MetricTaskRuns           = "scheduler_task_runs_total"
)

// Metrics contains the pipeline collectors. All operations are thread-safe.
type Metrics struct {
	sessionJoins       prometheus.Counter
	sessionsFinalized  *prometheus.CounterVec
	activeSessions     prometheus.Gauge
	eventsRejected     *prometheus.CounterVec
	ingestEvents       *prometheus.CounterVec
	flushDuration      prometheus.Histogram
	rowsFlushed        prometheus.Counter
	flushFailures      prometheus.Counter
	cacheRequests      *prometheus.CounterVec
	cacheBreakerOpen   prometheus.Gauge
	hubSubscribers     prometheus.Gauge
	hubPublished       prometheus.Counter
	hubDropped         prometheus.Counter
	hubSubscriberDrops prometheus.Counter
	sigmaLevel         *prometheus.GaugeVec
	taskRuns           *prometheus.CounterVec
}

// New creates a Metrics instance. Collectors are not registered; call Register.
func New() *Metrics {
	return &Metrics{
		sessionJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricSessionJoins,
			Help:      "Viewer sessions opened.",
		}),
		sessionsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricSessionsFinalized,
			Help:      "Viewer sessions finalized, by reason (leave, swept, stream_ended).",
		}, []string{"reason"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      MetricActiveSessions,
			Help:      "Open viewer sessions across all streams.",
		}),
		eventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricEventsRejected,
			Help:      "Tracker events rejected, by reason.",
		}, []string{"reason"}),
		ingestEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricIngestEvents,
			Help:      "Ingested events by source, type and result.",
		}, []string{"source", "type", "result"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricFlushDuration,
			Help:      "Duration of a full aggregator flush pass.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		rowsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricRowsFlushed,
			Help:      "Daily analytics rows written to the durable store.",
		}),
		flushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricFlushFailures,
			Help:      "Daily analytics rows that failed to flush.",
		}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricCacheRequests,
			Help:      "Cache operations by op and result (hit, miss, ok, unavailable).",
		}, []string{"op", "result"}),
		cacheBreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      MetricCacheBreakerOpen,
			Help:      "1 while the cache backend circuit breaker is open.",
		}),
		hubSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      MetricHubSubscribers,
			Help:      "Active broadcast hub subscriptions.",
		}),
		hubPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricHubPublished,
			Help:      "Messages enqueued to subscribers.",
		}),
		hubDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricHubDropped,
			Help:      "Queued messages dropped because a subscriber queue was full.",
		}),
		hubSubscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricHubSubscriberDrops,
			Help:      "Subscriptions dropped after a send timeout.",
		}),
		sigmaLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      MetricSigmaLevel,
			Help:      "Latest sigma level per metric.",
		}, []string{"metric", "category"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricTaskRuns,
			Help:      "Periodic task runs by task and result.",
		}, []string{"task", "result"}),
	}
}

// Collectors returns all collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.sessionJoins,
		m.sessionsFinalized,
		m.activeSessions,
		m.eventsRejected,
		m.ingestEvents,
		m.flushDuration,
		m.rowsFlushed,
		m.flushFailures,
		m.cacheRequests,
		m.cacheBreakerOpen,
		m.hubSubscribers,
		m.hubPublished,
		m.hubDropped,
		m.hubSubscriberDrops,
		m.sigmaLevel,
		m.taskRuns,
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) SessionJoined() {
	m.sessionJoins.Inc()
	m.activeSessions.Inc()
}

func (m *Metrics) SessionFinalized(reason string) {
	m.sessionsFinalized.WithLabelValues(reason).Inc()
	m.activeSessions.Dec()
}

func (m *Metrics) EventRejected(reason string) {
	m.eventsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) IngestEvent(source, eventType, result string) {
	m.ingestEvents.WithLabelValues(source, eventType, result).Inc()
}

func (m *Metrics) ObserveFlush(seconds float64, flushed, failed int) {
	m.flushDuration.Observe(seconds)
	m.rowsFlushed.Add(float64(flushed))
	m.flushFailures.Add(float64(failed))
}

func (m *Metrics) CacheRequest(op, result string) {
	m.cacheRequests.WithLabelValues(op, result).Inc()
}

func (m *Metrics) SetCacheBreakerOpen(open bool) {
	if open {
		m.cacheBreakerOpen.Set(1)
		return
	}
	m.cacheBreakerOpen.Set(0)
}

func (m *Metrics) SetHubSubscribers(n int) {
	m.hubSubscribers.Set(float64(n))
}

func (m *Metrics) HubPublished() {
	m.hubPublished.Inc()
}

func (m *Metrics) HubDropped() {
	m.hubDropped.Inc()
}

func (m *Metrics) HubSubscriberDropped() {
	m.hubSubscriberDrops.Inc()
}

func (m *Metrics) SetSigmaLevel(metric, category string, sigma int) {
	m.sigmaLevel.WithLabelValues(metric, category).Set(float64(sigma))
}

func (m *Metrics) TaskRun(task string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.taskRuns.WithLabelValues(task, result).Inc()
}
