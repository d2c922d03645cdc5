package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "edgesync"

// Metrics holds all Prometheus metrics for the edge node.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry prometheus.Registerer

	// Cache metrics
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal prometheus.Counter
	CacheExpiredTotal   prometheus.Counter
	CacheEntriesTotal   prometheus.Gauge

	// Connectivity metrics
	CentralOnline      prometheus.Gauge
	ProbeDuration      prometheus.Histogram
	ReconnectsTotal    prometheus.Counter
	OfflineReplayTotal *prometheus.CounterVec

	// Replication metrics
	SyncCyclesTotal    *prometheus.CounterVec
	SyncCycleDuration  prometheus.Histogram
	EventsSyncedTotal  prometheus.Counter
	EventsRecorded     *prometheus.CounterVec
	EventsPending      prometheus.Gauge
	SyncConflictsTotal *prometheus.CounterVec

	// Envelope metrics
	EnvelopeRejectionsTotal *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestDuration *prometheus.HistogramVec

	// Gossip metrics
	GossipMembersTotal prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg. A nil reg uses the
// default registerer.
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		registry: reg,

		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Total number of offline cache hits",
			ConstLabels: labels,
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Total number of offline cache misses",
			ConstLabels: labels,
		}),
		CacheEvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "evictions_total",
			Help:        "Total number of cache entries evicted for capacity",
			ConstLabels: labels,
		}),
		CacheExpiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "expired_total",
			Help:        "Total number of expired cache entries removed",
			ConstLabels: labels,
		}),
		CacheEntriesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "entries",
			Help:        "Number of entries in the offline cache",
			ConstLabels: labels,
		}),

		CentralOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "connectivity",
			Name:        "online",
			Help:        "1 when the central system answered the last probe",
			ConstLabels: labels,
		}),
		ProbeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "connectivity",
			Name:        "probe_duration_seconds",
			Help:        "Duration of central health probes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.005, 2, 11),
		}),
		ReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "connectivity",
			Name:        "reconnects_total",
			Help:        "Total number of offline to online transitions",
			ConstLabels: labels,
		}),
		OfflineReplayTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "connectivity",
			Name:        "offline_replays_total",
			Help:        "Offline operation replays by result",
			ConstLabels: labels,
		}, []string{"result"}),

		SyncCyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "cycles_total",
			Help:        "Replication cycles by result",
			ConstLabels: labels,
		}, []string{"result"}),
		SyncCycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "cycle_duration_seconds",
			Help:        "Duration of replication cycles",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 13),
		}),
		EventsSyncedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "events_synced_total",
			Help:        "Total number of events acknowledged by the central system",
			ConstLabels: labels,
		}),
		EventsRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "events_recorded_total",
			Help:        "Change events recorded by table and operation",
			ConstLabels: labels,
		}, []string{"table", "operation"}),
		EventsPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "events_pending",
			Help:        "Number of events waiting for replication",
			ConstLabels: labels,
		}),
		SyncConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "conflicts_total",
			Help:        "Conflicts reported by the central system",
			ConstLabels: labels,
		}, []string{"type"}),

		EnvelopeRejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "envelope",
			Name:        "rejections_total",
			Help:        "Rejected sync packages by reason",
			ConstLabels: labels,
		}, []string{"reason"}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "Operator API request duration",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GossipMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "gossip",
			Name:        "members",
			Help:        "Number of edge nodes visible through gossip",
			ConstLabels: labels,
		}),
	}
}

// Gatherer returns the registry metrics were registered on when it can be
// scraped, falling back to the default gatherer.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m != nil {
		if g, ok := m.registry.(prometheus.Gatherer); ok {
			return g
		}
	}
	return prometheus.DefaultGatherer
}

func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

func (m *Metrics) RecordCacheEvictions(n int64) {
	if m == nil {
		return
	}
	m.CacheEvictionsTotal.Add(float64(n))
}

func (m *Metrics) RecordCacheExpired(n int64) {
	if m == nil {
		return
	}
	m.CacheExpiredTotal.Add(float64(n))
}

func (m *Metrics) UpdateCacheEntries(entries int64) {
	if m == nil {
		return
	}
	m.CacheEntriesTotal.Set(float64(entries))
}

// RecordProbe records one connectivity probe
func (m *Metrics) RecordProbe(online bool, duration float64) {
	if m == nil {
		return
	}
	m.ProbeDuration.Observe(duration)
	if online {
		m.CentralOnline.Set(1)
	} else {
		m.CentralOnline.Set(0)
	}
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

// RecordReplay records one offline operation replay ("completed", "retrying" or "failed")
func (m *Metrics) RecordReplay(result string) {
	if m == nil {
		return
	}
	m.OfflineReplayTotal.WithLabelValues(result).Inc()
}

// RecordSyncCycle records one replication cycle ("success", "empty", "failed" or "skipped")
func (m *Metrics) RecordSyncCycle(result string, duration float64, synced int) {
	if m == nil {
		return
	}
	m.SyncCyclesTotal.WithLabelValues(result).Inc()
	if result != "skipped" {
		m.SyncCycleDuration.Observe(duration)
	}
	if synced > 0 {
		m.EventsSyncedTotal.Add(float64(synced))
	}
}

func (m *Metrics) RecordEvent(table, operation string) {
	if m == nil {
		return
	}
	m.EventsRecorded.WithLabelValues(table, operation).Inc()
}

func (m *Metrics) UpdatePendingEvents(pending int64) {
	if m == nil {
		return
	}
	m.EventsPending.Set(float64(pending))
}

func (m *Metrics) RecordConflict(conflictType string) {
	if m == nil {
		return
	}
	m.SyncConflictsTotal.WithLabelValues(conflictType).Inc()
}

func (m *Metrics) RecordEnvelopeRejection(reason string) {
	if m == nil {
		return
	}
	m.EnvelopeRejectionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, route, status string, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(duration)
}

func (m *Metrics) UpdateGossipMembers(n int) {
	if m == nil {
		return
	}
	m.GossipMembersTotal.Set(float64(n))
}
