package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "halo"

// Metrics holds the collectors of one process. In-process groups share
// one Metrics and tell ranks apart by the rank label.
type Metrics struct {
	syncs         *prometheus.CounterVec
	syncBytes     *prometheus.CounterVec
	syncDuration  *prometheus.HistogramVec
	builds        *prometheus.CounterVec
	buildDuration *prometheus.HistogramVec
	peers         *prometheus.GaugeVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. It panics
// if they are already registered there.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "total",
			Help:      "Completed halo exchanges.",
		}, []string{"rank"}),
		syncBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "bytes_total",
			Help:      "Payload bytes moved by halo exchanges.",
		}, []string{"rank", "direction"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Halo exchange duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"rank"}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pattern",
			Name:      "builds_total",
			Help:      "Communication pattern builds.",
		}, []string{"rank", "strategy"}),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pattern",
			Name:      "build_duration_seconds",
			Help:      "Communication pattern build duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"rank", "strategy"}),
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pattern",
			Name:      "peers",
			Help:      "Ranks exchanged with under the current pattern.",
		}, []string{"rank"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"service", "method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "method", "path", "status"}),
	}
	reg.MustRegister(m.syncs, m.syncBytes, m.syncDuration, m.builds, m.buildDuration, m.peers,
		m.httpRequests, m.httpDuration)
	return m
}

// ForRank returns an observer for the shard of one rank
func (m *Metrics) ForRank(rank int) *RankObserver {
	return &RankObserver{m: m, rank: strconv.Itoa(rank)}
}

// RecordHTTPRequest counts one served request
func (m *Metrics) RecordHTTPRequest(service, method, path string, status int, took time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	m.httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(took.Seconds())
}

// RankObserver feeds shard events of one rank into Metrics
type RankObserver struct {
	m    *Metrics
	rank string
}

// PatternBuilt records a pattern build
func (o *RankObserver) PatternBuilt(strategy string, took time.Duration, peers int) {
	o.m.builds.WithLabelValues(o.rank, strategy).Inc()
	o.m.buildDuration.WithLabelValues(o.rank, strategy).Observe(took.Seconds())
	o.m.peers.WithLabelValues(o.rank).Set(float64(peers))
}

// Synced records a completed exchange
func (o *RankObserver) Synced(took time.Duration, sent, received int) {
	o.m.syncs.WithLabelValues(o.rank).Inc()
	o.m.syncBytes.WithLabelValues(o.rank, "sent").Add(float64(sent))
	o.m.syncBytes.WithLabelValues(o.rank, "received").Add(float64(received))
	o.m.syncDuration.WithLabelValues(o.rank).Observe(took.Seconds())
}
