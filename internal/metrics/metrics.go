// Package metrics exposes the prometheus collectors shared by the sync layer.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coopsync"

// Metrics groups every collector the node registers.
type Metrics struct {
	packetsDispatched *prometheus.CounterVec
	packetsDropped    *prometheus.CounterVec
	connections       *prometheus.GaugeVec
	ledgerTransfers   *prometheus.CounterVec
	bundles           *prometheus.CounterVec
	cacheEvictions    prometheus.Counter
	cacheBytes        prometheus.Gauge
	poolWorkers       prometheus.Gauge
	tickSeconds       prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		packetsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_dispatched_total",
			Help: "Inbound packets dispatched, by message type.",
		}, []string{"type"}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_dropped_total",
			Help: "Inbound packets dropped, by reason.",
		}, []string{"reason"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Live peer connections, by protocol state.",
		}, []string{"state"}),
		ledgerTransfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ledger_transfers_total",
			Help: "Ledger transfer attempts, by result.",
		}, []string{"result"}),
		bundles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bundles_processed_total",
			Help: "Asset bundles processed, by result.",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_evictions_total",
			Help: "Bundle directories removed by quota enforcement.",
		}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_bytes",
			Help: "Bytes held by the bundle cache after the last enforcement pass.",
		}),
		poolWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_workers",
			Help: "Goroutines in the generic worker pool.",
		}),
		tickSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tick_seconds",
			Help:    "Wall time spent in one simulation tick.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.packetsDispatched, m.packetsDropped, m.connections,
			m.ledgerTransfers, m.bundles, m.cacheEvictions, m.cacheBytes,
			m.poolWorkers, m.tickSeconds,
		)
	}
	return m
}

func (m *Metrics) Dispatched(msgType string) {
	if m == nil {
		return
	}
	m.packetsDispatched.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.packetsDropped.WithLabelValues(reason).Inc()
}

// SetConnections replaces the per-state connection gauges.
func (m *Metrics) SetConnections(byState map[string]int) {
	if m == nil {
		return
	}
	m.connections.Reset()
	for state, n := range byState {
		m.connections.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) Transfer(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.ledgerTransfers.WithLabelValues("accepted").Inc()
	} else {
		m.ledgerTransfers.WithLabelValues("rejected").Inc()
	}
}

func (m *Metrics) Bundle(result string) {
	if m == nil {
		return
	}
	m.bundles.WithLabelValues(result).Inc()
}

func (m *Metrics) Evicted(n int, remainingBytes int64) {
	if m == nil {
		return
	}
	m.cacheEvictions.Add(float64(n))
	m.cacheBytes.Set(float64(remainingBytes))
}

func (m *Metrics) PoolWorkers(n int) {
	if m == nil {
		return
	}
	m.poolWorkers.Set(float64(n))
}

func (m *Metrics) ObserveTick(seconds float64) {
	if m == nil {
		return
	}
	m.tickSeconds.Observe(seconds)
}
