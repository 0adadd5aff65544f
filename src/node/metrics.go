package node

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the node's instrumentation. Each node carries its own
// registry so that several nodes can live in one process.
type metrics struct {
	registry *prometheus.Registry

	height          prometheus.Gauge
	blocksCommitted prometheus.Counter
	viewChanges     prometheus.Counter
	equivocations   prometheus.Gauge
	commitLatency   prometheus.Histogram
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "provchain",
			Name:      "ledger_height",
			Help:      "Index of the latest committed block.",
		}),
		blocksCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "provchain",
			Name:      "blocks_committed_total",
			Help:      "Number of blocks committed since start.",
		}),
		viewChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "provchain",
			Name:      "view_changes_total",
			Help:      "Number of round deadline expirations that rotated the leader.",
		}),
		equivocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "provchain",
			Name:      "equivocations",
			Help:      "Number of equivocation records collected by the audit.",
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "provchain",
			Name:      "commit_latency_seconds",
			Help:      "Time from proposal receipt to durable commit.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}

	m.registry.MustRegister(
		m.height,
		m.blocksCommitted,
		m.viewChanges,
		m.equivocations,
		m.commitLatency,
	)

	return m
}
