package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors shared across Forge components.
// A single instance is constructed in pkg/engine and injected, rather than
// registered through package-level globals, per Design Note on global
// singletons.
type Metrics struct {
	Registry *prometheus.Registry

	CascadeHops           prometheus.Counter
	CascadeChainsActive   prometheus.Gauge
	CascadeErrors         *prometheus.CounterVec
	CacheHits             prometheus.Counter
	CacheMisses           prometheus.Counter
	CacheEvictions        prometheus.Counter
	CacheRejectedTooLarge prometheus.Counter
	PartitionUtilization  *prometheus.GaugeVec
	FederationPushTotal   *prometheus.CounterVec
	FederationPeerHealth  *prometheus.GaugeVec
}

// NewMetrics constructs and registers all collectors against a fresh
// registry. main.go serves the returned Registry at /metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		CascadeHops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forge", Subsystem: "cascade", Name: "hops_total",
			Help: "Total cascade hops processed across all chains.",
		}),
		CascadeChainsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "forge", Subsystem: "cascade", Name: "chains_active",
			Help: "Number of cascade chains currently in ACTIVE state.",
		}),
		CascadeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge", Subsystem: "cascade", Name: "errors_total",
			Help: "Cascade errors by kind.",
		}, []string{"kind"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forge", Subsystem: "cache", Name: "hits_total",
			Help: "Query cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forge", Subsystem: "cache", Name: "misses_total",
			Help: "Query cache misses.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forge", Subsystem: "cache", Name: "evictions_total",
			Help: "Entries evicted from the query cache due to size pressure.",
		}),
		CacheRejectedTooLarge: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forge", Subsystem: "cache", Name: "rejected_too_large_total",
			Help: "Computed values rejected for exceeding max_cached_result_bytes.",
		}),
		PartitionUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "forge", Subsystem: "partition", Name: "utilization_percent",
			Help: "Utilization percentage per partition.",
		}, []string{"partition_id"}),
		FederationPushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge", Subsystem: "federation", Name: "push_total",
			Help: "Federation sync pushes by peer and outcome.",
		}, []string{"peer_id", "outcome"}),
		FederationPeerHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "forge", Subsystem: "federation", Name: "peer_health",
			Help: "Peer health as a numeric code (0=offline,1=degraded,2=active).",
		}, []string{"peer_id"}),
	}

	reg.MustRegister(
		m.CascadeHops, m.CascadeChainsActive, m.CascadeErrors,
		m.CacheHits, m.CacheMisses, m.CacheEvictions, m.CacheRejectedTooLarge,
		m.PartitionUtilization, m.FederationPushTotal, m.FederationPeerHealth,
	)

	return m
}
