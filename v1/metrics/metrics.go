package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RequestCounter tracks transport requests by method and outcome
	// ("success", "failure" or "error" for requests without a response).
	RequestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rcache_requests_total",
		Help: "Total number of requests dispatched by the transport",
	}, []string{"method", "outcome"})
	// RequestLatency observes the round-trip time of transport requests.
	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rcache_request_duration_seconds",
		Help:    "Latency of transport requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	// WatcherGauge reports the number of active event watchers.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rcache_watchers",
		Help: "Current number of active event watchers",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the process-wide collectors on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(RequestCounter, RequestLatency, WatcherGauge)
}
