// Package metrics exposes the counters and histograms named in the external
// interfaces section: akri_instance_count, akri_discovery_response_time,
// akri_discovery_response_result, akri_broker_pod_count, served over
// GET /metrics on :8080 via promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps a dedicated prometheus.Registry (rather than the global
// DefaultRegisterer) so the Agent and Controller can each own an isolated
// metric namespace and be unit-tested without collisions.
type Registry struct {
	reg *prometheus.Registry

	instanceCount           *prometheus.GaugeVec
	discoveryResponseTime   *prometheus.HistogramVec
	discoveryResponseResult *prometheus.CounterVec
	brokerPodCount          *prometheus.GaugeVec
}

// New constructs and registers all Akri metric families.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		instanceCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "akri_instance_count",
			Help: "Number of Instances currently tracked, by configuration and sharing mode.",
		}, []string{"configuration", "is_shared"}),
		discoveryResponseTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "akri_discovery_response_time",
			Help:    "Time between successive DiscoverResponse messages for a Configuration.",
			Buckets: []float64{0.25, 0.5, 1, 1.5, 2, 3, 5, 10, 60},
		}, []string{"configuration"}),
		discoveryResponseResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "akri_discovery_response_result",
			Help: "Outcome of each discovery-operator selection/stream attempt.",
		}, []string{"discovery_handler_name", "result"}),
		brokerPodCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "akri_broker_pod_count",
			Help: "Number of broker Pods deployed, by configuration and node.",
		}, []string{"configuration", "node"}),
	}
	r.reg.MustRegister(
		r.instanceCount,
		r.discoveryResponseTime,
		r.discoveryResponseResult,
		r.brokerPodCount,
	)
	return r
}

// InstanceCount sets the current Instance count for (configuration, shared).
func (r *Registry) InstanceCount(configuration string, shared bool, count float64) {
	r.instanceCount.WithLabelValues(configuration, boolLabel(shared)).Set(count)
}

// DiscoveryResponseTime observes the elapsed seconds since the previous
// DiscoverResponse for configuration.
func (r *Registry) DiscoveryResponseTime(configuration string, seconds float64) {
	r.discoveryResponseTime.WithLabelValues(configuration).Observe(seconds)
}

// Discovery response result labels.
const (
	ResultNoHandler = "no_handler"
	ResultError     = "error"
	ResultOK        = "ok"
)

// DiscoveryResponseResult increments the outcome counter for a single
// selection/stream attempt.
func (r *Registry) DiscoveryResponseResult(handlerName, result string) {
	r.discoveryResponseResult.WithLabelValues(handlerName, result).Inc()
}

// BrokerPodCount sets the current broker Pod count for (configuration, node).
func (r *Registry) BrokerPodCount(configuration, node string, count float64) {
	r.brokerPodCount.WithLabelValues(configuration, node).Set(count)
}

// Handler returns the http.Handler to serve at GET /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
