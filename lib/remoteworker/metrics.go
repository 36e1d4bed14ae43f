package remoteworker

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	placementLocal    = "local"
	placementRemote   = "remote"
	placementAcquired = "acquired"
	placementFailed   = "failed"
)

var (
	placementCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataflow",
			Subsystem: "remote_worker",
			Name:      "placements_total",
			Help:      "Number of finished placements, by result.",
		}, []string{"result"})
	placementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dataflow",
			Subsystem: "remote_worker",
			Name:      "placement_duration_seconds",
			Help:      "Time from Launch to the worker being sent to a host or failing.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		})
	registeredHostsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dataflow",
			Subsystem: "remote_worker",
			Name:      "registered_hosts",
			Help:      "Number of registered non-local hosts.",
		})
	keepAliveRejectedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dataflow",
			Subsystem: "remote_worker",
			Name:      "keep_alive_rejected_total",
			Help:      "Number of matching hosts skipped because they were shutting down.",
		})
)

// InitMetrics registers the placement metrics.
func InitMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(placementCounter, placementDuration, registeredHostsGauge, keepAliveRejectedCounter)
}
