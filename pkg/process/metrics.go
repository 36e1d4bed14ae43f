package process

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	processSpawnedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataflow",
			Subsystem: "process_pool",
			Name:      "spawned_total",
			Help:      "Number of processes spawned, by remote type.",
		}, []string{"remote_type"})
	processReusedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataflow",
			Subsystem: "process_pool",
			Name:      "reused_total",
			Help:      "Number of process requests served by a running process.",
		}, []string{"remote_type"})
	processExitedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataflow",
			Subsystem: "process_pool",
			Name:      "exited_total",
			Help:      "Number of processes shut down, by reason.",
		}, []string{"reason"})
)

// InitMetrics registers the process pool metrics.
func InitMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(processSpawnedCounter, processReusedCounter, processExitedCounter)
}
