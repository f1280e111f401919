// Package metrics holds the Prometheus collectors for termfleet.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "termfleet"

// Provisioning metrics.
var (
	// ProvisionsTotal counts synchronous provisioning calls by status.
	ProvisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisions_total",
			Help:      "Total provisioning requests",
		},
		[]string{"status"},
	)

	// ProvisionDuration measures the synchronous phase in seconds.
	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_duration_seconds",
			Help:      "Duration of the synchronous provisioning phase in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	// AutomationRunsTotal counts background automation tasks by kind and outcome.
	AutomationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_runs_total",
			Help:      "Total background automation runs",
		},
		[]string{"kind", "status"},
	)
)

// Port and container metrics.
var (
	// PortSamples observes how many random draws an allocation needed.
	PortSamples = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "port_allocation_samples",
			Help:      "Random samples drawn per port allocation",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		},
	)

	// ActiveContainers is the number of tracked containers at the last live-state read.
	ActiveContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_containers",
			Help:      "Running containers with a published host port",
		},
	)

	// StopsTotal counts stop requests by status.
	StopsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "container_stops_total",
			Help:      "Total container stop requests",
		},
		[]string{"status"},
	)

	// RuntimeErrorsTotal counts normalized runtime errors by kind.
	RuntimeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_errors_total",
			Help:      "Container runtime errors by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		ProvisionsTotal,
		ProvisionDuration,
		AutomationRunsTotal,
		PortSamples,
		ActiveContainers,
		StopsTotal,
		RuntimeErrorsTotal,
	)
}
