// ============================================================================
// EDF-Supervisor Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collects and exposes the supervisory subsystems' runtime metrics
//
// Metric inventory:
//
//   Counters (cumulative):
//     - edf_priority_updates_total: full ranking applications
//     - failover_success_total{unit}: on-time primary completions
//     - failover_backup_activations_total{unit}: backup cycles executed
//     - failover_deadline_misses_total{unit}: cycles finishing past deadline
//     - watchdog_heartbeats_total{worker}: liveness signals sent
//     - watchdog_windows_total{result}: receive windows, by hit/timeout
//     - watchdog_restarts_total{worker}: destroy+recreate cycles
//
//   Gauges (instantaneous):
//     - edf_job_priority{job}: last applied priority level
//     - watchdog_consecutive_misses{worker}: current miss counter
//
//   Histograms:
//     - failover_primary_duration_seconds{unit}: simulated work duration
//
// All Record* methods are nil-receiver safe so subsystems can run without a
// collector (metrics disabled in config).
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every instrument exposed on /metrics.
type Collector struct {
	priorityUpdates prometheus.Counter
	jobPriority     *prometheus.GaugeVec

	successes         *prometheus.CounterVec
	backupActivations *prometheus.CounterVec
	deadlineMisses    *prometheus.CounterVec
	primaryDuration   *prometheus.HistogramVec

	heartbeats        *prometheus.CounterVec
	windows           *prometheus.CounterVec
	restarts          *prometheus.CounterVec
	consecutiveMisses *prometheus.GaugeVec
}

// NewCollector creates and registers the collector. A nil registerer falls
// back to the process-default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		priorityUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edf_priority_updates_total",
			Help: "Total number of EDF priority ranking applications",
		}),
		jobPriority: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edf_job_priority",
			Help: "Last priority level applied to a job",
		}, []string{"job"}),
		successes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "failover_success_total",
			Help: "Total number of on-time primary completions",
		}, []string{"unit"}),
		backupActivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "failover_backup_activations_total",
			Help: "Total number of backup activations after a failed primary cycle",
		}, []string{"unit"}),
		deadlineMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "failover_deadline_misses_total",
			Help: "Total number of primary cycles finishing past their deadline",
		}, []string{"unit"}),
		primaryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "failover_primary_duration_seconds",
			Help:    "Primary simulated work duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"unit"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchdog_heartbeats_total",
			Help: "Total number of liveness signals sent by workers",
		}, []string{"worker"}),
		windows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchdog_windows_total",
			Help: "Total number of supervisor receive windows, by result",
		}, []string{"result"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchdog_restarts_total",
			Help: "Total number of worker restarts after missed heartbeats",
		}, []string{"worker"}),
		consecutiveMisses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "watchdog_consecutive_misses",
			Help: "Current consecutive missed-heartbeat count per worker",
		}, []string{"worker"}),
	}

	reg.MustRegister(
		c.priorityUpdates,
		c.jobPriority,
		c.successes,
		c.backupActivations,
		c.deadlineMisses,
		c.primaryDuration,
		c.heartbeats,
		c.windows,
		c.restarts,
		c.consecutiveMisses,
	)

	return c
}

// RecordPriorityUpdate counts one full ranking application.
func (c *Collector) RecordPriorityUpdate() {
	if c == nil {
		return
	}
	c.priorityUpdates.Inc()
}

// SetJobPriority records the priority level just applied to a job.
func (c *Collector) SetJobPriority(job string, priority int) {
	if c == nil {
		return
	}
	c.jobPriority.WithLabelValues(job).Set(float64(priority))
}

// RecordSuccess counts an on-time primary completion.
func (c *Collector) RecordSuccess(unit string) {
	if c == nil {
		return
	}
	c.successes.WithLabelValues(unit).Inc()
}

// RecordBackupActivation counts a backup cycle execution.
func (c *Collector) RecordBackupActivation(unit string) {
	if c == nil {
		return
	}
	c.backupActivations.WithLabelValues(unit).Inc()
}

// RecordDeadlineMiss counts a cycle finishing past its deadline.
func (c *Collector) RecordDeadlineMiss(unit string) {
	if c == nil {
		return
	}
	c.deadlineMisses.WithLabelValues(unit).Inc()
}

// ObservePrimaryDuration records the primary's simulated work duration.
func (c *Collector) ObservePrimaryDuration(unit string, seconds float64) {
	if c == nil {
		return
	}
	c.primaryDuration.WithLabelValues(unit).Observe(seconds)
}

// RecordHeartbeat counts a liveness signal sent by a worker.
func (c *Collector) RecordHeartbeat(worker string) {
	if c == nil {
		return
	}
	c.heartbeats.WithLabelValues(worker).Inc()
}

// RecordWindow counts one supervisor receive window.
func (c *Collector) RecordWindow(received bool) {
	if c == nil {
		return
	}
	result := "timeout"
	if received {
		result = "hit"
	}
	c.windows.WithLabelValues(result).Inc()
}

// RecordRestart counts a worker destroy+recreate cycle.
func (c *Collector) RecordRestart(worker string) {
	if c == nil {
		return
	}
	c.restarts.WithLabelValues(worker).Inc()
}

// SetConsecutiveMisses records a worker's current miss counter.
func (c *Collector) SetConsecutiveMisses(worker string, misses int) {
	if c == nil {
		return
	}
	c.consecutiveMisses.WithLabelValues(worker).Set(float64(misses))
}

// StartServer exposes /metrics for g on the given port. Blocks. A nil
// gatherer falls back to the process-default registry. The server uses its
// own mux so repeated starts never collide on handler registration.
func StartServer(port int, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
