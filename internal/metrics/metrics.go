// Package metrics exposes the executor and job-queue prometheus gauges
// an operator scrapes alongside logs.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WorkersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "physback",
		Subsystem: "executor",
		Name:      "workers_active",
		Help:      "Number of worker connections currently processing a job.",
	})

	WorkersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "physback",
		Subsystem: "executor",
		Name:      "workers_total",
		Help:      "Number of worker connections in the pool.",
	})

	JobsQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "physback",
		Subsystem: "executor",
		Name:      "jobs_queued",
		Help:      "Number of jobs waiting to be dispatched.",
	})

	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "physback",
		Subsystem: "executor",
		Name:      "jobs_completed_total",
		Help:      "Number of jobs that completed, successfully or not.",
	})

	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "physback",
		Subsystem: "executor",
		Name:      "jobs_failed_total",
		Help:      "Number of jobs whose final attempt returned an error.",
	})

	BytesTransferred = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "physback",
		Subsystem: "repository",
		Name:      "bytes_transferred_total",
		Help:      "Source bytes read by file-backup and file-restore jobs.",
	})
)

// Registry bundles the package's collectors for cmd/physback to
// register once at startup.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(WorkersActive, WorkersTotal, JobsQueued, JobsCompleted, JobsFailed, BytesTransferred)
	return r
}
