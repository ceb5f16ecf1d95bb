// Package metrics exposes JobServ's Prometheus gauges and counters
// (queue depth, dispatch outcomes, surge state, worker online count),
// grounded on the teacher's internal/controller/metrics package: one
// promauto-registered collector per var block, incremented directly
// from the component that owns the event rather than through a facade.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth is the number of QUEUED runs per host tag, refreshed by
	// the monitor's queue-check sweep (spec.md §4.6).
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobserv_queue_depth",
			Help: "Number of QUEUED runs per host tag",
		},
		[]string{"tag"},
	)

	// SurgeActive is 1 while a tag is under surge, 0 otherwise (spec.md §4.6).
	SurgeActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobserv_surge_active",
			Help: "1 while the given host tag is under surge",
		},
		[]string{"tag"},
	)

	// WorkersOnline is the count of enlisted workers currently online.
	WorkersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobserv_workers_online",
			Help: "Count of enlisted, online workers",
		},
	)

	// DispatchTotal counts successful dispatches by host tag.
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobserv_dispatch_total",
			Help: "Total successful run dispatches by host tag",
		},
		[]string{"tag"},
	)

	// DispatchSkipped counts check-ins that yielded no assignment,
	// broken down by the precondition that stopped dispatch (spec.md
	// §4.4 preconditions, §8 "Boundary behaviors").
	DispatchSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobserv_dispatch_skipped_total",
			Help: "Total check-ins that yielded no assignment, by reason",
		},
		[]string{"reason"},
	)

	// DispatchLatencySeconds observes the wall-clock time Dispatcher.Dispatch
	// spends from claiming a run (PopQueuedForWorker) through serving it.
	DispatchLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobserv_dispatch_latency_seconds",
			Help:    "Latency of the dispatcher's claim-and-serve critical section",
			Buckets: prometheus.DefBuckets,
		},
	)

	// MonitorSweepTotal counts each background-monitor sweep run, by name
	// and outcome (spec.md §4.6).
	MonitorSweepTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobserv_monitor_sweep_total",
			Help: "Total background monitor sweeps run, by sweep name",
		},
		[]string{"sweep"},
	)

	// RunsReclaimedTotal counts runs reclaimed by the ack-timeout sweep.
	RunsReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobserv_runs_reclaimed_total",
			Help: "Total runs requeued by the unacknowledged-assignment sweep",
		},
	)

	// RunsStuckTotal counts runs force-failed by the stuck-run sweep.
	RunsStuckTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobserv_runs_stuck_total",
			Help: "Total runs forced to FAILED by the stuck-run safety net",
		},
	)
)
