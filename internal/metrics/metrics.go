// Package metrics exposes the runtime's read-only observable surface as
// Prometheus collectors: a struct of named collectors registered
// against a prometheus.Registry at construction time. Every collector
// is a GaugeFunc/CounterFunc that reads a source-of-truth atomic
// counter on scrape rather than being written to directly — the
// internal atomic counters remain the source of truth, and Prometheus
// collectors only ever read them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/DrunkOnJava/citygame-hmr/internal/buildopt"
	"github.com/DrunkOnJava/citygame-hmr/internal/runtime"
	"github.com/DrunkOnJava/citygame-hmr/internal/sla"
	"github.com/DrunkOnJava/citygame-hmr/internal/watcher"
)

// Sources bundles the subsystems metrics reads counters from.
type Sources struct {
	Optimizer  *buildopt.Optimizer
	Dispatcher *runtime.Dispatcher
	Watcher    *watcher.Watcher
	SLA        *sla.Monitor
}

// Register builds the full set of hmr_* collectors over src and adds
// them to reg. Each collector is a closure over a live subsystem
// pointer, so registration happens once at startup and every scrape
// reflects current counter values.
func Register(reg *prometheus.Registry, src Sources) {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hmr_build_total_active",
			Help: "Number of build jobs currently in flight.",
		}, func() float64 { return float64(src.Optimizer.ActiveBuilds()) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hmr_cache_hit_ratio",
			Help: "Build cache hit rate as a percentage.",
		}, func() float64 { return src.Optimizer.CacheStats().HitRatePercent }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hmr_cache_entries",
			Help: "Number of entries currently held in the build cache.",
		}, func() float64 { return float64(src.Optimizer.CacheStats().Entries) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hmr_cache_hits_total",
			Help: "Total build-cache lookups that were served from cache.",
		}, func() float64 { return float64(src.Optimizer.CacheStats().Hits) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hmr_cache_misses_total",
			Help: "Total build-cache lookups that required a rebuild.",
		}, func() float64 { return float64(src.Optimizer.CacheStats().Misses) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hmr_cache_collisions_total",
			Help: "Cache updates rejected for colliding on an output path already owned by a different source.",
		}, func() float64 { return float64(src.Optimizer.CacheStats().Collisions) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hmr_watcher_batches_processed",
			Help: "Total change batches delivered to the build optimizer.",
		}, func() float64 { return float64(src.Watcher.Stats().BatchesProcessed) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hmr_watcher_events_excluded",
			Help: "Total filesystem events dropped by an exclude filter rule.",
		}, func() float64 { return float64(src.Watcher.Stats().ExcludedCount) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hmr_watcher_events_critical",
			Help: "Total events delivered via the critical-priority bypass.",
		}, func() float64 { return float64(src.Watcher.Stats().CriticalCount) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hmr_watcher_batches_dropped",
			Help: "Total ready batches dropped by batch-queue overflow.",
		}, func() float64 { return float64(src.Watcher.Stats().DroppedBatches) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hmr_dispatcher_reloads_total",
			Help: "Total successful module swaps performed by the dispatcher.",
		}, func() float64 { return float64(src.Dispatcher.GetMetrics().TotalReloads) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hmr_dispatcher_reloads_failed_total",
			Help: "Total module swaps whose callback returned an error.",
		}, func() float64 { return float64(src.Dispatcher.GetMetrics().FailedReloads) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hmr_dispatcher_checks_total",
			Help: "Total CheckReloads invocations that were not skipped by the check interval.",
		}, func() float64 { return float64(src.Dispatcher.GetMetrics().TotalChecks) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hmr_dispatcher_overhead_ns_total",
			Help: "Cumulative time spent draining reloads inside CheckReloads, in nanoseconds.",
		}, func() float64 { return float64(src.Dispatcher.GetMetrics().HMROverheadNs) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hmr_dispatcher_frame_ns_avg",
			Help: "Rolling average frame duration in nanoseconds.",
		}, func() float64 { return float64(src.Dispatcher.GetMetrics().AvgFrameNs) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hmr_dispatcher_frame_ns_peak",
			Help: "Peak observed frame duration in nanoseconds over the rolling window.",
		}, func() float64 { return float64(src.Dispatcher.GetMetrics().PeakFrameNs) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hmr_dispatcher_reload_queue_len",
			Help: "Pending reload requests waiting to be drained.",
		}, func() float64 { return float64(src.Dispatcher.QueueLen()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hmr_dispatcher_reload_queue_dropped_total",
			Help: "Reload requests dropped by ring-buffer overflow.",
		}, func() float64 { return float64(src.Dispatcher.DroppedReloads()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hmr_sla_evaluations_total",
			Help: "Total SLA measurements evaluated against an active contract.",
		}, func() float64 { return float64(src.SLA.GetPerformanceCounters().TotalEvaluations) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hmr_sla_violations_total",
			Help: "Total SLA violations recorded across all contracts.",
		}, func() float64 { return float64(src.SLA.GetPerformanceCounters().ViolationsDetected) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hmr_sla_remediations_total",
			Help: "Total remediation handlers that completed successfully.",
		}, func() float64 { return float64(src.SLA.GetPerformanceCounters().RemediationsExecuted) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hmr_sla_peak_evaluation_ns",
			Help: "Peak time spent evaluating a single measurement, in nanoseconds.",
		}, func() float64 { return float64(src.SLA.GetPerformanceCounters().PeakEvaluationNs) }),
	}

	for _, c := range collectors {
		reg.MustRegister(c)
	}
}
