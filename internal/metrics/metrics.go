// ============================================================================
// Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collects and exposes orchestration metrics for Prometheus.
//
// Metric families:
//
//   Counters (cumulative):
//     - dpo_runs_admitted_total    admitted submissions
//     - dpo_runs_completed_total   runs finished successfully
//     - dpo_runs_failed_total      runs failed (errors and timeouts)
//     - dpo_runs_cancelled_total   runs cancelled by callers
//     - dpo_auth_failures_total    rejected signatures/claims
//     - dpo_rate_limited_total     submissions rejected at the limiter
//
//   Histogram:
//     - dpo_run_duration_seconds   wall time of training executions
//
//   Gauges (instantaneous):
//     - dpo_runs_queued            runs waiting for a worker slot
//     - dpo_runs_active            runs currently executing
//
// Exposed on a dedicated port via promhttp, scraped by Prometheus.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the service's Prometheus metrics.
type Collector struct {
	runsAdmitted  prometheus.Counter
	runsCompleted prometheus.Counter
	runsFailed    prometheus.Counter
	runsCancelled prometheus.Counter
	authFailures  prometheus.Counter
	rateLimited   prometheus.Counter

	runDuration prometheus.Histogram

	runsQueued prometheus.Gauge
	runsActive prometheus.Gauge
}

// NewCollector creates and registers the collector on reg. Passing a
// fresh registry keeps tests independent; the CLI passes the default
// registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dpo_runs_admitted_total",
			Help: "Total number of fine-tune runs admitted",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dpo_runs_completed_total",
			Help: "Total number of runs completed successfully",
		}),
		runsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dpo_runs_failed_total",
			Help: "Total number of runs that failed or timed out",
		}),
		runsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dpo_runs_cancelled_total",
			Help: "Total number of runs cancelled",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dpo_auth_failures_total",
			Help: "Total number of requests rejected for bad signatures or claims",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dpo_rate_limited_total",
			Help: "Total number of submissions rejected by rate or concurrency limits",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dpo_run_duration_seconds",
			Help:    "Training execution wall time in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s .. ~2.3h
		}),
		runsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dpo_runs_queued",
			Help: "Current number of runs waiting for a worker slot",
		}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dpo_runs_active",
			Help: "Current number of runs executing",
		}),
	}

	reg.MustRegister(
		c.runsAdmitted,
		c.runsCompleted,
		c.runsFailed,
		c.runsCancelled,
		c.authFailures,
		c.rateLimited,
		c.runDuration,
		c.runsQueued,
		c.runsActive,
	)

	return c
}

// NewNopCollector returns a collector registered nowhere, for tests
// and callers that do not scrape.
func NewNopCollector() *Collector {
	return NewCollector(prometheus.NewRegistry())
}

func (c *Collector) RecordAdmitted()    { c.runsAdmitted.Inc() }
func (c *Collector) RecordCancelled()   { c.runsCancelled.Inc() }
func (c *Collector) RecordAuthFailure() { c.authFailures.Inc() }
func (c *Collector) RecordRateLimited() { c.rateLimited.Inc() }

// RecordCompleted records a successful run and its duration.
func (c *Collector) RecordCompleted(seconds float64) {
	c.runsCompleted.Inc()
	c.runDuration.Observe(seconds)
}

// RecordFailed records a failed run and its duration.
func (c *Collector) RecordFailed(seconds float64) {
	c.runsFailed.Inc()
	c.runDuration.Observe(seconds)
}

// UpdateQueueStats refreshes the queue/active gauges.
func (c *Collector) UpdateQueueStats(queued, active int) {
	c.runsQueued.Set(float64(queued))
	c.runsActive.Set(float64(active))
}

// Serve exposes /metrics on the given port. Blocks; run in its own
// goroutine.
func Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
