// Package metrics exports run statistics in the Prometheus text format,
// suitable for the node_exporter textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lvsnap"

// Run outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeInterrupted = "interrupted"
)

// RunStats summarises one finished run.
type RunStats struct {
	Outcome         string
	Duration        time.Duration
	FailedState     string
	CleanupFailures int
	FinishedAt      time.Time
}

// Registry holds the lvsnap collectors of one origin volume.
type Registry struct {
	reg *prometheus.Registry

	runs            *prometheus.CounterVec
	failures        *prometheus.CounterVec
	runDuration     prometheus.Histogram
	phaseDuration   *prometheus.HistogramVec
	cleanupFailures prometheus.Counter
	lastRun         *prometheus.GaugeVec
}

// NewRegistry creates the collectors, labelled with volume (vg/lv).
func NewRegistry(volume string) *Registry {
	labels := prometheus.Labels{"volume": volume}
	buckets := []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200, 14400}

	r := &Registry{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "runs_total",
			Help:        "Snapshot runs by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "failures_total",
			Help:        "Failed runs by the state that failed.",
			ConstLabels: labels,
		}, []string{"state"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "run_duration_seconds",
			Help:        "Wall time of a run from START to FINISH.",
			ConstLabels: labels,
			Buckets:     buckets,
		}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "phase_duration_seconds",
			Help:        "Time spent in each lifecycle state.",
			ConstLabels: labels,
			Buckets:     buckets,
		}, []string{"state"}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "cleanup_failures_total",
			Help:        "Cleanup steps that failed after an error.",
			ConstLabels: labels,
		}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_run_timestamp_seconds",
			Help:        "Unix time the last run of each outcome finished.",
			ConstLabels: labels,
		}, []string{"outcome"}),
	}
	r.reg.MustRegister(r.runs, r.failures, r.runDuration, r.phaseDuration, r.cleanupFailures, r.lastRun)
	return r
}

// ObservePhase records the time spent in state. Its signature matches
// the phase observer of the state machine.
func (r *Registry) ObservePhase(state string, elapsed time.Duration) {
	r.phaseDuration.WithLabelValues(state).Observe(elapsed.Seconds())
}

// RecordRun records a finished run.
func (r *Registry) RecordRun(stats RunStats) {
	r.runs.WithLabelValues(stats.Outcome).Inc()
	r.runDuration.Observe(stats.Duration.Seconds())
	if stats.FailedState != "" {
		r.failures.WithLabelValues(stats.FailedState).Inc()
	}
	r.cleanupFailures.Add(float64(stats.CleanupFailures))
	if !stats.FinishedAt.IsZero() {
		r.lastRun.WithLabelValues(stats.Outcome).Set(float64(stats.FinishedAt.Unix()))
	}
}

// Gatherer exposes the collectors.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// WriteTextfile writes every metric to path, replacing it atomically.
func (r *Registry) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create textfile dir: %w", err)
	}
	return prometheus.WriteToTextfile(path, r.reg)
}
