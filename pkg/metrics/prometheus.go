package metrics

import (
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cai-cerberus/bootseq/pkg/errors"
)

const namespace = "bootseq"

// PrometheusCollector keeps metrics in a private registry and writes them to a
// node_exporter textfile on Flush.
type PrometheusCollector struct {
	stageDuration    *prometheus.HistogramVec
	starts           *prometheus.CounterVec
	startDuration    *prometheus.HistogramVec
	probes           *prometheus.CounterVec
	teardowns        *prometheus.CounterVec
	teardownDuration *prometheus.HistogramVec
	artifacts        *prometheus.CounterVec
	lastRun          prometheus.Gauge

	registry *prometheus.Registry
	file     string
}

// NewPrometheusCollector creates a collector exporting to file. An empty file
// keeps metrics in memory only.
func NewPrometheusCollector(file string) *PrometheusCollector {
	pc := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		file:     file,
	}

	pc.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of sequencer stages",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage", "status"},
	)
	pc.starts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_starts_total",
			Help:      "Service start attempts by outcome",
		},
		[]string{"service", "outcome"},
	)
	pc.startDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "service_start_duration_seconds",
			Help:      "Time from launch until the service was ready or gave up",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"service"},
	)
	pc.probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_results_total",
			Help:      "Readiness probe runs by outcome",
		},
		[]string{"service", "outcome"},
	)
	pc.teardowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_teardowns_total",
			Help:      "Service stops by outcome",
		},
		[]string{"service", "outcome"},
	)
	pc.teardownDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "service_teardown_duration_seconds",
			Help:      "Time taken to stop a service",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)
	pc.artifacts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_checks_total",
			Help:      "Artifact checks by result",
		},
		[]string{"artifact", "result"},
	)
	pc.lastRun = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last flush",
		},
	)

	pc.registry.MustRegister(
		pc.stageDuration,
		pc.starts,
		pc.startDuration,
		pc.probes,
		pc.teardowns,
		pc.teardownDuration,
		pc.artifacts,
		pc.lastRun,
	)
	return pc
}

func (pc *PrometheusCollector) StageDuration(stage string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	pc.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) StartOutcome(service string, outcome string, duration time.Duration) {
	pc.starts.WithLabelValues(service, outcome).Inc()
	pc.startDuration.WithLabelValues(service).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) ProbeOutcome(service string, outcome string) {
	pc.probes.WithLabelValues(service, outcome).Inc()
}

func (pc *PrometheusCollector) TeardownOutcome(service string, outcome string, duration time.Duration) {
	pc.teardowns.WithLabelValues(service, outcome).Inc()
	pc.teardownDuration.WithLabelValues(service).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) ArtifactWritten(artifact string, written bool) {
	result := "unchanged"
	if written {
		result = "written"
	}
	pc.artifacts.WithLabelValues(artifact, result).Inc()
}

// Flush writes the registry to the textfile, atomically as WriteToTextfile does.
func (pc *PrometheusCollector) Flush() error {
	if pc.file == "" {
		return nil
	}
	pc.lastRun.SetToCurrentTime()
	if err := os.MkdirAll(filepath.Dir(pc.file), 0o755); err != nil {
		return errors.NewIOError("failed to create metrics directory", err).WithContext("path", pc.file)
	}
	if err := prometheus.WriteToTextfile(pc.file, pc.registry); err != nil {
		return errors.NewIOError("failed to write metrics file", err).WithContext("path", pc.file)
	}
	return nil
}

// Registry returns the underlying registry.
func (pc *PrometheusCollector) Registry() *prometheus.Registry {
	return pc.registry
}

// NewCollector returns a Prometheus collector exporting to file, or a noop
// collector when file is empty.
func NewCollector(file string) Collector {
	if file == "" {
		return NewNoopCollector()
	}
	return NewPrometheusCollector(file)
}
