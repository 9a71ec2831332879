// Package metrics holds the campaign metrics. They are registered on a
// private registry and written once per campaign as a Prometheus textfile,
// suitable for the node-exporter textfile collector.
package metrics

import (
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Textfile is the name of the metrics file kept in every run directory.
const Textfile = "metrics.prom"

// Registry is the registry every campaign metric is registered on.
var Registry = prometheus.NewRegistry()

// Metrics describing one campaign run.
var (
	RunResults = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "perftest_run_results_total",
			Help: "Number of fixed-rate and ramp trial runs by outcome.",
		},
		[]string{"protocol", "direction", "result"},
	)
	Throughput = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perftest_throughput_mbps",
			Help:    "Throughput of valid fixed-rate runs in Mbps.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15),
		},
		[]string{"protocol", "direction"},
	)
	RampCeiling = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perftest_udp_ramp_ceiling_bps",
			Help: "Highest accepted rate of the adaptive UDP ramp, 0 if none was accepted.",
		},
		[]string{"test", "direction"},
	)
	PreflightRTT = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perftest_preflight_rtt_avg_ms",
			Help: "Average echo round-trip time measured before throughput tests.",
		},
		[]string{"test"},
	)
	PipelinesActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "perftest_pipelines_active",
			Help: "Number of test pipelines currently executing.",
		},
	)
	PipelinesCompleted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "perftest_pipelines_completed_total",
			Help: "Number of test pipelines that finished, by status.",
		},
		[]string{"status"},
	)
	TestsSkipped = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "perftest_tests_skipped_total",
			Help: "Number of test definitions skipped during resolution.",
		},
	)
	ProvisionResults = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "perftest_provision_results_total",
			Help: "Number of server provisioning decisions by path and result.",
		},
		[]string{"path", "result"},
	)
)

// WriteTextfile writes every campaign metric to runDir/metrics.prom.
func WriteTextfile(runDir string) (string, error) {
	path := filepath.Join(runDir, Textfile)
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return "", fmt.Errorf("failed to write metrics: %w", err)
	}
	return path, nil
}
