// Package metrics provides Prometheus metrics for headless-launcher.
//
// The launcher has no network surface, so metrics are never served over HTTP.
// They live in a private registry and are written to a node_exporter
// textfile-collector file when one is configured.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-headless-launcher/internal/stage"
)

const namespace = "headless_launcher"

// Collector records one launcher run.
type Collector struct {
	registry *prometheus.Registry

	info              *prometheus.GaugeVec
	startTime         prometheus.Gauge
	stageDuration     *prometheus.GaugeVec
	stageOutcome      *prometheus.GaugeVec
	readinessWait     *prometheus.GaugeVec
	reapedTotal       *prometheus.CounterVec
	serviceExitCode   prometheus.Gauge
	serviceUptime     prometheus.Gauge
	daemonOutputError *prometheus.GaugeVec

	mu      sync.Mutex
	results []stage.Result
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version string
	RunID   string
}

// NewCollector creates a collector with its own registry.
func NewCollector(cfg CollectorConfig) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		info: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "info",
				Help:      "Information about the launcher run (value always 1)",
			},
			[]string{"version", "run_id"},
		),
		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "start_time_seconds",
				Help:      "Unix time the launcher started",
			},
		),
		stageDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each startup stage",
			},
			[]string{"stage"},
		),
		stageOutcome: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stage_outcome",
				Help:      "1 for the outcome each stage reported, 0 for the others",
			},
			[]string{"stage", "outcome"},
		),
		readinessWait: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "readiness_wait_seconds",
				Help:      "Time spent waiting for a dependency to become ready",
			},
			[]string{"probe"},
		),
		reapedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reaped_processes_total",
				Help:      "Stale processes terminated, by the signal that ended them",
			},
			[]string{"signal"},
		),
		serviceExitCode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_exit_code",
				Help:      "Exit status of the web service (-1 while running)",
			},
		),
		serviceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_uptime_seconds",
				Help:      "How long the web service ran",
			},
		),
		daemonOutputError: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "daemon_error_lines",
				Help:      "Output lines matching known failure patterns, per daemon",
			},
			[]string{"daemon"},
		),
	}

	c.registry.MustRegister(
		c.info,
		c.startTime,
		c.stageDuration,
		c.stageOutcome,
		c.readinessWait,
		c.reapedTotal,
		c.serviceExitCode,
		c.serviceUptime,
		c.daemonOutputError,
	)

	c.info.WithLabelValues(cfg.Version, cfg.RunID).Set(1)
	c.startTime.Set(float64(time.Now().Unix()))
	c.serviceExitCode.Set(-1)
	// Present from the first write so rate() has a zero baseline.
	c.reapedTotal.WithLabelValues("SIGTERM")
	c.reapedTotal.WithLabelValues("SIGKILL")

	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordStage records a stage result.
func (c *Collector) RecordStage(res stage.Result) {
	c.stageDuration.WithLabelValues(res.Stage).Set(res.Duration.Seconds())
	for _, o := range stage.Outcomes {
		v := 0.0
		if o == res.Outcome {
			v = 1
		}
		c.stageOutcome.WithLabelValues(res.Stage, o.String()).Set(v)
	}

	c.mu.Lock()
	c.results = append(c.results, res)
	c.mu.Unlock()
}

// RecordReadiness records how long a readiness wait took.
func (c *Collector) RecordReadiness(probe string, waited time.Duration) {
	c.readinessWait.WithLabelValues(probe).Set(waited.Seconds())
}

// RecordReaped adds terminated and killed process counts.
func (c *Collector) RecordReaped(terminated, killed int) {
	c.reapedTotal.WithLabelValues("SIGTERM").Add(float64(terminated))
	c.reapedTotal.WithLabelValues("SIGKILL").Add(float64(killed))
}

// RecordDaemonErrors records how many failure-pattern lines a daemon printed.
func (c *Collector) RecordDaemonErrors(daemon string, lines int) {
	c.daemonOutputError.WithLabelValues(daemon).Set(float64(lines))
}

// RecordServiceExit records the service's exit status and runtime.
func (c *Collector) RecordServiceExit(exitCode int, uptime time.Duration) {
	c.serviceExitCode.Set(float64(exitCode))
	c.serviceUptime.Set(uptime.Seconds())
}

// Results returns the recorded stage results in order.
func (c *Collector) Results() []stage.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stage.Result(nil), c.results...)
}

// Summary counts recorded stages by outcome name.
func (c *Collector) Summary() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int)
	for _, r := range c.results {
		out[r.Outcome.String()]++
	}
	return out
}

// ExitCategory classifies a service exit code for logs. Codes over 128 are signal deaths.
func ExitCategory(code int) string {
	switch {
	case code == 0:
		return "success"
	case code > 128:
		return "signal_" + strconv.Itoa(code-128)
	default:
		return "error"
	}
}
