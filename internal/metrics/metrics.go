// Package metrics exposes flow run results as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vaultsandbox/resetcheck/resetflow"
)

const namespace = "resetcheck"

// Run results used as the result label.
const (
	ResultPassed = "passed"
	ResultFailed = "failed"
	ResultError  = "error"
)

// Metrics holds the collectors. It implements resetflow.Observer.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	CheckFailures *prometheus.CounterVec
	EmailWait     *prometheus.HistogramVec
	LastSuccess   *prometheus.GaugeVec
}

var _ resetflow.Observer = (*Metrics)(nil)

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Flow runs by result (passed, failed or error).",
		}, []string{"flow", "result"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a whole flow run.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
		}, []string{"flow"}),
		CheckFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_failures_total",
			Help:      "Failed checks by flow and check name.",
		}, []string{"flow", "check"}),
		EmailWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "email_wait_seconds",
			Help:      "Time from trigger to arrival of the reset email.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		}, []string{"flow"}),
		LastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last passing run.",
		}, []string{"flow"}),
	}
}

// ObserveRun records report.
func (m *Metrics) ObserveRun(report *resetflow.Report) {
	result := ResultFailed
	switch {
	case report.Error != "":
		result = ResultError
	case report.Passed:
		result = ResultPassed
		m.LastSuccess.WithLabelValues(report.Flow).Set(float64(report.Started.Add(report.Duration).Unix()))
	}
	m.RunsTotal.WithLabelValues(report.Flow, result).Inc()
	m.RunDuration.WithLabelValues(report.Flow).Observe(report.Duration.Seconds())
	if report.EmailWait > 0 {
		m.EmailWait.WithLabelValues(report.Flow).Observe(report.EmailWait.Seconds())
	}
	for _, c := range report.Failures() {
		m.CheckFailures.WithLabelValues(report.Flow, c.Name).Inc()
	}
}
