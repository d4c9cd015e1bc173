// Package metrics is the Prometheus tap point for the governance runtime.
// One Metrics value is built at startup and threaded into the operation
// pipeline, the recovery sweep, and the dialectic machine. A nil *Metrics
// no-ops every tap, so partial wirings and tests skip it safely.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "unitares"

// Metrics owns the registry and every collector the runtime exposes.
type Metrics struct {
	registry *prometheus.Registry

	updatesTotal      *prometheus.CounterVec
	riskScore         prometheus.Histogram
	opDuration        *prometheus.HistogramVec
	opErrors          *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
	lockContention    prometheus.Counter
	sweepFindings     *prometheus.CounterVec
	dialecticOutcomes *prometheus.CounterVec
}

// New builds a private registry with the runtime collectors plus the
// standard Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		updatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "State updates processed, by verdict.",
		}, []string{"verdict"}),
		riskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Risk score distribution across processed updates.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 9),
		}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Operation latency, by operation name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		opErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Operation failures, by operation name and error code.",
		}, []string{"op", "code"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the sliding-window limiter, by class.",
		}, []string{"class"}),
		lockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Write-lock acquisitions that timed out under contention.",
		}),
		sweepFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_findings_total",
			Help:      "Stuck-agent findings, by classification reason.",
		}, []string{"reason"}),
		dialecticOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialectic_outcomes_total",
			Help:      "Terminal dialectic resolutions, by resolution type.",
		}, []string{"resolution"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.updatesTotal,
		m.riskScore,
		m.opDuration,
		m.opErrors,
		m.rateLimited,
		m.lockContention,
		m.sweepFindings,
		m.dialecticOutcomes,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordUpdate taps one processed state update.
func (m *Metrics) RecordUpdate(verdict string, risk float64) {
	if m == nil {
		return
	}
	m.updatesTotal.WithLabelValues(verdict).Inc()
	m.riskScore.Observe(risk)
}

// RecordOperation taps one dispatched operation; code is empty on success.
func (m *Metrics) RecordOperation(op, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.opDuration.WithLabelValues(op).Observe(d.Seconds())
	if code != "" {
		m.opErrors.WithLabelValues(op, code).Inc()
	}
}

// RecordRateLimited taps one limiter rejection.
func (m *Metrics) RecordRateLimited(class string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(class).Inc()
}

// RecordLockContention taps one lock acquisition timeout.
func (m *Metrics) RecordLockContention() {
	if m == nil {
		return
	}
	m.lockContention.Inc()
}

// RecordSweepFinding taps one stuck-agent classification.
func (m *Metrics) RecordSweepFinding(reason string) {
	if m == nil {
		return
	}
	m.sweepFindings.WithLabelValues(reason).Inc()
}

// RecordDialecticOutcome taps one terminal session resolution.
func (m *Metrics) RecordDialecticOutcome(resolution string) {
	if m == nil {
		return
	}
	m.dialecticOutcomes.WithLabelValues(resolution).Inc()
}
