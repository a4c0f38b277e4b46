// Package metrics exposes Prometheus instrumentation for call establishment.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Calls holds the Prometheus collectors for outbound calls. Each instance
// owns its registry so tests can create as many as they like.
type Calls struct {
	registry *prometheus.Registry

	JobsTotal          *prometheus.CounterVec
	DialOutcomesTotal  *prometheus.CounterVec
	EstablishDuration  prometheus.Histogram
	SessionStartupTime prometheus.Histogram
	ActiveCalls        prometheus.Gauge
	CallDuration       *prometheus.HistogramVec
	JobsRateLimited    *prometheus.CounterVec
}

// New creates a Calls instance with all collectors registered. An empty
// namespace defaults to "dialout".
func New(namespace string) *Calls {
	if namespace == "" {
		namespace = "dialout"
	}

	registry := prometheus.NewRegistry()

	jobsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Call jobs processed, by establishment outcome",
		},
		[]string{"outcome"},
	)

	dialOutcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_outcomes_total",
			Help:      "Dial results by kind and SIP status class",
		},
		[]string{"trunk", "kind", "code_class"},
	)

	establishDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "establish_duration_seconds",
			Help:      "Time from job start to a bound session",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 45, 60, 90},
		},
	)

	sessionStartup := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_startup_seconds",
			Help:      "Time for the realtime model session to become ready",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	activeCalls := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Established calls currently in progress",
		},
	)

	callDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of established calls, by end reason",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"reason"},
	)

	rateLimited := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rate_limited_total",
			Help:      "Jobs that waited on a trunk's calls-per-second limit",
		},
		[]string{"trunk"},
	)

	registry.MustRegister(
		jobsTotal,
		dialOutcomes,
		establishDuration,
		sessionStartup,
		activeCalls,
		callDuration,
		rateLimited,
	)

	return &Calls{
		registry:           registry,
		JobsTotal:          jobsTotal,
		DialOutcomesTotal:  dialOutcomes,
		EstablishDuration:  establishDuration,
		SessionStartupTime: sessionStartup,
		ActiveCalls:        activeCalls,
		CallDuration:       callDuration,
		JobsRateLimited:    rateLimited,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Calls) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Calls) Registry() *prometheus.Registry {
	return m.registry
}

// All Record methods accept a nil receiver so callers without metrics
// need no guards.

// RecordJob records the outcome of one EstablishCall.
func (m *Calls) RecordJob(outcome string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(outcome).Inc()
}

// RecordDial records a dial result.
func (m *Calls) RecordDial(trunk, kind, codeClass string) {
	if m == nil {
		return
	}
	m.DialOutcomesTotal.WithLabelValues(trunk, kind, codeClass).Inc()
}

// RecordEstablished records a successful establishment and marks the call
// active.
func (m *Calls) RecordEstablished(setup, sessionStartup time.Duration) {
	if m == nil {
		return
	}
	m.EstablishDuration.Observe(setup.Seconds())
	if sessionStartup > 0 {
		m.SessionStartupTime.Observe(sessionStartup.Seconds())
	}
	m.ActiveCalls.Inc()
}

// RecordCallEnded records the end of an established call.
func (m *Calls) RecordCallEnded(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ActiveCalls.Dec()
	m.CallDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

// RecordRateLimited records a job that had to wait for its trunk.
func (m *Calls) RecordRateLimited(trunk string) {
	if m == nil {
		return
	}
	m.JobsRateLimited.WithLabelValues(trunk).Inc()
}
