package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the strand engine and health monitor.
// All methods are safe to call on a nil or disabled instance.
type Metrics struct {
	config MetricsConfig

	// Strand metrics
	strandSteps       *prometheus.CounterVec
	strandTransitions *prometheus.CounterVec
	strandStepErrors  *prometheus.CounterVec
	strandRunDuration *prometheus.HistogramVec
	deadlineBreaches  *prometheus.CounterVec
	leasesClaimed     prometheus.Counter
	strandsInFlight   prometheus.Gauge

	// Health metrics
	healthCycles       *prometheus.CounterVec
	healthCycleLatency prometheus.Histogram
	probeResults       *prometheus.CounterVec
	backendTransitions *prometheus.CounterVec
	rebuildSignals     *prometheus.CounterVec
	monitoredTargets   prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		strandSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "strand",
				Name:      "steps_total",
				Help:      "Total number of strand steps executed",
			},
			[]string{"prog", "label"},
		),
		strandTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "strand",
				Name:      "transitions_total",
				Help:      "Total number of persisted strand transitions by kind",
			},
			[]string{"prog", "kind"},
		),
		strandStepErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "strand",
				Name:      "step_errors_total",
				Help:      "Total number of strand steps that returned an error",
			},
			[]string{"prog", "label"},
		),
		strandRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "strand",
				Name:      "run_duration_seconds",
				Help:      "Duration of one leased strand run in seconds",
				Buckets:   buckets,
			},
			[]string{"prog"},
		),
		deadlineBreaches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "strand",
				Name:      "deadline_breaches_total",
				Help:      "Total number of strand deadlines that passed before the target label was reached",
			},
			[]string{"prog", "target"},
		),
		leasesClaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "strand",
				Name:      "leases_claimed_total",
				Help:      "Total number of strand leases claimed by this worker",
			},
		),
		strandsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "strand",
				Name:      "in_flight",
				Help:      "Number of strands currently executing on this worker",
			},
		),

		healthCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "cycles_total",
				Help:      "Total number of health monitor cycles by composite reading",
			},
			[]string{"reading"},
		),
		healthCycleLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "cycle_duration_seconds",
				Help:      "Duration of one health monitor cycle in seconds",
				Buckets:   buckets,
			},
		),
		probeResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "probe_results_total",
				Help:      "Total number of probe results by kind and reading",
			},
			[]string{"kind", "reading"},
		),
		backendTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "transitions_total",
				Help:      "Total number of monitored target state transitions",
			},
			[]string{"to"},
		),
		rebuildSignals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "rebuild_signals_total",
				Help:      "Total number of rebuild signals by outcome (raised, coalesced)",
			},
			[]string{"outcome"},
		),
		monitoredTargets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "monitored_targets",
				Help:      "Number of targets currently scheduled by the health runner",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by classification",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	collectors := []prometheus.Collector{
		m.strandSteps,
		m.strandTransitions,
		m.strandStepErrors,
		m.strandRunDuration,
		m.deadlineBreaches,
		m.leasesClaimed,
		m.strandsInFlight,
		m.healthCycles,
		m.healthCycleLatency,
		m.probeResults,
		m.backendTransitions,
		m.rebuildSignals,
		m.monitoredTargets,
		m.errorsByClass,
		m.errorsByCode,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Strand Metrics

// RecordStep records one executed step.
func (m *Metrics) RecordStep(prog, label string) {
	if !m.enabled() {
		return
	}
	m.strandSteps.WithLabelValues(prog, label).Inc()
}

// RecordTransition records one persisted transition.
func (m *Metrics) RecordTransition(prog, kind string) {
	if !m.enabled() {
		return
	}
	m.strandTransitions.WithLabelValues(prog, kind).Inc()
}

// RecordStepError records a step that returned an error.
func (m *Metrics) RecordStepError(prog, label string) {
	if !m.enabled() {
		return
	}
	m.strandStepErrors.WithLabelValues(prog, label).Inc()
}

// RecordStrandRun records the duration of a leased run.
func (m *Metrics) RecordStrandRun(prog string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.strandRunDuration.WithLabelValues(prog).Observe(duration.Seconds())
}

// RecordDeadlineBreach records a breached deadline.
func (m *Metrics) RecordDeadlineBreach(prog, target string) {
	if !m.enabled() {
		return
	}
	m.deadlineBreaches.WithLabelValues(prog, target).Inc()
}

// RecordLeasesClaimed adds n claimed leases.
func (m *Metrics) RecordLeasesClaimed(n int) {
	if !m.enabled() {
		return
	}
	m.leasesClaimed.Add(float64(n))
}

// AddStrandsInFlight adjusts the in-flight gauge by delta.
func (m *Metrics) AddStrandsInFlight(delta float64) {
	if !m.enabled() {
		return
	}
	m.strandsInFlight.Add(delta)
}

// Health Metrics

// RecordHealthCycle records a completed monitor cycle.
func (m *Metrics) RecordHealthCycle(reading string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.healthCycles.WithLabelValues(reading).Inc()
	m.healthCycleLatency.Observe(duration.Seconds())
}

// RecordProbe records one probe outcome.
func (m *Metrics) RecordProbe(kind, reading string) {
	if !m.enabled() {
		return
	}
	m.probeResults.WithLabelValues(kind, reading).Inc()
}

// RecordBackendTransition records a state transition to state.
func (m *Metrics) RecordBackendTransition(state string) {
	if !m.enabled() {
		return
	}
	m.backendTransitions.WithLabelValues(state).Inc()
}

// RecordRebuildSignal records whether a rebuild signal was raised or
// coalesced into one already pending.
func (m *Metrics) RecordRebuildSignal(raised bool) {
	if !m.enabled() {
		return
	}
	outcome := "coalesced"
	if raised {
		outcome = "raised"
	}
	m.rebuildSignals.WithLabelValues(outcome).Inc()
}

// SetMonitoredTargets sets the number of scheduled health targets.
func (m *Metrics) SetMonitoredTargets(count int) {
	if !m.enabled() {
		return
	}
	m.monitoredTargets.Set(float64(count))
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// NewMetricsServer returns an HTTP server exposing the metrics endpoint, or
// nil when metrics are disabled.
func (m *Metrics) NewMetricsServer() *http.Server {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
