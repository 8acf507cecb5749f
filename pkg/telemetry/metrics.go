package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds the Prometheus collectors of a converge process. All
// methods are no-ops when metrics are disabled.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	outcomes        *prometheus.CounterVec
	outcomeDuration *prometheus.HistogramVec
	purged          *prometheus.CounterVec

	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec
	flushes          *prometheus.CounterVec

	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	m := &Metrics{config: cfg}
	if !cfg.Enabled {
		return m, nil
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: cfg.Namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: cfg.Namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}

	m.runsStarted = counter("runs_started_total", "Runs started by mode.", "mode")
	m.runsCompleted = counter("runs_completed_total", "Runs completed by status.", "status")
	m.runDuration = histogram("run_duration_seconds", "Run duration.", "status")
	m.activeRuns = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: cfg.Namespace, Name: "active_runs", Help: "Runs in progress."})

	m.outcomes = counter("resource_outcomes_total", "Resource outcomes by kind.", "type", "provider", "kind")
	m.outcomeDuration = histogram("resource_duration_seconds", "Time spent converging one resource.", "type", "provider")
	m.purged = counter("purged_entries_total", "Unmanaged entries handled by purge.", "type", "provider", "kind")

	m.providerCalls = counter("provider_calls_total", "Provider calls.", "provider", "operation")
	m.providerDuration = histogram("provider_call_duration_seconds", "Provider call latency.", "provider", "operation")
	m.providerErrors = counter("provider_errors_total", "Failed provider calls.", "provider", "operation")
	m.flushes = counter("target_flushes_total", "Target flushes by result.", "provider", "result")

	m.errorsByClass = counter("errors_by_class_total", "Resource errors by class.", "class")
	m.errorsByCode = counter("errors_by_code_total", "Resource errors by code.", "code")

	m.registry = prometheus.NewRegistry()
	if err := errors.Join(
		m.registry.Register(m.runsStarted),
		m.registry.Register(m.runsCompleted),
		m.registry.Register(m.runDuration),
		m.registry.Register(m.activeRuns),
		m.registry.Register(m.outcomes),
		m.registry.Register(m.outcomeDuration),
		m.registry.Register(m.purged),
		m.registry.Register(m.providerCalls),
		m.registry.Register(m.providerDuration),
		m.registry.Register(m.providerErrors),
		m.registry.Register(m.flushes),
		m.registry.Register(m.errorsByClass),
		m.registry.Register(m.errorsByCode),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) enabled() bool { return m.registry != nil }

// RecordRunStarted counts a run as started and active.
func (m *Metrics) RecordRunStarted(noop bool) {
	if !m.enabled() {
		return
	}
	mode := "apply"
	if noop {
		mode = "noop"
	}
	m.runsStarted.WithLabelValues(mode).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted counts a finished run.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordOutcome counts a resource outcome. Purged entries are counted
// separately and carry no duration.
func (m *Metrics) RecordOutcome(resourceType, provider, kind string, purged bool, duration time.Duration) {
	if !m.enabled() {
		return
	}
	if purged {
		m.purged.WithLabelValues(resourceType, provider, kind).Inc()
		return
	}
	m.outcomes.WithLabelValues(resourceType, provider, kind).Inc()
	m.outcomeDuration.WithLabelValues(resourceType, provider).Observe(duration.Seconds())
}

// RecordProviderCall counts a provider call and observes its latency.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError counts a failed provider call.
func (m *Metrics) RecordProviderError(provider, operation string) {
	if !m.enabled() {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation).Inc()
}

// RecordFlush counts a flush: written, unchanged or failed.
func (m *Metrics) RecordFlush(provider, result string) {
	if !m.enabled() {
		return
	}
	m.flushes.WithLabelValues(provider, result).Inc()
}

// RecordError counts a resource error by class and, if set, by code.
func (m *Metrics) RecordError(class, code string) {
	if !m.enabled() {
		return
	}
	if class == "" {
		class = "unclassified"
	}
	m.errorsByClass.WithLabelValues(class).Inc()
	if code != "" {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}

// Handler serves the registry in OpenMetrics format.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer serves Handler on the configured address in the
// background. Listen errors are logged.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()
	return nil
}

// Timer measures elapsed time from its creation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since NewTimer.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
