package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/galley/pkg/engine"
)

// Metrics records run and action measurements in a private Prometheus
// registry. It implements engine.MetricsRecorder. A disabled Metrics is a
// no-op.
type Metrics struct {
	config MetricsConfig

	runs            *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	lastRun         *prometheus.GaugeVec
	lastRunSuccess  prometheus.Gauge
	actions         *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	guardErrors     *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	policyViolation *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of convergence runs by outcome",
			},
			[]string{"status", "dry_run"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of convergence runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run finished, by outcome",
			},
			[]string{"status"},
		),
		lastRunSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_success",
				Help:      "1 if the last run succeeded, 0 otherwise",
			},
		),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Total number of attempted actions by terminal status",
			},
			[]string{"resource_type", "action", "status"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of resource actions in seconds",
				Buckets:   buckets,
			},
			[]string{"resource_type", "action"},
		),
		guardErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guard_errors_total",
				Help:      "Guard predicates that could not be evaluated",
			},
			[]string{"resource_type"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notifications fired by timing",
			},
			[]string{"timing"},
		),
		policyViolation: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Declaration policy violations by policy and severity",
			},
			[]string{"policy", "severity"},
		),
	}

	m.registry.MustRegister(
		m.runs,
		m.runDuration,
		m.lastRun,
		m.lastRunSuccess,
		m.actions,
		m.actionDuration,
		m.guardErrors,
		m.notifications,
		m.policyViolation,
	)

	return m, nil
}

// Enabled reports whether measurements are recorded.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(status engine.RunStatus, dryRun bool, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.runs.WithLabelValues(string(status), strconv.FormatBool(dryRun)).Inc()
	m.runDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	m.lastRun.WithLabelValues(string(status)).SetToCurrentTime()
	if status == engine.RunStatusSucceeded {
		m.lastRunSuccess.Set(1)
	} else {
		m.lastRunSuccess.Set(0)
	}
}

// RecordAction records a finished action execution.
func (m *Metrics) RecordAction(resourceType string, action engine.Action, status engine.ExecutionStatus, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.actions.WithLabelValues(resourceType, string(action), string(status)).Inc()
	if status != engine.StatusSkipped {
		m.actionDuration.WithLabelValues(resourceType, string(action)).Observe(duration.Seconds())
	}
}

// RecordGuardError records a guard predicate that could not be evaluated.
func (m *Metrics) RecordGuardError(resourceType string) {
	if !m.Enabled() {
		return
	}
	m.guardErrors.WithLabelValues(resourceType).Inc()
}

// RecordNotification records a notification scheduled or run.
func (m *Metrics) RecordNotification(timing engine.Timing) {
	if !m.Enabled() {
		return
	}
	m.notifications.WithLabelValues(string(timing)).Inc()
}

// RecordPolicyViolation records a declaration policy violation.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if !m.Enabled() {
		return
	}
	m.policyViolation.WithLabelValues(policy, severity).Inc()
}

// Registry returns the private registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the current metrics to path in the text exposition
// format. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if !m.Enabled() || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes /metrics on the configured listen address until ctx is done.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if !m.Enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", m.config.ListenAddress).Msg("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
