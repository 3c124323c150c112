package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for devenv.
type Metrics struct {
	config MetricsConfig

	// Operation metrics
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	activeOperations  prometheus.Gauge

	// Plan metrics
	plansTotal *prometheus.CounterVec

	// Action metrics
	actionsTotal   *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec

	// Environment metrics
	environments *prometheus.GaugeVec

	// Lock metrics
	lockContention *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Every recorder checks for nil collectors, so this is a no-op instance.
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

		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of orchestrator operations by outcome",
			},
			[]string{"operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of orchestrator operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		activeOperations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_operations",
				Help:      "Current number of operations holding an environment lock",
			},
		),

		plansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_total",
				Help:      "Total number of plans computed by reason",
			},
			[]string{"operation", "reason"},
		),

		actionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Total number of plan actions executed by outcome",
			},
			[]string{"action", "status"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of plan actions in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),

		environments: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "environments",
				Help:      "Number of managed environments by recorded container status",
			},
			[]string{"status"},
		),

		lockContention: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_contention_total",
				Help:      "Total number of operations rejected because the environment was locked",
			},
			[]string{"environment"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of failed operations by error kind and class",
			},
			[]string{"kind", "class"},
		),
	}

	registry.MustRegister(
		m.operationsTotal,
		m.operationDuration,
		m.activeOperations,
		m.plansTotal,
		m.actionsTotal,
		m.actionDuration,
		m.environments,
		m.lockContention,
		m.errorsByKind,
	)

	return m, nil
}

// Operation Metrics

// RecordOperationStarted increments the active operation gauge.
func (m *Metrics) RecordOperationStarted() {
	if m.activeOperations == nil {
		return
	}
	m.activeOperations.Inc()
}

// RecordOperationCompleted records a finished operation with its outcome.
func (m *Metrics) RecordOperationCompleted(operation, status string, duration time.Duration) {
	if m.operationsTotal == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.activeOperations.Dec()
}

// RecordPlan records a computed plan.
func (m *Metrics) RecordPlan(operation, reason string) {
	if m.plansTotal == nil {
		return
	}
	m.plansTotal.WithLabelValues(operation, reason).Inc()
}

// Action Metrics

// RecordAction records the execution of one plan action.
func (m *Metrics) RecordAction(action, status string, duration time.Duration) {
	if m.actionsTotal == nil {
		return
	}
	m.actionsTotal.WithLabelValues(action, status).Inc()
	m.actionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// SetEnvironmentCount sets the number of environments with the given status.
func (m *Metrics) SetEnvironmentCount(status string, count float64) {
	if m.environments == nil {
		return
	}
	m.environments.WithLabelValues(status).Set(count)
}

// RecordLockContention records an operation rejected by a held lock.
func (m *Metrics) RecordLockContention(environment string) {
	if m.lockContention == nil {
		return
	}
	m.lockContention.WithLabelValues(environment).Inc()
}

// RecordError records a failed operation by kind and class.
func (m *Metrics) RecordError(kind, class string) {
	if m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind, class).Inc()
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// WriteTextfile writes all metrics to path in the node exporter textfile
// collector format. The write is atomic.
func (m *Metrics) WriteTextfile(path string) error {
	if m.registry == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer exposes metrics over HTTP until ctx is done. It
// returns once the listener is bound so address errors surface immediately.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger *Logger) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.ListenAddress, err)
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
