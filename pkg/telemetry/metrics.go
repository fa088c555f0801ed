package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the Caldera engine.
type Metrics struct {
	config MetricsConfig

	// Stack operation metrics
	stackOperations        *prometheus.CounterVec
	stackOperationDuration *prometheus.HistogramVec

	// Resource action metrics
	resourceActions        *prometheus.CounterVec
	resourceActionDuration *prometheus.HistogramVec
	resourceRetries        *prometheus.CounterVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerErrors   *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// API metrics
	apiRequests       *prometheus.CounterVec
	apiRequestLatency *prometheus.HistogramVec

	// System metrics
	stacksInProgress prometheus.Gauge
	stacksTotal      *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		stackOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stack_operations_total",
				Help:      "Total number of stack operations by action and final status",
			},
			[]string{"action", "status"},
		),
		stackOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stack_operation_duration_seconds",
				Help:      "Duration of stack operations in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),

		resourceActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_actions_total",
				Help:      "Total number of resource actions by type, action and result",
			},
			[]string{"resource_type", "action", "result"},
		),
		resourceActionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resource_action_duration_seconds",
				Help:      "Duration of resource actions in seconds",
				Buckets:   buckets,
			},
			[]string{"resource_type", "action"},
		),
		resourceRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_retries_total",
				Help:      "Total number of resource action retries by error class",
			},
			[]string{"resource_type", "error_class"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider calls",
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider errors",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of classified errors by class and code",
			},
			[]string{"class", "code"},
		),

		apiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests by route, method and status code",
			},
			[]string{"route", "method", "code"},
		),
		apiRequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),

		stacksInProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stacks_in_progress",
				Help:      "Current number of stacks with an operation in progress",
			},
		),
		stacksTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stacks_total",
				Help:      "Current number of stacks by status",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.stackOperations,
		m.stackOperationDuration,
		m.resourceActions,
		m.resourceActionDuration,
		m.resourceRetries,
		m.providerCalls,
		m.providerErrors,
		m.providerDuration,
		m.errorsByClass,
		m.apiRequests,
		m.apiRequestLatency,
		m.stacksInProgress,
		m.stacksTotal,
	)

	return m, nil
}

// RecordStackOperationStarted marks a stack operation as started.
func (m *Metrics) RecordStackOperationStarted() {
	if m.stacksInProgress == nil {
		return
	}
	m.stacksInProgress.Inc()
}

// RecordStackOperation records a completed stack operation.
func (m *Metrics) RecordStackOperation(action, status string, duration time.Duration) {
	if m.stackOperations == nil {
		return
	}
	m.stackOperations.WithLabelValues(action, status).Inc()
	m.stackOperationDuration.WithLabelValues(action).Observe(duration.Seconds())
	m.stacksInProgress.Dec()
}

// RecordResourceAction records the outcome of a resource action.
func (m *Metrics) RecordResourceAction(resourceType, action, result string, duration time.Duration) {
	if m.resourceActions == nil {
		return
	}
	m.resourceActions.WithLabelValues(resourceType, action, result).Inc()
	m.resourceActionDuration.WithLabelValues(resourceType, action).Observe(duration.Seconds())
}

// RecordResourceRetry records a retried resource action.
func (m *Metrics) RecordResourceRetry(resourceType, errorClass string) {
	if m.resourceRetries == nil {
		return
	}
	m.resourceRetries.WithLabelValues(resourceType, errorClass).Inc()
}

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(provider, operation string) {
	if m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation).Inc()
}

// RecordError records a classified error.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass, errorCode).Inc()
}

// RecordAPIRequest records an API request outcome.
func (m *Metrics) RecordAPIRequest(route, method, code string, duration time.Duration) {
	if m.apiRequests == nil {
		return
	}
	m.apiRequests.WithLabelValues(route, method, code).Inc()
	m.apiRequestLatency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// SetStackCount sets the current number of stacks in a given status.
func (m *Metrics) SetStackCount(status string, count float64) {
	if m.stacksTotal == nil {
		return
	}
	m.stacksTotal.WithLabelValues(status).Set(count)
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
