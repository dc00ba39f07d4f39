// Package metrics provides Prometheus metrics collection for the strategy
// runtime.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors exposed by the runtime.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Strategy instance metrics
	InstancesActive   *prometheus.GaugeVec
	InstanceTicksTotal *prometheus.CounterVec
	TickDuration      *prometheus.HistogramVec

	// Retry Coordinator metrics
	RetryAttemptsTotal *prometheus.CounterVec
	RetryExhaustedTotal *prometheus.CounterVec

	// Chain Gateway metrics
	EndpointRequestsTotal *prometheus.CounterVec
	EndpointHealthy       *prometheus.GaugeVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered against
// the default Prometheus registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance registered against a custom
// registerer, useful for isolated tests.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors by category",
			},
			[]string{"service", "category", "operation"},
		),

		InstancesActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "strategy_instances_active",
				Help: "Current number of strategy instances by type and status",
			},
			[]string{"type", "status"},
		),
		InstanceTicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategy_instance_ticks_total",
				Help: "Total number of scheduler ticks dispatched per instance type",
			},
			[]string{"type", "decision"},
		),
		TickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strategy_tick_duration_seconds",
				Help:    "Duration of a single executor tick",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"type"},
		),

		RetryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retry_attempts_total",
				Help: "Total number of retry attempts by operation type",
			},
			[]string{"operation_type", "outcome"},
		),
		RetryExhaustedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retry_exhausted_total",
				Help: "Total number of operations that exhausted their retry budget",
			},
			[]string{"operation_type"},
		),

		EndpointRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_endpoint_requests_total",
				Help: "Total number of chain RPC requests per endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		EndpointHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chain_endpoint_healthy",
				Help: "Whether a chain RPC endpoint is currently considered healthy (1) or cooling down (0)",
			},
			[]string{"endpoint"},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.InstancesActive,
			m.InstanceTicksTotal,
			m.TickDuration,
			m.RetryAttemptsTotal,
			m.RetryExhaustedTotal,
			m.EndpointRequestsTotal,
			m.EndpointHealthy,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error by taxonomy category.
func (m *Metrics) RecordError(service, category, operation string) {
	m.ErrorsTotal.WithLabelValues(service, category, operation).Inc()
}

// SetInstancesActive sets the current gauge for a (type, status) pair.
func (m *Metrics) SetInstancesActive(instanceType, status string, count int) {
	m.InstancesActive.WithLabelValues(instanceType, status).Set(float64(count))
}

// RecordTick records a completed scheduler tick and its decision.
func (m *Metrics) RecordTick(instanceType, decision string, duration time.Duration) {
	m.InstanceTicksTotal.WithLabelValues(instanceType, decision).Inc()
	m.TickDuration.WithLabelValues(instanceType).Observe(duration.Seconds())
}

// RecordRetryAttempt records one retry attempt and its outcome.
func (m *Metrics) RecordRetryAttempt(operationType, outcome string) {
	m.RetryAttemptsTotal.WithLabelValues(operationType, outcome).Inc()
}

// RecordRetryExhausted records an operation that ran out of retry attempts.
func (m *Metrics) RecordRetryExhausted(operationType string) {
	m.RetryExhaustedTotal.WithLabelValues(operationType).Inc()
}

// RecordEndpointRequest records one chain RPC call against an endpoint.
func (m *Metrics) RecordEndpointRequest(endpoint, outcome string) {
	m.EndpointRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// SetEndpointHealthy reflects an endpoint's current health state.
func (m *Metrics) SetEndpointHealthy(endpoint string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.EndpointHealthy.WithLabelValues(endpoint).Set(v)
}

// UpdateUptime updates the service uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter.
func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }

// DecrementInFlight decrements the in-flight requests counter.
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

// SetServiceInfo sets the static service info gauge to 1.
func (m *Metrics) SetServiceInfo(serviceName, version, environment string) {
	m.ServiceInfo.WithLabelValues(serviceName, version, environment).Set(1)
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance, creating a fallback one if
// Init was never called.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}

// ParseBoolFlag exposes normalizeBool's tolerant parsing to callers outside
// this package (internal/config uses it for METRICS_ENABLED, where ops
// commonly set "on"/"off" rather than strconv's stricter true/false).
func ParseBoolFlag(raw string) bool {
	return normalizeBool(raw)
}

// normalizeBool is a tolerant boolean-flag parser for metrics toggles read
// from free-form strings.
func normalizeBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
