package portal

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle,
// the reliability layers and the subscription channel. It is safe for
// concurrent use, and a nil collector records nothing.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec

	circuitBreakerState prometheus.Gauge

	rateLimitWait    prometheus.Histogram
	rateLimitWaiting prometheus.Gauge

	tokenRefreshes *prometheus.CounterVec

	wsReconnects        *prometheus.CounterVec
	wsDroppedFrames     *prometheus.CounterVec
	activeSubscriptions prometheus.Gauge
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	return &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_client_requests_total",
				Help: "Total number of HTTP requests made",
			},
			[]string{"method", "status_code"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portal_client_request_duration_seconds",
				Help:    "Duration of logical HTTP calls in seconds, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "portal_client_requests_in_flight",
				Help: "Number of logical HTTP calls currently in flight",
			},
			[]string{"method"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_client_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "attempt"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_client_errors_total",
				Help: "Total number of errors surfaced to callers, by type",
			},
			[]string{"type", "method"},
		),
		circuitBreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "portal_client_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
		),
		rateLimitWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "portal_client_rate_limit_wait_seconds",
				Help:    "Time callers were suspended by the rate limiter",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		rateLimitWaiting: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "portal_client_rate_limit_waiting",
				Help: "Number of callers currently waiting for admission",
			},
		),
		tokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_client_token_refreshes_total",
				Help: "Token refresh attempts by result",
			},
			[]string{"result"},
		),
		wsReconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_client_ws_reconnects_total",
				Help: "Subscription channel reconnect attempts by result",
			},
			[]string{"result"},
		),
		wsDroppedFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_client_ws_dropped_frames_total",
				Help: "Inbound frames dropped by the subscription channel",
			},
			[]string{"reason"},
		),
		activeSubscriptions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "portal_client_ws_active_subscriptions",
				Help: "Number of registered subscriptions",
			},
		),
	}
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method).Dec()
}

// RecordRetry increments retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(method string, attempt int) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(method, strconv.Itoa(attempt)).Inc()
}

// RecordError increments error counter by type.
func (mc *MetricsCollector) RecordError(errorType ErrorType, method string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(string(errorType), method).Inc()
}

// RecordCircuitState sets gauge to breaker state.
func (mc *MetricsCollector) RecordCircuitState(state CircuitState) {
	if mc == nil {
		return
	}

	var stateValue float64
	switch state {
	case StateClosed:
		stateValue = 0
	case StateOpen:
		stateValue = 1
	case StateHalfOpen:
		stateValue = 2
	}
	mc.circuitBreakerState.Set(stateValue)
}

// RecordRateLimitWait observes a completed admission wait.
func (mc *MetricsCollector) RecordRateLimitWait(d time.Duration) {
	if mc == nil {
		return
	}
	mc.rateLimitWait.Observe(d.Seconds())
}

// SetRateLimitWaiting adjusts the waiting gauge by delta.
func (mc *MetricsCollector) SetRateLimitWaiting(delta int) {
	if mc == nil {
		return
	}
	mc.rateLimitWaiting.Add(float64(delta))
}

// RecordTokenRefresh counts a refresh attempt.
func (mc *MetricsCollector) RecordTokenRefresh(ok bool) {
	if mc == nil {
		return
	}
	mc.tokenRefreshes.WithLabelValues(result(ok)).Inc()
}

// RecordReconnect counts a reconnect attempt.
func (mc *MetricsCollector) RecordReconnect(ok bool) {
	if mc == nil {
		return
	}
	mc.wsReconnects.WithLabelValues(result(ok)).Inc()
}

// RecordDroppedFrame counts a dropped inbound frame.
func (mc *MetricsCollector) RecordDroppedFrame(reason string) {
	if mc == nil {
		return
	}
	mc.wsDroppedFrames.WithLabelValues(reason).Inc()
}

// SetActiveSubscriptions sets the registered subscription gauge.
func (mc *MetricsCollector) SetActiveSubscriptions(n int) {
	if mc == nil {
		return
	}
	mc.activeSubscriptions.Set(float64(n))
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
