package orkestra

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for invocations, attempts and
// the retry quota. It is safe for concurrent use, and a nil collector
// records nothing.
type MetricsCollector struct {
	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	invocationsFlight  *prometheus.GaugeVec

	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec

	retriesTotal    *prometheus.CounterVec
	quotaExhausted  *prometheus.CounterVec
	retryTokens     prometheus.Gauge
	identityRefresh *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	mc := &MetricsCollector{
		invocationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orkestra_invocations_total",
				Help: "Total number of operation invocations by outcome",
			},
			[]string{"service", "operation", "outcome"},
		),
		invocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orkestra_invocation_duration_seconds",
				Help:    "Duration of operation invocations in seconds, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service", "operation"},
		),
		invocationsFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orkestra_invocations_in_flight",
				Help: "Number of invocations currently running",
			},
			[]string{"service", "operation"},
		),
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orkestra_attempts_total",
				Help: "Total number of transmitted attempts by status code",
			},
			[]string{"service", "operation", "status_code"},
		),
		attemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orkestra_attempt_duration_seconds",
				Help:    "Duration of single attempts in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service", "operation"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orkestra_retries_total",
				Help: "Total number of retries by retry kind",
			},
			[]string{"service", "operation", "kind"},
		),
		quotaExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orkestra_retry_quota_exhausted_total",
				Help: "Total number of retries refused by the token bucket",
			},
			[]string{"service", "operation"},
		),
		retryTokens: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "orkestra_retry_tokens",
				Help: "Current number of available retry tokens",
			},
		),
		identityRefresh: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orkestra_identity_refreshes_total",
				Help: "Total number of identity resolver calls made by the cache",
			},
			[]string{"partition", "mode", "result"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orkestra_errors_total",
				Help: "Total number of failed invocations by error kind",
			},
			[]string{"kind", "service", "operation"},
		),
	}
	if reg, ok := registry.(*prometheus.Registry); ok {
		mc.registry = reg
	}

	return mc
}

// RecordInvocationStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordInvocationStart(md OperationMetadata) {
	if mc == nil {
		return
	}

	mc.invocationsFlight.WithLabelValues(md.Service, md.Operation).Inc()
}

// RecordInvocationEnd decrements the in-flight gauge and records the outcome.
func (mc *MetricsCollector) RecordInvocationEnd(md OperationMetadata, duration time.Duration, err error) {
	if mc == nil {
		return
	}

	mc.invocationsFlight.WithLabelValues(md.Service, md.Operation).Dec()
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	mc.invocationsTotal.WithLabelValues(md.Service, md.Operation, outcome).Inc()
	mc.invocationDuration.WithLabelValues(md.Service, md.Operation).Observe(duration.Seconds())
}

// RecordAttempt records one transmitted attempt. statusCode is 0 when no
// response was received.
func (mc *MetricsCollector) RecordAttempt(md OperationMetadata, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	mc.attemptsTotal.WithLabelValues(md.Service, md.Operation, strconv.Itoa(statusCode)).Inc()
	mc.attemptDuration.WithLabelValues(md.Service, md.Operation).Observe(duration.Seconds())
}

// RecordRetry increments the retry counter for a retry kind.
func (mc *MetricsCollector) RecordRetry(md OperationMetadata, kind RetryKind) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(md.Service, md.Operation, kind.String()).Inc()
}

// RecordQuotaExhausted increments the quota exhaustion counter.
func (mc *MetricsCollector) RecordQuotaExhausted(md OperationMetadata) {
	if mc == nil {
		return
	}

	mc.quotaExhausted.WithLabelValues(md.Service, md.Operation).Inc()
}

// RecordRetryTokens sets the available token gauge.
func (mc *MetricsCollector) RecordRetryTokens(tokens int) {
	if mc == nil {
		return
	}

	mc.retryTokens.Set(float64(tokens))
}

// RecordIdentityRefresh counts an identity resolver call. It matches
// identity.CacheOptions.OnRefresh.
func (mc *MetricsCollector) RecordIdentityRefresh(partition string, background bool, err error) {
	if mc == nil {
		return
	}

	mode := "blocking"
	if background {
		mode = "background"
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	mc.identityRefresh.WithLabelValues(partition, mode, result).Inc()
}

// RecordError increments the error counter by kind.
func (mc *MetricsCollector) RecordError(kind ErrorKind, md OperationMetadata) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(kind.String(), md.Service, md.Operation).Inc()
}

// GetRegistry exposes the underlying prometheus registry. It is nil when the
// collector was created on a Registerer that is not a *prometheus.Registry.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	return mc.registry
}
