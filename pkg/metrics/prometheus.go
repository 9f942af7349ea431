package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the global metrics container shared by every worker and HTTP
// surface in the orchestrator.
type Metrics struct {
	// HTTP surface metrics (worker heartbeat, proxy)
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Provisioning Worker (§4.3)
	ProvisioningDuration     *prometheus.HistogramVec
	ProvisioningFailureTotal *prometheus.CounterVec

	// Health / Readiness Prober (§4.4)
	HealthCheckFailuresTotal *prometheus.CounterVec
	BootstrapAttemptsTotal   *prometheus.CounterVec

	// Reconciliation Jobs (§4.6)
	ReconcileSweepTotal    *prometheus.CounterVec
	ReconcileSweepDuration *prometheus.HistogramVec
	ReconcileRowsProcessed *prometheus.CounterVec

	// Worker Routing Index (§4.7)
	RoutingMissTotal     *prometheus.CounterVec
	RoutingAttemptsTotal *prometheus.CounterVec

	// Inference Proxy (§6.4)
	ProxyRequestsTotal *prometheus.CounterVec
	ProxyTokensTotal   *prometheus.CounterVec

	// Action Log (§4.9)
	ActionLogEntriesTotal *prometheus.CounterVec

	// System metrics
	MemoryUsage *prometheus.GaugeVec
	Goroutines  prometheus.Gauge

	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// InitMetrics initializes the global metrics container under the given
// namespace/subsystem.
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"route", "method"},
		),

		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		ProvisioningDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "provisioning_duration_seconds",
				Help:      "Duration of the provisioning pipeline from request to ready/failed",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"provider", "instance_type"},
		),

		ProvisioningFailureTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "provisioning_failures_total",
				Help:      "Total number of provisioning failures by error code",
			},
			[]string{"provider", "error_code"},
		),

		HealthCheckFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "health_check_failures_total",
				Help:      "Total number of failed health probes",
			},
			[]string{"check"},
		),

		BootstrapAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "bootstrap_attempts_total",
				Help:      "Total number of SSH bootstrap attempts by outcome",
			},
			[]string{"outcome"},
		),

		ReconcileSweepTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reconcile_sweeps_total",
				Help:      "Total number of completed reconciliation sweeps",
			},
			[]string{"sweep"},
		),

		ReconcileSweepDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reconcile_sweep_duration_seconds",
				Help:      "Duration of a single reconciliation sweep",
				Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"sweep"},
		),

		ReconcileRowsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reconcile_rows_processed_total",
				Help:      "Total number of instance rows claimed and processed by a sweep",
			},
			[]string{"sweep"},
		),

		RoutingMissTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "routing_misses_total",
				Help:      "Total number of routing lookups with no ready worker for the model",
			},
			[]string{"model"},
		),

		RoutingAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "routing_attempts_total",
				Help:      "Total number of routing lookups for the runtime-model aggregate, by outcome",
			},
			[]string{"model", "outcome"},
		),

		ProxyRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "proxy_requests_total",
				Help:      "Total number of inference proxy requests by instance/model/outcome",
			},
			[]string{"instance_id", "model", "outcome"},
		),

		ProxyTokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "proxy_tokens_total",
				Help:      "Total number of tokens accounted from proxied inference responses by instance/model/kind",
			},
			[]string{"instance_id", "model", "kind"},
		),

		ActionLogEntriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "action_log_entries_total",
				Help:      "Total number of action log entries written, by status",
			},
			[]string{"action_type", "status"},
		),

		MemoryUsage: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "memory_usage_bytes",
				Help:      "Current process memory usage",
			},
			[]string{"type"},
		),

		Goroutines: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "goroutines",
				Help:      "Current number of goroutines",
			},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service build information",
			},
			[]string{"version", "environment"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics container, lazily initializing it under
// the "fleet" namespace if it was never explicitly set up.
func Get() *Metrics {
	if defaultMetrics == nil {
		return InitMetrics("fleet", "")
	}
	return defaultMetrics
}

// RecordHTTPRequest records a completed HTTP request against route/method.
func (m *Metrics) RecordHTTPRequest(route, method, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordProvisioning records the duration of one provisioning pipeline run
// (§4.3); failures are counted separately by RecordProvisioningFailure.
func (m *Metrics) RecordProvisioning(provider, instanceType string, duration time.Duration) {
	m.ProvisioningDuration.WithLabelValues(provider, instanceType).Observe(duration.Seconds())
}

// RecordProvisioningFailure records a provisioning failure by error code
// (§7).
func (m *Metrics) RecordProvisioningFailure(provider, errorCode string) {
	m.ProvisioningFailureTotal.WithLabelValues(provider, errorCode).Inc()
}

// RecordHealthCheckFailure records a failed Health Prober pass (§4.4) under
// the label value the caller passes; the prober passes the instance type code.
func (m *Metrics) RecordHealthCheckFailure(check string) {
	m.HealthCheckFailuresTotal.WithLabelValues(check).Inc()
}

// RecordBootstrapAttempt records an SSH bootstrap attempt outcome
// ("succeeded", "failed", "render_failed") (§4.4.1).
func (m *Metrics) RecordBootstrapAttempt(outcome string) {
	m.BootstrapAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordReconcileSweep records the completion and duration of a
// reconciliation sweep, and the number of rows it processed (§4.6).
func (m *Metrics) RecordReconcileSweep(sweep string, duration time.Duration, rows int) {
	m.ReconcileSweepTotal.WithLabelValues(sweep).Inc()
	m.ReconcileSweepDuration.WithLabelValues(sweep).Observe(duration.Seconds())
	m.ReconcileRowsProcessed.WithLabelValues(sweep).Add(float64(rows))
}

// RecordRoutingMiss records a routing lookup that found no ready worker
// for the requested model (§4.7).
func (m *Metrics) RecordRoutingMiss(model string) {
	m.RoutingMissTotal.WithLabelValues(model).Inc()
}

// RecordRoutingAttempt records one runtime-model aggregate counter tick per
// request attempt, success or failure (§4.7).
func (m *Metrics) RecordRoutingAttempt(model, outcome string) {
	m.RoutingAttemptsTotal.WithLabelValues(model, outcome).Inc()
}

// RecordProxyRequest records one proxied inference request against the
// instance and model it was routed to, by outcome ("success" or "failed")
// (§6.4).
func (m *Metrics) RecordProxyRequest(instanceID, model, outcome string) {
	m.ProxyRequestsTotal.WithLabelValues(instanceID, model, outcome).Inc()
}

// RecordProxyTokens adds to the per-instance/per-model token counters parsed
// from a proxied response's usage accounting (§6.4).
func (m *Metrics) RecordProxyTokens(instanceID, model string, promptTokens, completionTokens, totalTokens int) {
	if promptTokens > 0 {
		m.ProxyTokensTotal.WithLabelValues(instanceID, model, "input").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.ProxyTokensTotal.WithLabelValues(instanceID, model, "output").Add(float64(completionTokens))
	}
	if totalTokens > 0 {
		m.ProxyTokensTotal.WithLabelValues(instanceID, model, "total").Add(float64(totalTokens))
	}
}

// RecordActionLogEntry records an Action Log entry by action type and
// terminal status (§4.9).
func (m *Metrics) RecordActionLogEntry(actionType, status string) {
	m.ActionLogEntriesTotal.WithLabelValues(actionType, status).Inc()
}

// SetServiceInfo publishes build version/environment as a constant gauge.
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts a dedicated HTTP server exposing /metrics and
// /health.
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck // health endpoint, write failure is not actionable
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
