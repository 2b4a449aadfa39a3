package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stepflow"

var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	actionDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets       = prometheus.ExponentialBuckets(128, 8, 6)
	cascadeSizeBuckets    = []float64{0, 1, 2, 5, 10, 25}
)

// Metrics holds the Prometheus instruments of the step service. Build it
// with InitMetrics; the zero value is not usable.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPBodySizeBytes   *prometheus.HistogramVec

	StepActionsTotal      *prometheus.CounterVec
	StepActionDuration    *prometheus.HistogramVec
	StepLockRejectedTotal *prometheus.CounterVec
	StepUndoCascadeSize   *prometheus.HistogramVec

	InvocationsTotal           *prometheus.CounterVec
	InvocationDuration         *prometheus.HistogramVec
	InvokerCircuitBreakerState *prometheus.GaugeVec

	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

func counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func histogram(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
}

// InitMetrics creates the instruments and registers them with reg.
// It panics when reg already holds them.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: counter("http", "requests_total",
			"HTTP requests served.", "method", "path_pattern", "status"),
		HTTPRequestDuration: histogram("http", "request_duration_seconds",
			"HTTP request latency.", httpDurationBuckets, "method", "path_pattern"),
		HTTPBodySizeBytes: histogram("http", "body_size_bytes",
			"HTTP body sizes by direction (request or response).", bodySizeBuckets, "path_pattern", "direction"),

		StepActionsTotal: counter("step", "actions_total",
			"Step actions handled, by outcome (ok or error code).", "step_id", "action", "outcome"),
		StepActionDuration: histogram("step", "action_duration_seconds",
			"Step action latency.", actionDurationBuckets, "step_id", "action"),
		StepLockRejectedTotal: counter("step", "lock_rejected_total",
			"Mutating actions rejected because the record lock was held.", "step_id"),
		StepUndoCascadeSize: histogram("step", "undo_cascade_size",
			"Downstream records canceled by one undo.", cascadeSizeBuckets, "step_id"),

		InvocationsTotal: counter("", "invocations_total",
			"Cross-step invocations, by outcome.", "target_step_id", "mode", "outcome"),
		InvocationDuration: histogram("", "invocation_duration_seconds",
			"Cross-step invocation latency.", actionDurationBuckets, "target_step_id", "mode"),
		InvokerCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "invoker",
			Name:      "circuit_breaker_state",
			Help:      "Remote invoker breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"target"}),

		DefinitionReloadTotal: counter("definition", "reload_total",
			"Step definition loads, by status.", "status"),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "definitions_loaded",
			Help:      "Step definitions currently served.",
		}),
	}

	reg.MustRegister(m.collectors()...)
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.HTTPRequestsTotal, m.HTTPRequestDuration, m.HTTPBodySizeBytes,
		m.StepActionsTotal, m.StepActionDuration, m.StepLockRejectedTotal, m.StepUndoCascadeSize,
		m.InvocationsTotal, m.InvocationDuration, m.InvokerCircuitBreakerState,
		m.DefinitionReloadTotal, m.DefinitionsLoaded,
	}
}

// RecordHTTPRequest records one served request. Sizes below zero are
// treated as unknown and skipped.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	if reqSize >= 0 {
		m.HTTPBodySizeBytes.WithLabelValues(pathPattern, "request").Observe(float64(reqSize))
	}
	if respSize >= 0 {
		m.HTTPBodySizeBytes.WithLabelValues(pathPattern, "response").Observe(float64(respSize))
	}
}

// RecordStepAction records one handled action. Outcome is "ok" or the
// error code.
func (m *Metrics) RecordStepAction(stepID, action, outcome string, duration time.Duration) {
	m.StepActionsTotal.WithLabelValues(stepID, action, outcome).Inc()
	m.StepActionDuration.WithLabelValues(stepID, action).Observe(duration.Seconds())
}

func (m *Metrics) RecordLockRejected(stepID string) {
	m.StepLockRejectedTotal.WithLabelValues(stepID).Inc()
}

func (m *Metrics) RecordUndoCascade(stepID string, n int) {
	m.StepUndoCascadeSize.WithLabelValues(stepID).Observe(float64(n))
}

// RecordInvocation records one cross-step invocation.
func (m *Metrics) RecordInvocation(targetStepID, mode, outcome string, duration time.Duration) {
	m.InvocationsTotal.WithLabelValues(targetStepID, mode, outcome).Inc()
	m.InvocationDuration.WithLabelValues(targetStepID, mode).Observe(duration.Seconds())
}

// SetInvokerCircuitBreakerState publishes the breaker state of target:
// 0 closed, 1 half-open, 2 open.
func (m *Metrics) SetInvokerCircuitBreakerState(target string, state float64) {
	m.InvokerCircuitBreakerState.WithLabelValues(target).Set(state)
}

// RecordDefinitionReload counts a definition load; status is "success"
// or "failure".
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
}

// MetricsMiddleware records request metrics labeled by chi's route
// pattern rather than the raw path.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		reqSize := int(r.ContentLength)
		if reqSize < 0 {
			reqSize = 0
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), rec.status, time.Since(start), reqSize, rec.bytes)
	})
}

// HandlerFor returns a /metrics handler serving the given registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern returns the matched chi route, or the raw path when the
// request was not routed by chi.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*"); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// statusRecorder captures the status code and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
