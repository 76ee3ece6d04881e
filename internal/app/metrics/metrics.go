package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "daygent"

// Registry holds every collector the application registers. Handlers expose
// it instead of the default registry so tests can gather from a known set.
var Registry = prometheus.NewRegistry()

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "HTTP requests currently being served.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served, partitioned by method, path, and status.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Time spent serving an HTTP request.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	proxyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llmproxy",
		Name:      "upstream_requests_total",
		Help:      "Requests forwarded to LLM providers.",
	}, []string{"provider", "status"})

	proxyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "llmproxy",
		Name:      "upstream_duration_seconds",
		Help:      "Time spent waiting on an upstream LLM provider.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	}, []string{"provider"})

	proxyTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llmproxy",
		Name:      "tokens_total",
		Help:      "Tokens reported by LLM providers.",
	}, []string{"provider", "direction"})

	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Access-cache lookups by outcome.",
	}, []string{"cache", "outcome"})

	automationRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "automation",
		Name:      "rule_runs_total",
		Help:      "Automation rule executions.",
	}, []string{"success"})

	automationDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "automation",
		Name:      "events_dropped_total",
		Help:      "Issue events dropped by the automation dispatcher under backpressure.",
	})

	websocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "websocket_clients",
		Help:      "Currently connected websocket subscribers.",
	})

	usageRollupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "rollup_duration_seconds",
		Help:      "Time spent on a monthly usage roll-up run.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		proxyRequests,
		proxyDuration,
		proxyTokens,
		cacheLookups,
		automationRuns,
		automationDropped,
		websocketClients,
		usageRollupDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request counts, durations, and in-flight totals
// for next. Websocket upgrades pass through uninstrumented: a connection
// held open for hours would distort the duration histogram, and the events
// gauge already tracks subscribers.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" || strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
	})
}

// RecordProxyRequest records one upstream LLM call.
func RecordProxyRequest(provider, status string, duration time.Duration) {
	if provider == "" {
		provider = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	proxyRequests.WithLabelValues(provider, status).Inc()
	proxyDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordProxyTokens records provider-reported token counts.
func RecordProxyTokens(provider string, input, output int64) {
	if provider == "" {
		provider = "unknown"
	}
	if input > 0 {
		proxyTokens.WithLabelValues(provider, "input").Add(float64(input))
	}
	if output > 0 {
		proxyTokens.WithLabelValues(provider, "output").Add(float64(output))
	}
}

// RecordCacheLookup records an access or session cache lookup outcome.
func RecordCacheLookup(cache string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheLookups.WithLabelValues(cache, outcome).Inc()
}

// RecordAutomationRun records one automation rule execution.
func RecordAutomationRun(success bool) {
	result := "false"
	if success {
		result = "true"
	}
	automationRuns.WithLabelValues(result).Inc()
}

// RecordAutomationDrop counts an event dropped under dispatcher backpressure.
func RecordAutomationDrop() {
	automationDropped.Inc()
}

// SetWebsocketClients sets the connected subscriber gauge.
func SetWebsocketClients(n int) {
	websocketClients.Set(float64(n))
}

// ObserveUsageRollup records the duration of a usage roll-up run.
func ObserveUsageRollup(duration time.Duration) {
	usageRollupDuration.Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Flush forwards to the underlying writer so streamed bodies keep streaming
// under instrumentation.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// canonicalPath collapses request paths onto a bounded label set. Anything
// under /workspaces keeps the resource segment with the workspace slug
// replaced by a placeholder; every other path keeps its first segment only.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "workspaces" {
		return "/" + parts[0]
	}
	switch len(parts) {
	case 1:
		return "/workspaces"
	case 2:
		return "/workspaces/:workspace"
	}
	return "/workspaces/:workspace/" + parts[2]
}
