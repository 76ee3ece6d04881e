package middleware

import (
	"net/http"
	"time"

	"github.com/daygent/daygent/internal/logging"
)

// TraceIDHeader propagates the request trace ID across service hops.
const TraceIDHeader = "X-Trace-ID"

// ensureTrace adopts the inbound trace ID or mints one, stores it in the
// request context and echoes it on the response.
func ensureTrace(w http.ResponseWriter, r *http.Request) *http.Request {
	traceID := r.Header.Get(TraceIDHeader)
	if traceID == "" {
		traceID = logging.NewTraceID()
	}
	w.Header().Set(TraceIDHeader, traceID)
	return r.WithContext(logging.WithTraceID(r.Context(), traceID))
}

// TracingMiddleware threads a trace ID through the request context and logs
// each request on completion. It is the ServeMux counterpart of
// LoggingMiddleware for handlers that do not run under a mux router.
type TracingMiddleware struct {
	logger *logging.Logger
}

func NewTracingMiddleware(logger *logging.Logger) *TracingMiddleware {
	return &TracingMiddleware{logger: logger}
}

// Handler wraps next with trace propagation. Probe endpoints are traced but
// not logged so liveness checks do not flood the request log.
func (m *TracingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = ensureTrace(w, r)
		rec := newStatusRecorder(w)
		start := time.Now()

		next.ServeHTTP(rec, r)

		if quietPath(r.URL.Path) && rec.status < http.StatusBadRequest {
			return
		}
		m.logger.LogRequest(r.Context(), r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

func quietPath(path string) bool {
	return path == "/healthz" || path == "/metrics"
}
