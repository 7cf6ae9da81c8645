package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/koval-dev/llmgate/internal/telemetry"
)

// statusStrings holds every status code pre-rendered, so recording a
// request outcome never allocates through strconv.Itoa.
var statusStrings [600]string

func init() {
	for code := range statusStrings {
		statusStrings[code] = strconv.Itoa(code)
	}
}

// metricsMiddleware feeds each request's method, route, status, and
// duration into the gateway's Prometheus collectors, plus an in-flight
// gauge. It runs outside the tracing middleware so a dropped span never
// skews the counters.
func metricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.ActiveRequests.Inc()
			start := time.Now()

			sw := statusWriterPool.Get().(*statusWriter)
			sw.ResponseWriter = w
			sw.status = http.StatusOK
			sw.wroteHeader = false

			next.ServeHTTP(sw, r)

			status := sw.status
			sw.ResponseWriter = nil
			statusWriterPool.Put(sw)
			m.ActiveRequests.Dec()

			route := metricRoute(r)
			m.RequestsTotal.WithLabelValues(r.Method, route, statusStrings[status]).Inc()
			m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// metricRoute labels the request by its chi route pattern (e.g.
// "/v1/usage/{user_id}") so per-user paths collapse into one series,
// falling back to the raw path for anything chi didn't route.
func metricRoute(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}
