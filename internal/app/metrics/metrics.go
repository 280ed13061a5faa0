package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "airlift",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "airlift",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "airlift",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	updateChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "airlift",
			Subsystem: "acquisition",
			Name:      "update_checks_total",
			Help:      "Total number of update checks served.",
		},
		[]string{"outcome"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "airlift",
			Subsystem: "acquisition",
			Name:      "cache_lookups_total",
			Help:      "Total number of response cache lookups.",
		},
		[]string{"result"},
	)

	releases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "airlift",
			Subsystem: "management",
			Name:      "releases_total",
			Help:      "Total number of package releases committed.",
		},
		[]string{"method"},
	)

	statusReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "airlift",
			Subsystem: "accounting",
			Name:      "status_reports_total",
			Help:      "Total number of client status reports.",
		},
		[]string{"kind"},
	)

	deferredFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "airlift",
			Subsystem: "deferred",
			Name:      "task_failures_total",
			Help:      "Total number of failed deferred tasks.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		updateChecks,
		cacheLookups,
		releases,
		statusReports,
		deferredFailures,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordUpdateCheck counts one served update check. outcome is "update",
// "none" or "error".
func RecordUpdateCheck(outcome string) {
	updateChecks.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup counts one response cache lookup.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(result).Inc()
}

// RecordRelease counts one committed package by release method.
func RecordRelease(method string) {
	if method == "" {
		method = "Upload"
	}
	releases.WithLabelValues(method).Inc()
}

// RecordStatusReport counts one client status report, kind "deploy" or
// "download".
func RecordStatusReport(kind string) {
	statusReports.WithLabelValues(kind).Inc()
}

// RecordDeferredFailure counts one failed deferred task.
func RecordDeferredFailure() {
	deferredFailures.Inc()
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

// canonicalPath collapses id-bearing segments so label cardinality stays
// bounded.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "updateCheck", "reportStatus", "healthz", "metrics":
		if len(parts) > 1 {
			return "/" + parts[0] + "/" + parts[1]
		}
		return "/" + parts[0]
	case "v0.1":
		return "/v0.1/" + strings.Join(parts[1:], "/")
	case "blobs":
		return "/blobs/:id"
	case "management":
		if len(parts) == 1 {
			return "/management"
		}
		// Keep the resource names, drop the ids between them.
		kept := []string{"management"}
		for i := 1; i < len(parts); i += 2 {
			kept = append(kept, parts[i])
		}
		return "/" + strings.Join(kept, "/")
	default:
		return "/" + parts[0]
	}
}
