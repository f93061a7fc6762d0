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
			Namespace: "fleetcore",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetcore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleetcore",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	deviceReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetcore",
			Subsystem: "ingest",
			Name:      "reports_total",
			Help:      "Total number of device reports processed.",
		},
		[]string{"kind", "outcome"},
	)

	ledgerAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetcore",
			Subsystem: "ledger",
			Name:      "appends_total",
			Help:      "Total number of ledger blocks appended.",
		},
		[]string{"event_type"},
	)

	ledgerConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleetcore",
			Subsystem: "ledger",
			Name:      "append_conflicts_total",
			Help:      "Total number of ledger append conflicts that triggered a retry.",
		},
	)

	otaTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetcore",
			Subsystem: "ota",
			Name:      "status_transitions_total",
			Help:      "Total number of OTA job status transitions applied.",
		},
		[]string{"status"},
	)

	tamperReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetcore",
			Subsystem: "tamper",
			Name:      "events_total",
			Help:      "Total number of tamper events recorded.",
		},
		[]string{"severity"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		deviceReports,
		ledgerAppends,
		ledgerConflicts,
		otaTransitions,
		tamperReports,
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

// RecordReport counts one processed device report.
func RecordReport(kind, outcome string) {
	deviceReports.WithLabelValues(kind, outcome).Inc()
}

// RecordLedgerAppend counts one appended ledger block.
func RecordLedgerAppend(eventType string) {
	ledgerAppends.WithLabelValues(eventType).Inc()
}

// RecordLedgerConflict counts one append conflict retry.
func RecordLedgerConflict() {
	ledgerConflicts.Inc()
}

// RecordOTATransition counts one applied OTA status transition.
func RecordOTATransition(status string) {
	otaTransitions.WithLabelValues(status).Inc()
}

// RecordTamperEvent counts one recorded tamper event.
func RecordTamperEvent(severity string) {
	tamperReports.WithLabelValues(severity).Inc()
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
	case "reports":
		if len(parts) > 1 {
			return "/reports/" + parts[1]
		}
		return "/reports"
	case "devices":
		if len(parts) == 1 {
			return "/devices"
		}
		if len(parts) == 2 {
			return "/devices/:uuid"
		}
		return "/devices/:uuid/" + parts[2]
	case "organizations":
		if len(parts) >= 3 {
			return "/organizations/:org/" + strings.Join(parts[2:], "/")
		}
		return "/organizations/:org"
	default:
		return "/" + parts[0]
	}
}
