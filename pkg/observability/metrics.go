package observability

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aixgo-dev/convene/pkg/session"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convene_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"handler", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convene_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)

	// Tool metrics
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convene_tool_calls_total",
			Help: "Total number of agent tool calls",
		},
		[]string{"tool", "code"},
	)

	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "convene_tool_call_duration_seconds",
			Help: "Agent tool call duration in seconds",
			// wait-for-message blocks for up to minutes
			Buckets: []float64{.005, .025, .1, .5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"tool"},
	)

	// Session metrics
	sessionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convene_session_events_total",
			Help: "Total number of session events by type",
		},
		[]string{"type"},
	)

	sessionsEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convene_sessions_ended_total",
			Help: "Total number of ended sessions by reason",
		},
		[]string{"reason"},
	)

	sessionsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convene_sessions",
			Help: "Number of tracked sessions by state",
		},
		[]string{"state"},
	)

	waitersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "convene_pending_waiters",
			Help: "Number of unresolved wait-for-message calls",
		},
	)

	droppedEventsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "convene_dropped_events",
			Help: "Events dropped because a subscriber was too slow",
		},
	)

	transportBindings = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convene_transport_bindings",
			Help: "Number of live agent transport bindings by kind",
		},
		[]string{"kind"},
	)

	// System metrics
	memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "convene_memory_usage_bytes",
			Help: "Memory usage in bytes",
		},
	)

	goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "convene_goroutines",
			Help: "Number of goroutines",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			toolCallsTotal,
			toolCallDuration,
			sessionEventsTotal,
			sessionsEndedTotal,
			sessionsGauge,
			waitersGauge,
			droppedEventsGauge,
			transportBindings,
			memoryUsage,
			goroutines,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(handler, method, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
	httpRequestDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// RecordToolCall records agent tool call metrics
func RecordToolCall(tool, code string, duration time.Duration) {
	toolCallsTotal.WithLabelValues(tool, code).Inc()
	toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// SetTransportBindings sets the live binding gauge for a transport kind.
func SetTransportBindings(kind string, n int) {
	transportBindings.WithLabelValues(kind).Set(float64(n))
}

// SetSessionStats publishes manager counters.
func SetSessionStats(st session.Stats) {
	sessionsGauge.WithLabelValues("active").Set(float64(st.Active))
	sessionsGauge.WithLabelValues("held").Set(float64(st.Held))
	waitersGauge.Set(float64(st.Waiters))
	droppedEventsGauge.Set(float64(st.DroppedEvents))
}

// RecordRuntime samples process memory and goroutine counts.
func RecordRuntime() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	memoryUsage.Set(float64(m.Alloc))
	goroutines.Set(float64(runtime.NumGoroutine()))
}

// MetricsSink counts session events.
type MetricsSink struct{}

// HandleEvent implements session.EventSink.
func (MetricsSink) HandleEvent(e session.Event) {
	sessionEventsTotal.WithLabelValues(string(e.Type)).Inc()
	if e.Type == session.EventSessionEnded {
		sessionsEndedTotal.WithLabelValues(e.Reason).Inc()
	}
}
