package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presence",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "presence",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "presence",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently holding an open channel.",
		},
	)
	sessionStates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presence",
			Subsystem: "session",
			Name:      "state_total",
			Help:      "Session state entries.",
		},
		[]string{"state"},
	)
	sessionEnds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presence",
			Subsystem: "session",
			Name:      "ends_total",
			Help:      "Sessions ended, by reason.",
		},
		[]string{"reason"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "messages_total",
			Help:      "Protocol messages by direction and kind.",
		},
		[]string{"direction", "kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, sessionsActive, sessionStates, sessionEnds, messages)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSessionState(state string) {
	RegisterMetrics()
	sessionStates.WithLabelValues(state).Inc()
}

func RecordSessionOpened() {
	RegisterMetrics()
	sessionsActive.Inc()
}

func RecordSessionClosed() {
	RegisterMetrics()
	sessionsActive.Dec()
}

func RecordSessionEnd(reason string) {
	RegisterMetrics()
	sessionEnds.WithLabelValues(reason).Inc()
}

// RecordMessage counts one frame; direction is "in" or "out".
func RecordMessage(direction, kind string) {
	RegisterMetrics()
	messages.WithLabelValues(direction, kind).Inc()
}
